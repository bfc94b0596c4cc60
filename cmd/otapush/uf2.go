package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	uf2BlockSize   = 512
	uf2MaxPayload  = 476
	uf2Magic0      = 0x0A324655 // "UF2\n"
	uf2Magic1      = 0x9E5D5157
	uf2MagicEnd    = 0x0AB16F30
	uf2MaxImage    = 4 * 1024 * 1024
	uf2PayloadBase = 32
)

// UF2 block flags.
const (
	uf2NotMainFlash   = 0x00000001
	uf2FileContainer  = 0x00001000
	uf2FamilyPresent  = 0x00002000
	uf2MD5Present     = 0x00004000
	uf2ExtensionsTags = 0x00008000
)

var uf2Families = map[uint32]string{
	0xe48bff56: "RP2040",
	0xe48bff59: "RP2350 ARM-S",
	0xe48bff5a: "RP2350 RISC-V",
	0xe48bff5b: "RP2350 ARM-NS",
}

var errNotUF2 = errors.New("not a UF2 file")

// uf2Block is the header of one 512-byte UF2 block.
type uf2Block struct {
	Flags    uint32
	Addr     uint32
	Size     uint32
	Seq      uint32
	Total    uint32
	FamilyID uint32
	payload  []byte
}

func isUF2(data []byte) bool {
	return len(data) >= uf2BlockSize && binary.LittleEndian.Uint32(data) == uf2Magic0
}

func parseUF2(data []byte) ([]uf2Block, error) {
	if len(data) < uf2BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", errNotUF2, len(data))
	}
	if len(data)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("UF2 size %d not a multiple of %d", len(data), uf2BlockSize)
	}
	blocks := make([]uf2Block, 0, len(data)/uf2BlockSize)
	for i := 0; i < len(data); i += uf2BlockSize {
		b := data[i : i+uf2BlockSize]
		le := binary.LittleEndian
		if le.Uint32(b[0:]) != uf2Magic0 || le.Uint32(b[4:]) != uf2Magic1 || le.Uint32(b[508:]) != uf2MagicEnd {
			return nil, fmt.Errorf("block %d: invalid magic", i/uf2BlockSize)
		}
		blk := uf2Block{
			Flags:    le.Uint32(b[8:]),
			Addr:     le.Uint32(b[12:]),
			Size:     min(le.Uint32(b[16:]), uf2MaxPayload),
			Seq:      le.Uint32(b[20:]),
			Total:    le.Uint32(b[24:]),
			FamilyID: le.Uint32(b[28:]),
		}
		blk.payload = b[uf2PayloadBase : uf2PayloadBase+blk.Size]
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// flattenUF2 lays the flash blocks out as one contiguous image starting at
// the lowest target address. Gaps are left erased (0xff).
func flattenUF2(blocks []uf2Block) ([]byte, uint32, error) {
	lo, hi := uint32(0xFFFFFFFF), uint32(0)
	for _, b := range blocks {
		if b.Flags&uf2NotMainFlash != 0 {
			continue
		}
		lo = min(lo, b.Addr)
		hi = max(hi, b.Addr+b.Size)
	}
	if hi <= lo {
		return nil, 0, errors.New("UF2 has no flash blocks")
	}
	if hi-lo > uf2MaxImage {
		return nil, 0, fmt.Errorf("extracted image too large: %d bytes", hi-lo)
	}
	img := make([]byte, hi-lo)
	for i := range img {
		img[i] = 0xff
	}
	for _, b := range blocks {
		if b.Flags&uf2NotMainFlash != 0 {
			continue
		}
		copy(img[b.Addr-lo:], b.payload)
	}
	return img, lo, nil
}

func familyName(id uint32) string {
	if name, ok := uf2Families[id]; ok {
		return name
	}
	return "unknown"
}
