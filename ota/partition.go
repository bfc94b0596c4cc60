package ota

import "errors"

// Partition indices in the RP2350 partition table.
const (
	PartitionA = 0
	PartitionB = 1
)

const (
	SectorSize = 4096 // erase block
	PageSize   = 256  // program block
	XIPBase    = 0x10000000
)

var (
	ErrConfirmFailed = errors.New("ota: partition confirm failed")
	ErrRebootFailed  = errors.New("ota: reboot failed")
	ErrUnaligned     = errors.New("ota: offset not page aligned")
)

// Layout describes the two image partitions, as raw flash offsets.
// Verified with: picotool partition info
//
//	0(A)       00002000->001f2000
//	1(B w/ 0)  001f2000->003e2000
type Layout struct {
	A, B      uint32
	MaxSize   uint32
	FlashSize uint32 // whole chip
}

// DefaultLayout is PT (8KB) | A (1984KB) | B (1984KB) | data (120KB) on
// the 4MB Pico 2 W flash.
var DefaultLayout = Layout{A: 0x2000, B: 0x1F2000, MaxSize: 0x1F0000, FlashSize: 4 << 20}

// DataOffset returns the raw flash offset of the data region, which starts
// after both image partitions.
func (l Layout) DataOffset() uint32 {
	return max(l.A, l.B) + l.MaxSize
}

// DataSize returns the length of the data region in whole sectors.
func (l Layout) DataSize() uint32 {
	off := l.DataOffset()
	if off >= l.FlashSize {
		return 0
	}
	size := l.FlashSize - off
	return size - size%SectorSize
}

// Offset returns the raw flash offset of a partition.
func (l Layout) Offset(partition int) uint32 {
	if partition == PartitionB {
		return l.B
	}
	return l.A
}

// XIPAddr returns the memory-mapped address the bootrom expects.
func (l Layout) XIPAddr(partition int) uint32 {
	return XIPBase + l.Offset(partition)
}

// Other returns the partition that is not p.
func Other(p int) int {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// padPage returns p extended with erased bytes (0xff) to a PageSize
// multiple, using buf when padding is needed.
func padPage(p []byte, buf *[PageSize]byte) (head, tail []byte) {
	full := len(p) &^ (PageSize - 1)
	if full == len(p) {
		return p, nil
	}
	n := copy(buf[:], p[full:])
	for i := n; i < PageSize; i++ {
		buf[i] = 0xff
	}
	return p[:full], buf[:]
}
