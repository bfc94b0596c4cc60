package otaserver

import (
	"errors"
	"fmt"
)

// Target receives one image.
type Target interface {
	// MaxSize is the largest image the target can hold.
	MaxSize() uint32
	// Begin prepares the target for an image of size bytes.
	Begin(size uint32) error
	// Write stores p at offset bytes from the image start.
	Write(offset uint32, p []byte) error
	// Flush stores anything Write held back. It runs before the image is
	// reported verified.
	Flush() error
	// Finish activates a verified image. For firmware this may not return.
	Finish() error
	// Abort discards a partial image.
	Abort()
}

// Flash is raw erase/program access to a flash device.
type Flash interface {
	EraseSector(offset uint32) error
	Program(offset uint32, p []byte) error
}

const (
	// MaxSectors bounds the erase bitmap of a FlashTarget (2 MiB in 4 KiB sectors).
	MaxSectors = 512
	// MaxPageSize bounds FlashTarget.PageSize.
	MaxPageSize = 256
)

var (
	ErrImageTooLarge = errors.New("otaserver: image too large for target")
	ErrOutOfOrder    = errors.New("otaserver: write out of order")
)

// FlashTarget writes an image into a contiguous flash region, erasing
// sectors the first time a write touches them.
//
// With a PageSize set, every Program call starts on a page boundary: the
// unfinished tail of a write is kept until the next write or Flush, so
// writes must arrive in order.
type FlashTarget struct {
	Flash      Flash
	Base       uint32 // region start, raw flash offset
	Size       uint32 // region length
	SectorSize uint32
	PageSize   uint32 // program granularity, 0 for none
	// Activate runs after the image has been verified.
	Activate func() error

	expected uint32
	next     uint32 // image offset of the next byte to arrive
	erased   [MaxSectors]bool
	page     [MaxPageSize]byte
	pending  uint32 // bytes of page waiting to be programmed
}

func (t *FlashTarget) MaxSize() uint32 { return t.Size }

func (t *FlashTarget) Begin(size uint32) error {
	if size > t.Size {
		return ErrImageTooLarge
	}
	if t.SectorSize == 0 || (uint64(t.Size)+uint64(t.SectorSize)-1)/uint64(t.SectorSize) > MaxSectors {
		return fmt.Errorf("otaserver: bad sector geometry %d/%d", t.Size, t.SectorSize)
	}
	if t.PageSize > MaxPageSize || (t.PageSize != 0 && t.SectorSize%t.PageSize != 0) {
		return fmt.Errorf("otaserver: bad page size %d", t.PageSize)
	}
	t.expected = size
	t.next = 0
	t.pending = 0
	t.erased = [MaxSectors]bool{}
	return nil
}

func (t *FlashTarget) Write(offset uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	end := offset + uint32(len(p))
	if end > t.expected || end < offset {
		return ErrImageTooLarge
	}
	if t.PageSize != 0 && offset != t.next {
		return ErrOutOfOrder
	}
	for sector := offset / t.SectorSize; sector <= (end-1)/t.SectorSize; sector++ {
		if t.erased[sector] {
			continue
		}
		if err := t.Flash.EraseSector(t.Base + sector*t.SectorSize); err != nil {
			return fmt.Errorf("erase sector %d: %w", sector, err)
		}
		t.erased[sector] = true
	}
	t.next = end
	if t.PageSize == 0 {
		return t.program(offset, p)
	}

	if t.pending > 0 {
		n := uint32(copy(t.page[t.pending:t.PageSize], p))
		t.pending += n
		p = p[n:]
		offset += n
		if t.pending < t.PageSize {
			return nil
		}
		if err := t.program(offset-t.PageSize, t.page[:t.PageSize]); err != nil {
			return err
		}
		t.pending = 0
	}
	whole := uint32(len(p)) - uint32(len(p))%t.PageSize
	if whole > 0 {
		if err := t.program(offset, p[:whole]); err != nil {
			return err
		}
	}
	t.pending = uint32(copy(t.page[:], p[whole:]))
	return nil
}

func (t *FlashTarget) Flush() error {
	if t.pending == 0 {
		return nil
	}
	err := t.program(t.next-t.pending, t.page[:t.pending])
	t.pending = 0
	return err
}

func (t *FlashTarget) program(offset uint32, p []byte) error {
	if err := t.Flash.Program(t.Base+offset, p); err != nil {
		return fmt.Errorf("program at %#x: %w", t.Base+offset, err)
	}
	return nil
}

func (t *FlashTarget) Finish() error {
	if t.Activate == nil {
		return nil
	}
	return t.Activate()
}

func (t *FlashTarget) Abort() {
	t.expected = 0
	t.pending = 0
}
