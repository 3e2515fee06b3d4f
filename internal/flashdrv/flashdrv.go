// Package flashdrv provides the three RAM-resident flash primitives the
// orchestrator drives: erase, program, and verify. Every exported method on
// a real Driver, and every function it calls, must execute from RAM (this
// class of part cannot fetch instructions from flash while flash is being
// erased or programmed).
package flashdrv

import (
	"bytes"
	"errors"

	"github.com/crucible-systems/sdloader/internal/target"
)

// Errors returned by Driver implementations.
var (
	ErrNotSectorAligned = errors.New("flashdrv: address not sector-aligned")
	ErrNotPageAligned   = errors.New("flashdrv: address not page-aligned")
	ErrWrongPageSize    = errors.New("flashdrv: buffer is not exactly one page")
	ErrSelfRegion       = errors.New("flashdrv: operation would touch the loader's own region")
)

// Driver is the interface the orchestrator uses to mutate flash. Addresses
// are absolute, in the same code-space the CPU executes from (on platform
// B this is the address-translation window's virtual space, set up once
// at start of day and never touched by Driver itself).
type Driver interface {
	// Erase erases the sector-rounded range starting at addr. addr must
	// be sector-aligned. Every byte in the rounded range reads 0xFF
	// afterward.
	Erase(addr, length uint32) error
	// Program writes exactly one page at a page-aligned address. buf
	// must be target.Page bytes long.
	Program(addr uint32, buf []byte) error
	// Verify reports whether flash at addr already equals buf.
	Verify(addr uint32, buf []byte) (bool, error)
}

// Reader is implemented by Driver implementations that can also read flash
// directly, without alignment restrictions. The orchestrator uses it to
// save the second-stage boot stub before erasing sector 0, and to fetch
// the already-programmed first page before overlaying the proginfo
// record onto it.
type Reader interface {
	ReadAt(addr, length uint32) ([]byte, error)
}

// selfRegion is the range of flash a Driver refuses to touch: the loader's
// own code, starting at flash_end and running to the end of the part.
type selfRegion struct {
	flashEnd uint32
	partEnd  uint32
}

func (s selfRegion) overlaps(addr, length uint32) bool {
	return addr+length > s.flashEnd && addr < s.partEnd
}

// roundUpSector rounds length up to the next sector boundary.
func roundUpSector(length uint32) uint32 {
	rem := length % target.Sector
	if rem == 0 {
		return length
	}
	return length + (target.Sector - rem)
}

// checkErase validates an erase request against alignment and self-region
// rules shared by every Driver implementation.
func checkErase(addr, length uint32, self selfRegion) error {
	if addr%target.Sector != 0 {
		return ErrNotSectorAligned
	}
	rounded := roundUpSector(length)
	if self.overlaps(addr, rounded) {
		return ErrSelfRegion
	}
	return nil
}

// checkProgram validates a program request shared by every implementation.
func checkProgram(addr uint32, buf []byte, self selfRegion) error {
	if addr%target.Page != 0 {
		return ErrNotPageAligned
	}
	if len(buf) != target.Page {
		return ErrWrongPageSize
	}
	if self.overlaps(addr, uint32(len(buf))) {
		return ErrSelfRegion
	}
	return nil
}

// FakeDriver is an in-memory Driver used by host tests and by
// cmd/sdloaderctl's dry-run mode. It enforces the same alignment and
// self-region rules a real Driver would, against a byte slice standing in
// for the whole flash part.
type FakeDriver struct {
	Flash    []byte // whole part, indexed by absolute address starting at target.XIPBase
	FlashEnd uint32 // exclusive upper bound of the region this driver will write
	PartEnd  uint32 // exclusive upper bound of the whole part (XIPBase + part size)
}

// NewFakeDriver allocates a part-sized buffer pre-filled with 0xFF, as real
// NOR flash reads after a full-chip erase.
func NewFakeDriver(partSize, flashEnd uint32) *FakeDriver {
	buf := make([]byte, partSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &FakeDriver{Flash: buf, FlashEnd: flashEnd, PartEnd: target.XIPBase + partSize}
}

func (f *FakeDriver) self() selfRegion {
	return selfRegion{flashEnd: f.FlashEnd, partEnd: f.PartEnd}
}

func (f *FakeDriver) index(addr uint32) (int, error) {
	if addr < target.XIPBase || addr >= f.PartEnd {
		return 0, errors.New("flashdrv: address out of range")
	}
	return int(addr - target.XIPBase), nil
}

// Erase implements Driver.
func (f *FakeDriver) Erase(addr, length uint32) error {
	if err := checkErase(addr, length, f.self()); err != nil {
		return err
	}
	rounded := roundUpSector(length)
	start, err := f.index(addr)
	if err != nil {
		return err
	}
	end := start + int(rounded)
	if end > len(f.Flash) {
		return errors.New("flashdrv: erase extends past part")
	}
	for i := start; i < end; i++ {
		f.Flash[i] = 0xFF
	}
	return nil
}

// Program implements Driver. Bits already 0 in flash stay 0 regardless of
// the corresponding bit in buf, matching real NOR semantics: programming
// can only clear bits, never set them back to 1.
func (f *FakeDriver) Program(addr uint32, buf []byte) error {
	if err := checkProgram(addr, buf, f.self()); err != nil {
		return err
	}
	start, err := f.index(addr)
	if err != nil {
		return err
	}
	for i, b := range buf {
		f.Flash[start+i] &= b
	}
	return nil
}

// Verify implements Driver.
func (f *FakeDriver) Verify(addr uint32, buf []byte) (bool, error) {
	start, err := f.index(addr)
	if err != nil {
		return false, err
	}
	if start+len(buf) > len(f.Flash) {
		return false, errors.New("flashdrv: verify extends past part")
	}
	return bytes.Equal(f.Flash[start:start+len(buf)], buf), nil
}

// ReadAt reads length bytes starting at addr without any alignment or
// self-region restriction, used by the stub-preservation path, which
// must read sector 0 before erasing it, and by tests asserting on flash
// contents directly.
func (f *FakeDriver) ReadAt(addr, length uint32) ([]byte, error) {
	start, err := f.index(addr)
	if err != nil {
		return nil, err
	}
	if start+int(length) > len(f.Flash) {
		return nil, errors.New("flashdrv: read extends past part")
	}
	out := make([]byte, length)
	copy(out, f.Flash[start:start+int(length)])
	return out, nil
}
