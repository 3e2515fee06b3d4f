// Package proginfo implements the persistent program-info record and the
// volatile boot-command slot described for this loader family. The record
// lives inside the architecturally-reserved "hole" of the application's
// Cortex-M exception vector table, so it is written atomically as part of
// the first page program of any flash update, never by a dedicated
// write. Do not simulate this with a mutable reference into the
// flash-mapped address range; every accessor here operates on an explicit
// RAM page buffer that the caller programs exactly once.
package proginfo

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/target"
)

// Magic marks a live record. Any other value in that word means "no
// record" (the canonical way both this package and stage-3 decide
// whether a valid application is installed).
const Magic = 0xE98CC638

const (
	magicOffset    = 0
	flashEndOffset = 4
	filenameOffset = 8
	filenameLen    = 20
)

// ErrNoRecord is returned by Get when the magic word does not match.
var ErrNoRecord = errors.New("proginfo: no live record")

// Info is the decoded program-info record.
type Info struct {
	FlashEnd uint32
	Filename string // empty on platform B, which has no filename slot
}

// Address returns the absolute address of the start of the proginfo slot.
func Address(layout target.ProgInfoLayout) uint32 {
	return target.XIPBase + layout.Offset
}

// Page returns the page-aligned address of the page containing the slot.
func Page(layout target.ProgInfoLayout) uint32 {
	addr := Address(layout)
	return addr - (addr % target.Page)
}

// Valid reads the magic word directly from flash via r.
func Valid(r flashdrv.Reader, layout target.ProgInfoLayout) (bool, error) {
	data, err := r.ReadAt(Address(layout), 4)
	if err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(data) == Magic, nil
}

// Get reads and decodes the live record from flash via r. It returns
// ErrNoRecord if the magic word does not match.
func Get(r flashdrv.Reader, layout target.ProgInfoLayout) (Info, error) {
	data, err := r.ReadAt(Address(layout), uint32(layout.Size))
	if err != nil {
		return Info{}, err
	}
	if binary.LittleEndian.Uint32(data[magicOffset:magicOffset+4]) != Magic {
		return Info{}, ErrNoRecord
	}
	info := Info{FlashEnd: binary.LittleEndian.Uint32(data[flashEndOffset : flashEndOffset+4])}
	if layout.HasFilename {
		info.Filename = strings.TrimRight(string(data[filenameOffset:filenameOffset+filenameLen]), " ")
	}
	return info, nil
}

// ClearInBuf force-sets to 0xFF the bytes of buf that fall within the
// proginfo slot, where buf represents the flash range
// [bufBase, bufBase+len(buf)). It is a no-op if the ranges don't overlap.
//
// This is applied to every programmed block whose range covers the
// proginfo hole, before the block is handed to Driver.Program: it
// guarantees the post-erase-pre-commit state of the slot reads as "no
// app" regardless of what bytes the UF2 payload happened to carry there.
func ClearInBuf(layout target.ProgInfoLayout, buf []byte, bufBase uint32) {
	slotAddr := Address(layout)
	slotEnd := slotAddr + uint32(layout.Size)
	bufEnd := bufBase + uint32(len(buf))
	if slotEnd <= bufBase || slotAddr >= bufEnd {
		return
	}
	start := maxu32(slotAddr, bufBase) - bufBase
	end := minu32(slotEnd, bufEnd) - bufBase
	for i := start; i < end; i++ {
		buf[i] = 0xFF
	}
}

// SetInBuf writes the live record (magic, flashEnd, and filename when the
// platform has room for one) into buf if buf fully covers the proginfo
// slot. It returns false without modifying buf otherwise. Only the
// record's own bytes are written, any reserved padding within
// layout.Size is left as whatever ClearInBuf (or the original payload)
// put there, since programming can only clear bits, never set them.
func SetInBuf(layout target.ProgInfoLayout, buf []byte, bufBase uint32, flashEnd uint32, filename string) bool {
	slotAddr := Address(layout)
	slotEnd := slotAddr + uint32(layout.Size)
	bufEnd := bufBase + uint32(len(buf))
	if slotAddr < bufBase || slotEnd > bufEnd {
		return false
	}
	off := slotAddr - bufBase
	binary.LittleEndian.PutUint32(buf[off+magicOffset:off+magicOffset+4], Magic)
	binary.LittleEndian.PutUint32(buf[off+flashEndOffset:off+flashEndOffset+4], flashEnd)
	if layout.HasFilename {
		var padded [filenameLen]byte
		for i := range padded {
			padded[i] = ' '
		}
		copy(padded[:], filename)
		copy(buf[off+filenameOffset:off+filenameOffset+filenameLen], padded[:])
	}
	return true
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
