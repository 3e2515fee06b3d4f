// Package orchestrator drives a single UF2 load end to end: open, erase,
// stream-program, commit. It is the only package that is allowed to call
// Driver.Erase and Driver.Program, everything upstream only classifies
// blocks.
package orchestrator

import (
	"errors"
	"fmt"
	"io"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/proginfo"
	"github.com/crucible-systems/sdloader/internal/target"
	"github.com/crucible-systems/sdloader/internal/uf2"
)

// Result is the outcome of a Load call.
type Result int

const (
	// Unknown means an I/O or flash-driver error aborted the load; the
	// post-condition is identical to Bad.
	Unknown Result = iota
	// Loaded means the file was fully programmed and committed.
	Loaded
	// WrongPlatform means no block in the file ever matched this device's
	// family; nothing was erased or programmed.
	WrongPlatform
	// Bad means a well-formed block stream violated a cross-block or EOF
	// invariant. Zero or more pages may already be programmed, but the
	// proginfo slot still reads "no app".
	Bad
)

func (r Result) String() string {
	switch r {
	case Loaded:
		return "Loaded"
	case WrongPlatform:
		return "WrongPlatform"
	case Bad:
		return "Bad"
	default:
		return "Unknown"
	}
}

// ErrInvalidLoader means flash_end was never resolved on this Target; no
// flash write is permitted without a bound on the application region.
var ErrInvalidLoader = errors.New("orchestrator: flash_end is unset")

// Driver is the flash capability the orchestrator drives: the three
// RAM-resident primitives plus raw reads, used for stub preservation and
// the proginfo commit.
type Driver interface {
	flashdrv.Driver
	flashdrv.Reader
}

// StatusFunc receives advisory progress strings; the orchestrator treats a
// nil StatusFunc as "don't bother".
type StatusFunc func(message string)

// Orchestrator runs Load against one Target/Driver pair.
type Orchestrator struct {
	tgt    target.Target
	drv    Driver
	status StatusFunc
}

// New builds an Orchestrator. status may be nil.
func New(tgt target.Target, drv Driver, status StatusFunc) *Orchestrator {
	return &Orchestrator{tgt: tgt, drv: drv, status: status}
}

func (o *Orchestrator) emit(format string, args ...any) {
	if o.status != nil {
		o.status(fmt.Sprintf(format, args...))
	}
}

// Load reads a UF2 block stream from r and drives it through validation,
// erase, program, and commit. filename is recorded in the proginfo slot on
// platforms that have room for one; it is typically the name the file had
// on the SD card.
func (o *Orchestrator) Load(r io.Reader, filename string) (Result, error) {
	flashEnd, err := o.tgt.FlashEnd()
	if err != nil {
		return Unknown, ErrInvalidLoader
	}

	dec := uf2.NewDecoder(o.tgt, flashEnd)
	layout := o.tgt.ProgInfo()

	raw := make([]byte, uf2.BlockSize)
	var (
		erased     bool
		programmed uint32
	)

	for {
		_, rerr := io.ReadFull(r, raw)
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return Unknown, fmt.Errorf("orchestrator: read block: %w", rerr)
		}

		res := dec.Next(raw)
		switch res.Outcome {
		case uf2.Skip:
			continue
		case uf2.Reject:
			o.emit("load rejected: %s", res.Reason)
			return Bad, nil
		}

		if !erased {
			eraseAddr, eraseLen := eraseRange(dec.FirstAddr(), dec.NumBlocks(), flashEnd)
			if err := o.eraseAndPreserveStub(eraseAddr, eraseLen, dec.FirstAddr()); err != nil {
				return Unknown, err
			}
			erased = true
		}

		payload := append([]byte(nil), res.Payload...)
		proginfo.ClearInBuf(layout, payload, res.TargetAddr)
		if err := o.drv.Program(res.TargetAddr, payload); err != nil {
			return Unknown, err
		}
		programmed++
		if programmed%100 == 0 {
			o.emit("Loading %d/%d...", programmed, dec.NumBlocks())
		}
	}

	switch dec.Finish() {
	case uf2.EOFWrongPlatform:
		return WrongPlatform, nil
	case uf2.EOFTruncated:
		o.emit("load truncated: %d/%d blocks written", programmed, dec.NumBlocks())
		return Bad, nil
	}

	if o.tgt.CommitsProgInfo() {
		if err := o.commitProgInfo(layout, flashEnd, filename); err != nil {
			return Unknown, err
		}
	}

	o.emit("Loaded %d/%d", programmed, dec.NumBlocks())
	return Loaded, nil
}

// eraseRange computes the sector-rounded erase range covering
// [firstAddr, firstAddr+numBlocks*page), clamped so it never reaches past
// flashEnd (the declared num_blocks is untrusted until every block has
// actually been validated in range), and erase must honor the same
// in-bounds invariant program does.
func eraseRange(firstAddr, numBlocks, flashEnd uint32) (addr, length uint32) {
	end := firstAddr + numBlocks*target.Page
	if end > flashEnd {
		end = flashEnd
	}
	addr = firstAddr - (firstAddr % target.Sector)
	length = end - addr
	if rem := length % target.Sector; rem != 0 {
		length += target.Sector - rem
	}
	return addr, length
}

// eraseAndPreserveStub performs the one erase for this load, reading and
// reprogramming the second-stage boot stub around it when the plan
// includes sector 0 and the UF2 itself doesn't supply that page.
func (o *Orchestrator) eraseAndPreserveStub(eraseAddr, eraseLen, firstAddr uint32) error {
	preserve := o.tgt.PreserveStub() && eraseAddr == target.XIPBase && firstAddr != target.XIPBase
	var stub []byte
	if preserve {
		saved, err := o.drv.ReadAt(target.XIPBase, target.StubSize)
		if err != nil {
			return fmt.Errorf("orchestrator: read boot stub: %w", err)
		}
		stub = saved
	}
	if err := o.drv.Erase(eraseAddr, eraseLen); err != nil {
		return fmt.Errorf("orchestrator: erase: %w", err)
	}
	if preserve {
		if err := o.drv.Program(target.XIPBase, stub); err != nil {
			return fmt.Errorf("orchestrator: restore boot stub: %w", err)
		}
	}
	return nil
}

// commitProgInfo reads the page containing the proginfo slot, overlays the
// live record, and reprograms that page. Only bits are cleared, never set,
// because the slot's pre-commit state is always all-ones, either because
// this load's own erase covered it, or because ClearInBuf forced it to
// 0xFF while the stream passed over it, or because it was never touched
// and is still in its post-chip-erase state.
func (o *Orchestrator) commitProgInfo(layout target.ProgInfoLayout, flashEnd uint32, filename string) error {
	pageAddr := proginfo.Page(layout)
	page, err := o.drv.ReadAt(pageAddr, target.Page)
	if err != nil {
		return fmt.Errorf("orchestrator: read proginfo page: %w", err)
	}
	if !proginfo.SetInBuf(layout, page, pageAddr, flashEnd, filename) {
		return fmt.Errorf("orchestrator: proginfo slot does not fit in its own page")
	}
	if err := o.drv.Program(pageAddr, page); err != nil {
		return fmt.Errorf("orchestrator: commit proginfo: %w", err)
	}
	return nil
}
