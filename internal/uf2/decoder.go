package uf2

import (
	"fmt"

	"github.com/crucible-systems/sdloader/internal/target"
)

// Outcome classifies what the Decoder did with one block.
type Outcome int

const (
	// Accept means the block's payload should be programmed at TargetAddr.
	Accept Outcome = iota
	// Skip means a known-benign block was absorbed: a silicon-erratum
	// workaround block, a non-main-flash block, or a block belonging to
	// a different chip family in a multi-family UF2.
	Skip
	// Reject means the file is malformed; the whole load must abort.
	Reject
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Skip:
		return "skip"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Result is what Decoder.Next returns for a single block.
type Result struct {
	Outcome    Outcome
	TargetAddr uint32
	Payload    []byte // valid only when Outcome == Accept
	Reason     string // explanation for Skip or Reject
}

// EOFStatus classifies the end of the block stream.
type EOFStatus int

const (
	// EOFComplete means every expected block was accepted.
	EOFComplete EOFStatus = iota
	// EOFTruncated means the stream ended before all expected blocks
	// arrived, a cross-block/EOF invariant violation.
	EOFTruncated
	// EOFWrongPlatform means no block targeting this device's family
	// was ever seen.
	EOFWrongPlatform
)

// erratumAddr is the fixed target address of the one deliberate fix-up
// block this validator recognizes.
const erratumAddr = 0x10FFFF00

// Decoder is a pure state machine over a block stream: feed it raw
// 512-byte blocks in file order via Next, then call Finish once the
// stream ends.
type Decoder struct {
	tgt      target.Target
	flashEnd uint32

	started         bool
	sawErratum      bool
	malformedAdjust uint32
	rawNumBlocks    uint32
	firstAddr       uint32
	nextEffBlockNo  uint32
	blocksWritten   uint32
}

// NewDecoder builds a Decoder bound to tgt. flashEnd must already be
// resolved, the caller is expected to have checked tgt.FlashEnd()
// itself and abort before ever constructing a Decoder if it errors,
// since no flash write is permitted without a bound on the application
// region.
func NewDecoder(tgt target.Target, flashEnd uint32) *Decoder {
	return &Decoder{tgt: tgt, flashEnd: flashEnd}
}

// FirstAddr returns the target address of the first accepted block. Only
// meaningful once at least one block has been Accepted.
func (d *Decoder) FirstAddr() uint32 { return d.firstAddr }

// NumBlocks returns the effective total block count for this file, after
// the silicon-erratum adjustment (if any). Only meaningful once at least
// one block has been Accepted.
func (d *Decoder) NumBlocks() uint32 { return d.rawNumBlocks - d.malformedAdjust }

// Next validates one raw block against the per-block rules and the
// cross-block state carried from previous calls.
func (d *Decoder) Next(raw []byte) Result {
	blk, err := Decode(raw)
	if err != nil {
		return Result{Outcome: Reject, Reason: err.Error()}
	}

	if blk.NotMainFlash() {
		return Result{Outcome: Skip, Reason: "not main flash"}
	}

	if blk.TargetAddr%target.Page != 0 {
		return Result{Outcome: Reject, Reason: "target address is not page-aligned"}
	}
	if blk.PayloadSize != target.Page {
		return Result{Outcome: Reject, Reason: "payload size is not one page"}
	}
	if blk.NumBlocks == 0 || blk.BlockNo >= blk.NumBlocks {
		return Result{Outcome: Reject, Reason: "block_no out of range for num_blocks"}
	}

	isErratum := blk.FamilyPresent() && blk.FileSizeOrID == target.FamilyAbsolute &&
		blk.BlockNo == 0 && blk.TargetAddr == erratumAddr

	if !d.started && !d.sawErratum && isErratum {
		d.sawErratum = true
		d.malformedAdjust = 1
		d.rawNumBlocks = blk.NumBlocks
		return Result{Outcome: Skip, Reason: "silicon erratum workaround block"}
	}

	if blk.FamilyPresent() {
		if blk.FileSizeOrID == target.FamilyAbsolute {
			return Result{Outcome: Skip, Reason: "absolute-family block outside erratum position"}
		}
		if !d.tgt.AcceptsFamily(blk.FileSizeOrID) {
			return Result{Outcome: Skip, Reason: "family id does not match this device"}
		}
	}

	if blk.TargetAddr < target.XIPBase || blk.TargetAddr >= d.flashEnd {
		return Result{Outcome: Reject, Reason: "target address out of bounds"}
	}

	effBlockNo := blk.BlockNo - d.malformedAdjust

	if !d.started {
		if d.sawErratum && blk.NumBlocks != d.rawNumBlocks {
			return Result{Outcome: Reject, Reason: "num_blocks mismatch against erratum block"}
		}
		if !d.sawErratum {
			d.rawNumBlocks = blk.NumBlocks
		}
		if effBlockNo != 0 {
			return Result{Outcome: Reject, Reason: "first accepted block_no is not 0"}
		}
		d.started = true
		d.firstAddr = blk.TargetAddr
		d.nextEffBlockNo = 0
	} else {
		if blk.NumBlocks != d.rawNumBlocks {
			return Result{Outcome: Reject, Reason: "num_blocks changed mid-stream"}
		}
		if effBlockNo != d.nextEffBlockNo {
			return Result{Outcome: Reject, Reason: "block_no out of sequence"}
		}
		expectedAddr := d.firstAddr + target.Page*d.nextEffBlockNo
		if blk.TargetAddr != expectedAddr {
			return Result{Outcome: Reject, Reason: "target address out of sequence"}
		}
	}

	d.nextEffBlockNo++
	d.blocksWritten++

	return Result{Outcome: Accept, TargetAddr: blk.TargetAddr, Payload: blk.Payload()}
}

// Finish reports the end-of-stream classification. It must be called
// exactly once, after the last call to Next (whether the stream ended
// cleanly or was cut short).
func (d *Decoder) Finish() EOFStatus {
	if !d.started {
		return EOFWrongPlatform
	}
	if d.blocksWritten != d.rawNumBlocks-d.malformedAdjust {
		return EOFTruncated
	}
	return EOFComplete
}

// String implements fmt.Stringer for EOFStatus.
func (s EOFStatus) String() string {
	switch s {
	case EOFComplete:
		return "complete"
	case EOFTruncated:
		return "truncated"
	case EOFWrongPlatform:
		return "wrong-platform"
	default:
		return fmt.Sprintf("EOFStatus(%d)", int(s))
	}
}
