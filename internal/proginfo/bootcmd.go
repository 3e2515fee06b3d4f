package proginfo

// BootMode is the stage-3 instruction encoded in word 1 of the
// boot-command slot.
type BootMode uint32

const (
	// ModeDefault means "no override": launch the app if proginfo is
	// valid, otherwise enter the loader UI.
	ModeDefault BootMode = iota
	// ModeSD loads the directory-browser UI from SD.
	ModeSD
	// ModeUpdate enters USB firmware-recovery mode.
	ModeUpdate
	// ModeRAM copies the file named by arg into RAM and executes it
	// there.
	ModeRAM
)

// bootCmdMagic is the validity tag for the volatile command slot. It
// reuses the proginfo magic: both are "this word means something" tags
// colocated in spirit, though the command slot lives in battery-backed
// scratch registers, not flash.
const bootCmdMagic = Magic

// ScratchRegs is the three-word, reset-surviving register region the
// loader UI writes before requesting a warm reset, and stage-3 reads
// exactly once on the next boot.
type ScratchRegs interface {
	Read() [3]uint32
	Write(words [3]uint32)
}

// Set writes a boot command with its validity tag. Only the UI thread
// calls this, and only before requesting a reset, there is no writer
// overlap with Take to reason about.
func Set(regs ScratchRegs, mode BootMode, arg uint32) {
	regs.Write([3]uint32{bootCmdMagic, uint32(mode), arg})
}

// Take reads the command once and clears the validity tag so it cannot
// be observed or repeated on a later boot. ok is false if no command was
// pending, in which case mode/arg are zero and regs is left untouched.
func Take(regs ScratchRegs) (mode BootMode, arg uint32, ok bool) {
	words := regs.Read()
	if words[0] != bootCmdMagic {
		return ModeDefault, 0, false
	}
	regs.Write([3]uint32{0, words[1], words[2]})
	return BootMode(words[1]), words[2], true
}

// FakeScratchRegs is an in-memory ScratchRegs for host tests.
type FakeScratchRegs struct {
	Words [3]uint32
}

// Read implements ScratchRegs.
func (f *FakeScratchRegs) Read() [3]uint32 { return f.Words }

// Write implements ScratchRegs.
func (f *FakeScratchRegs) Write(words [3]uint32) { f.Words = words }
