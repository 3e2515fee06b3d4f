package proginfo

import "testing"

func TestSetThenTake(t *testing.T) {
	var regs FakeScratchRegs
	Set(&regs, ModeSD, 0)

	mode, arg, ok := Take(&regs)
	if !ok {
		t.Fatal("Take returned ok=false after Set")
	}
	if mode != ModeSD {
		t.Errorf("mode = %v, want ModeSD", mode)
	}
	if arg != 0 {
		t.Errorf("arg = %d, want 0", arg)
	}
}

func TestTake_ClearsValidityTag(t *testing.T) {
	var regs FakeScratchRegs
	Set(&regs, ModeRAM, 0xDEADBEEF)

	if _, _, ok := Take(&regs); !ok {
		t.Fatal("first Take should see the command")
	}
	if _, _, ok := Take(&regs); ok {
		t.Fatal("second Take should see no command, the tag must not repeat")
	}
}

func TestTake_NoCommandPending(t *testing.T) {
	var regs FakeScratchRegs
	mode, arg, ok := Take(&regs)
	if ok {
		t.Fatal("Take returned ok=true with nothing ever Set")
	}
	if mode != ModeDefault || arg != 0 {
		t.Errorf("Take returned mode=%v arg=%d on empty regs, want zero values", mode, arg)
	}
}

func TestTake_PreservesArgAfterClear(t *testing.T) {
	var regs FakeScratchRegs
	Set(&regs, ModeRAM, 42)
	Take(&regs)
	if regs.Words[1] != uint32(ModeRAM) || regs.Words[2] != 42 {
		t.Errorf("Take cleared more than the validity tag: %#v", regs.Words)
	}
}
