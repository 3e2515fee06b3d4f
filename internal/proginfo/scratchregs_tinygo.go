//go:build tinygo

package proginfo

/*
#include <stdint.h>

// The watchdog block's SCRATCH0..SCRATCH7 registers survive a watchdog
// or software reset, which is exactly the property the boot-command
// slot needs: written by the loader UI just before it requests a reset,
// read back once by stage-3 on the next boot. Three consecutive words
// starting at SCRATCH0 hold the command.
#define WATCHDOG_BASE    0x40058000u
#define WATCHDOG_SCRATCH0 (WATCHDOG_BASE + 0x0cu)

static inline void sdloader_scratch_write(uint32_t w0, uint32_t w1, uint32_t w2) {
    volatile uint32_t *regs = (volatile uint32_t *)(uintptr_t)WATCHDOG_SCRATCH0;
    regs[0] = w0;
    regs[1] = w1;
    regs[2] = w2;
}

static inline void sdloader_scratch_read(uint32_t *w0, uint32_t *w1, uint32_t *w2) {
    volatile uint32_t *regs = (volatile uint32_t *)(uintptr_t)WATCHDOG_SCRATCH0;
    *w0 = regs[0];
    *w1 = regs[1];
    *w2 = regs[2];
}
*/
import "C"

// HardwareScratchRegs implements ScratchRegs against the watchdog
// block's battery-backed scratch registers.
type HardwareScratchRegs struct{}

// Read implements ScratchRegs.
func (HardwareScratchRegs) Read() [3]uint32 {
	var w0, w1, w2 C.uint32_t
	C.sdloader_scratch_read(&w0, &w1, &w2)
	return [3]uint32{uint32(w0), uint32(w1), uint32(w2)}
}

// Write implements ScratchRegs.
func (HardwareScratchRegs) Write(words [3]uint32) {
	C.sdloader_scratch_write(C.uint32_t(words[0]), C.uint32_t(words[1]), C.uint32_t(words[2]))
}
