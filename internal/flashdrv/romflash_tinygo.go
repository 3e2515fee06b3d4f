//go:build tinygo

package flashdrv

/*
#include <stdint.h>
#include <stddef.h>

// ROM table code macro - creates 16-bit code from two characters, matching
// the bootrom function table layout this MCU family documents.
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)
#define RT_FLAG_FUNC_ARM_SEC    0x0004

#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

__attribute__((always_inline))
static inline void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

// sdloader_flash_program and sdloader_flash_erase are placed, by the
// linker script, in the RAM-resident code section: code executing from
// flash while flash is being erased or programmed is undefined on this
// part, so these two functions and everything they call must not fault
// back into flash.
__attribute__((section(".ram_functions")))
static void sdloader_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

__attribute__((section(".ram_functions")))
static void sdloader_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, count, 4096, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}
*/
import "C"

import (
	"unsafe"

	"github.com/crucible-systems/sdloader/internal/target"
)

// ROMDriver is the Driver implementation used on real hardware: it calls
// the bootrom's flash functions directly with interrupts disabled around
// each operation, bypassing any higher-level flash abstraction that might
// assume a data-start offset the loader's raw addressing doesn't have.
type ROMDriver struct {
	flashEnd uint32
	partEnd  uint32
}

// NewROMDriver constructs the hardware Driver. flashEnd bounds the region
// this driver will ever touch; the loader's own region above it is
// permanently off-limits.
func NewROMDriver(flashEnd, partEnd uint32) *ROMDriver {
	return &ROMDriver{flashEnd: flashEnd, partEnd: partEnd}
}

func (d *ROMDriver) self() selfRegion {
	return selfRegion{flashEnd: d.flashEnd, partEnd: d.partEnd}
}

// Erase implements Driver.
func (d *ROMDriver) Erase(addr, length uint32) error {
	if err := checkErase(addr, length, d.self()); err != nil {
		return err
	}
	rounded := roundUpSector(length)
	C.sdloader_flash_erase(C.uint32_t(addr-target.XIPBase), C.uint32_t(rounded))
	return nil
}

// Program implements Driver.
func (d *ROMDriver) Program(addr uint32, buf []byte) error {
	if err := checkProgram(addr, buf, d.self()); err != nil {
		return err
	}
	C.sdloader_flash_program(C.uint32_t(addr-target.XIPBase), (*C.uint8_t)(unsafe.Pointer(&buf[0])), C.uint32_t(len(buf)))
	return nil
}

// Verify implements Driver by reading the live, memory-mapped flash
// region directly: on this part flash is always readable at its XIP
// address outside of the brief program/erase window.
func (d *ROMDriver) Verify(addr uint32, buf []byte) (bool, error) {
	live := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	for i := range buf {
		if live[i] != buf[i] {
			return false, nil
		}
	}
	return true, nil
}

// ReadAt reads length bytes directly from the memory-mapped flash. Used
// by the orchestrator's stub-preservation path (reading sector 0 before
// erasing it) and proginfo's page-copy-then-overlay path.
func (d *ROMDriver) ReadAt(addr, length uint32) ([]byte, error) {
	live := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	out := make([]byte, length)
	copy(out, live)
	return out, nil
}
