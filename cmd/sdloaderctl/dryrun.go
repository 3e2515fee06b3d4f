package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/orchestrator"
	"github.com/crucible-systems/sdloader/internal/target"
)

// defaultPartSize is big enough to hold a board's whole flash part for
// simulation purposes; dry-run never touches real hardware, so this is
// just a generous upper bound.
const defaultPartSize = 2 * 1024 * 1024

// runDryRun implements the "dry-run" subcommand: feed a UF2 file through
// the real orchestrator against an in-memory FakeDriver, so a bad file
// gets caught before anyone points it at a board.
func runDryRun(args []string) {
	fs := flag.NewFlagSet("dry-run", flag.ExitOnError)
	platform := fs.String("platform", "a", "target platform: a or b")
	flashEndFlag := fs.String("flash-end", "", "application region end address (hex, e.g. 0x101f0000); defaults to platform's XIP base + 0x1f0000")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: sdloaderctl dry-run [-platform a|b] [-flash-end 0x...] <file.uf2>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	flashEnd := uint32(target.XIPBase + 0x1F0000)
	if *flashEndFlag != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(*flashEndFlag, "0x"), 16, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: bad -flash-end value: %v\n", err)
			os.Exit(1)
		}
		flashEnd = uint32(v)
	}

	var tgt target.Target
	switch strings.ToLower(*platform) {
	case "a":
		tgt = target.NewPlatformA(flashEnd)
	case "b":
		tgt = target.NewPlatformB(flashEnd)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown platform %q (want a or b)\n", *platform)
		os.Exit(1)
	}

	if err := dryRun(tgt, flashEnd, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dryRun drives the orchestrator's Load against a FakeDriver sized to
// hold the whole part, printing every advisory status message the same
// way a real board's status publisher would receive them.
func dryRun(tgt target.Target, flashEnd uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open firmware: %w", err)
	}
	defer f.Close()

	drv := flashdrv.NewFakeDriver(defaultPartSize, flashEnd)
	orch := orchestrator.New(tgt, drv, func(msg string) {
		fmt.Printf("  [status] %s\n", msg)
	})

	fmt.Printf("Simulating load of %s against platform %d (flash_end=0x%08x)...\n",
		path, tgt.Platform(), flashEnd)

	result, loadErr := orch.Load(f, filepath.Base(path))
	if loadErr != nil {
		return fmt.Errorf("load: %w", loadErr)
	}

	fmt.Printf("Result: %s\n", result)
	if result != orchestrator.Loaded {
		return fmt.Errorf("load did not complete successfully: %s", result)
	}
	return nil
}
