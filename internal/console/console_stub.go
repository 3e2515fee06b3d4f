//go:build !tinygo

// Stub so the regular Go toolchain can type-check callers without pulling
// in the tinygo-only network stack. The real console lives in console.go.
package console

import (
	"log/slog"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/proginfo"
	"github.com/crucible-systems/sdloader/internal/target"
)

// Deps is everything the console reports on.
type Deps struct {
	Target      target.Target
	Reader      flashdrv.Reader
	ScratchRegs proginfo.ScratchRegs
}

func Run(stack any, deps Deps, logger *slog.Logger) {}
