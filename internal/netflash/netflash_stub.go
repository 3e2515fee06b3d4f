//go:build !tinygo

// Stub so the regular Go toolchain can type-check callers without pulling
// in the tinygo-only network stack. The real receiver lives in netflash.go.
package netflash

import (
	"log/slog"
	"time"

	"github.com/crucible-systems/sdloader/internal/orchestrator"
)

func Enable(timeout time.Duration) {}
func Disable()                     {}
func IsEnabled() bool              { return false }

func Init(stack any, o *orchestrator.Orchestrator, port int, log *slog.Logger) {}
