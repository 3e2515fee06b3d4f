//go:build !tinygo

// Stub so the regular Go toolchain (go vet, go test) can type-check
// packages that reference status.Publisher without pulling in the
// tinygo-only network stack.
package status

import "log/slog"

type Publisher struct{}

func NewPublisher(stack any, broker any, logger *slog.Logger) *Publisher {
	return &Publisher{}
}

func (p *Publisher) Publish(message string) {}
