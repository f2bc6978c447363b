package dispatch

import (
	"context"

	"github.com/bioflow-dev/bioflow/internal/capability"
)

// Gate bounds concurrent access to shared backend resources. Exclusive
// backends (a local accelerator) share a single permit; other backends can
// carry a configured concurrent-request cap reflecting remote rate limits.
type Gate struct {
	accel  chan struct{}
	capped map[string]chan struct{}
}

// NewGate builds a gate with per-backend caps. A cap of zero or below means
// uncapped. Exclusive backends are always capped at one regardless of the
// map.
func NewGate(caps map[string]int) *Gate {
	g := &Gate{
		accel:  make(chan struct{}, 1),
		capped: map[string]chan struct{}{},
	}
	for name, n := range caps {
		if n > 0 {
			g.capped[name] = make(chan struct{}, n)
		}
	}
	return g
}

// acquire blocks until the backend's resource is free. The returned release
// must run on every exit path of the attempt.
func (g *Gate) acquire(ctx context.Context, b capability.Backend) (func(), error) {
	var ch chan struct{}
	switch {
	case b.Exclusive():
		ch = g.accel
	default:
		ch = g.capped[b.Name()]
	}
	if ch == nil {
		return func() {}, nil
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
