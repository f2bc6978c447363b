// Package telemetry collects in-process counters and timers for batch runs.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Collector tracks dispatch metrics for one process. Disabled collectors
// accept recordings and drop them.
type Collector struct {
	mu       sync.Mutex
	enabled  bool
	counters map[string]int64
	timings  map[string]time.Duration
}

func NewCollector(enabled bool) *Collector {
	return &Collector{
		enabled:  enabled,
		counters: map[string]int64{},
		timings:  map[string]time.Duration{},
	}
}

// Count increments a named counter.
func (c *Collector) Count(name string) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

// Observe accumulates elapsed time under a named timer.
func (c *Collector) Observe(name string, d time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.timings[name] += d
	c.mu.Unlock()
}

// Counters returns a copy of the counter map.
func (c *Collector) Counters() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// LogSummary emits collected metrics at info level.
func (c *Collector) LogSummary() {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.counters))
	for k := range c.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	ev := log.Info()
	for _, k := range names {
		ev = ev.Int64(k, c.counters[k])
	}
	for k, v := range c.timings {
		ev = ev.Dur(k, v)
	}
	ev.Msg("batch metrics")
}
