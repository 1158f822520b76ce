package trace

import (
	"sync"

	"github.com/crawlmesh/crawlmesh/core"
)

// Collector subscribes to engine events and keeps an in-flight view of each
// run's event stream. It is a passive observer; run summaries themselves are
// persisted by the runner, not the collector.
type Collector struct {
	mu     sync.RWMutex
	events map[string][]core.Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{events: make(map[string][]core.Event)}
}

// OnEvent implements core.Subscriber.
func (c *Collector) OnEvent(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.RunID] = append(c.events[ev.RunID], ev)
}

// Events returns a copy of the events recorded for runID, in arrival order.
func (c *Collector) Events(runID string) []core.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	evs := c.events[runID]
	out := make([]core.Event, len(evs))
	copy(out, evs)
	return out
}

// Drop discards a finished run's events.
func (c *Collector) Drop(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, runID)
}
