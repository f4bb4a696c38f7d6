package kv

import (
	"sync"

	"github.com/arya-analytics/quartz/internal/node"
)

// Observer is notified of every message a node hands to the transport.
type Observer interface {
	Sent(kind Kind, target node.ID)
}

// NopObserver ignores every message.
type NopObserver struct{}

// Sent implements Observer.
func (NopObserver) Sent(Kind, node.ID) {}

// Counter is an Observer that counts sent messages by kind.
type Counter struct {
	mu     sync.Mutex
	counts map[Kind]int
}

var _ Observer = (*Counter)(nil)

// Sent implements Observer.
func (c *Counter) Sent(kind Kind, _ node.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[Kind]int)
	}
	c.counts[kind]++
}

// Count returns the number of messages of kind sent since the last reset.
func (c *Counter) Count(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

// Reset zeroes every count.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = nil
}

// Observers fans notifications out to several observers.
type Observers []Observer

// Sent implements Observer.
func (o Observers) Sent(kind Kind, target node.ID) {
	for _, ob := range o {
		ob.Sent(kind, target)
	}
}
