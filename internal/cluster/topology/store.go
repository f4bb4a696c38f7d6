package topology

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/node"
)

// Listener is called with the previous and next snapshot every time the store
// publishes. Listeners run on the publishing goroutine in publish order and must
// not publish to the store themselves.
type Listener func(prev, next *Snapshot)

// Store is the single owner of the current topology snapshot. Reads are lock free
// and always observe a complete snapshot. Writes are serialized and only ever
// advance the version.
type Store struct {
	aff       affinity.Function
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	changed   chan struct{}
	listeners []Listener
}

// NewStore returns a store holding an empty, version zero snapshot.
func NewStore(aff affinity.Function) *Store {
	s := &Store{aff: aff, changed: make(chan struct{})}
	s.current.Store(New(0, nil, aff))
	return s
}

// Affinity returns the affinity function snapshots are built with.
func (s *Store) Affinity() affinity.Function { return s.aff }

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// Changed returns a channel that is closed the next time a snapshot is published.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// AwaitNewer blocks until the current version is greater than version or ctx is
// done.
func (s *Store) AwaitNewer(ctx context.Context, version uint64) error {
	for {
		changed := s.Changed()
		if s.Snapshot().Version > version {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// OnChange registers a listener for published snapshots.
func (s *Store) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Install publishes a snapshot of nodes at version if version is newer than the
// current one. It returns true if the snapshot was published.
func (s *Store) Install(version uint64, nodes node.Group) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.current.Load().Version {
		return false
	}
	s.publish(New(version, nodes, s.aff))
	return true
}

// Update atomically derives the next snapshot from the current one and publishes
// it if its version advanced. It returns the snapshot current after the update.
func (s *Store) Update(f func(*Snapshot) *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current.Load()
	next := f(prev)
	if next == nil || next.Version <= prev.Version {
		return prev
	}
	s.publish(next)
	return next
}

// Add publishes a snapshot with n as its most junior member.
func (s *Store) Add(n node.Node) *Snapshot {
	return s.Update(func(snap *Snapshot) *Snapshot { return snap.With(n) })
}

// Remove publishes a snapshot without the member id.
func (s *Store) Remove(id node.ID) *Snapshot {
	return s.Update(func(snap *Snapshot) *Snapshot { return snap.Without(id) })
}

func (s *Store) publish(next *Snapshot) {
	prev := s.current.Swap(next)
	close(s.changed)
	s.changed = make(chan struct{})
	for _, l := range s.listeners {
		l(prev, next)
	}
}
