// Package kv implements the partitioned, replicated key-value protocol. Every
// update is routed against the current topology snapshot to the owners of its
// key's partition using one of two write orders: primary-forwarded, where the
// primary applies the update and forwards it to the backups, or direct
// multi-owner, where the originator sends it to every owner and owners arbitrate
// by ordering token.
package kv

import (
	"context"

	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/version"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrNoDataNodes is returned when the partition of a key has no owners.
	ErrNoDataNodes = errors.New("no data nodes available")
	// ErrTimeout is returned when an operation could not complete before its
	// deadline or exhausted its retries. The operation may or may not have been
	// applied.
	ErrTimeout = errors.New("operation timed out")
	// ErrStaleTopology is returned by a receiver that no longer owns the
	// partition a message was routed to. Operations retry against a newer
	// snapshot.
	ErrStaleTopology = errors.New("stale topology")
	// ErrNotPrimary is returned by a receiver of a primary-forwarded update that
	// is not the partition's primary. Operations retry against a newer snapshot.
	ErrNotPrimary = errors.New("not primary")
	// ErrNotFound is returned by Get when the key has no live entry.
	ErrNotFound = errors.New("key not found")
	errRejected = errors.New("malformed message")
)

// KV is a node's handle on the replicated key-value service.
type KV struct {
	*executor
}

// Open opens the service and starts handling replication messages on the
// configured transport.
func Open(cfg Config) (*KV, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	host := cfg.Topology.Host().ID
	e := &executor{Config: cfg, host: host, clock: version.NewClock(host)}
	h := &handler{executor: e}
	cfg.Transport.Handle(h.handle)
	return &KV{executor: e}, nil
}

// Put sets key to value on every owner of its partition. Operations that time
// out may still be applied; retrying a put is safe.
func (k *KV) Put(ctx context.Context, key, value []byte) error {
	return k.write(ctx, Operation{Key: key, Value: value, Variant: Set})
}

// Remove deletes key from every owner of its partition.
func (k *KV) Remove(ctx context.Context, key []byte) error {
	return k.write(ctx, Operation{Key: key, Variant: Delete})
}

// Get returns the value of key. It is served locally if the host owns the key's
// partition and by the partition's primary otherwise.
func (k *KV) Get(ctx context.Context, key []byte) ([]byte, error) {
	return k.read(ctx, key)
}

// Host returns the ID of the node the service runs on.
func (k *KV) Host() node.ID { return k.host }

// Reconcile drops the entries of every partition the host owned in prev but no
// longer owns in next. It is meant to be registered as a topology listener.
func (k *KV) Reconcile(prev, next *topology.Snapshot) {
	for p := 0; p < next.Partitions(); p++ {
		if !prev.IsOwner(p, k.host) || next.IsOwner(p, k.host) {
			continue
		}
		if err := k.Engine.Drop(p); err != nil {
			k.Logger.Warn("failed to drop partition",
				zap.Int("partition", p),
				zap.Uint64("version", next.Version),
				zap.Error(err),
			)
		}
	}
}
