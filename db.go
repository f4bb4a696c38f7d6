// Package quartz implements a partitioned, replicated in-memory cache. Keys are
// sharded across the data nodes of a dynamic cluster, every partition is
// replicated to a configurable number of backups, and updates are routed so that
// every replica converges.
package quartz

import (
	"context"
	"io"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type (
	Address    = address.Address
	NodeID     = node.ID
	Node       = node.Node
	Role       = node.Role
	Snapshot   = topology.Snapshot
	WriteOrder = kv.WriteOrder
	SyncMode   = kv.SyncMode
)

const (
	RoleData         = node.RoleData
	RoleClient       = node.RoleClient
	PrimaryForwarded = kv.PrimaryForwarded
	DirectMultiOwner = kv.DirectMultiOwner
	FullSync         = kv.FullSync
	FireAndForget    = kv.FireAndForget
)

var (
	// ErrNotFound is returned by Get when a key has no live entry.
	ErrNotFound = kv.ErrNotFound
	// ErrTimeout is returned when an operation could not be confirmed before its
	// deadline. The operation may or may not have been applied.
	ErrTimeout = kv.ErrTimeout
	// ErrNoDataNodes is returned when the cluster has no node eligible to own
	// partitions.
	ErrNoDataNodes = kv.ErrNoDataNodes
	// ErrJoinRejected is returned by Open when the cluster refuses to admit the
	// host.
	ErrJoinRejected = cluster.ErrJoinRejected
)

// Reader is a readable key-value store.
type Reader interface {
	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)
}

// Writer is a writable key-value store.
type Writer interface {
	// Put sets key to value on every owner of the key's partition. A put that
	// returns ErrTimeout may still have been applied, so puts should be
	// idempotent.
	Put(ctx context.Context, key, value []byte) error
	// Remove deletes key from every owner of the key's partition.
	Remove(ctx context.Context, key []byte) error
}

type DB interface {
	Reader
	Writer
	io.Closer
	// Host returns the local node.
	Host() Node
	// Snapshot returns the topology snapshot the host currently routes against.
	Snapshot() *Snapshot
	// Leave removes the host from the cluster. The DB must still be closed.
	Leave(ctx context.Context) error
}

type db struct {
	*options
	membership Membership
	kv         *kv.KV
}

var _ DB = (*db)(nil)

// Get implements DB.
func (d *db) Get(ctx context.Context, key []byte) (v []byte, err error) {
	defer d.instrument("get", time.Now(), &err)
	return d.kv.Get(ctx, key)
}

// Put implements DB.
func (d *db) Put(ctx context.Context, key, value []byte) (err error) {
	defer d.instrument("put", time.Now(), &err)
	return d.kv.Put(ctx, key, value)
}

// Remove implements DB.
func (d *db) Remove(ctx context.Context, key []byte) (err error) {
	defer d.instrument("remove", time.Now(), &err)
	return d.kv.Remove(ctx, key)
}

// Host implements DB.
func (d *db) Host() Node { return d.membership.Host() }

// Snapshot implements DB.
func (d *db) Snapshot() *Snapshot { return d.membership.Snapshot() }

// Leave implements DB.
func (d *db) Leave(ctx context.Context) error { return d.membership.Leave(ctx) }

// Close stops membership, shuts down the transport and releases the engine.
func (d *db) Close() error {
	err := d.membership.Close()
	err = errors.CombineErrors(err, d.transport.Close())
	err = errors.CombineErrors(err, d.kv.Engine.Close())
	if err != nil {
		d.logger.Error("failed to close", zap.Error(err))
	}
	return err
}

func (d *db) instrument(op string, start time.Time, err *error) {
	if d.metrics == nil {
		return
	}
	// A missing key is a successful lookup.
	if errors.Is(*err, ErrNotFound) {
		d.metrics.Operation(op, start, nil)
		return
	}
	d.metrics.Operation(op, start, *err)
}
