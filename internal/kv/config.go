package kv

import (
	"context"
	"time"

	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Topology is the membership view operations are routed against.
type Topology interface {
	// Host returns the local node.
	Host() node.Node
	// Snapshot returns the current snapshot.
	Snapshot() *topology.Snapshot
	// AwaitNewer blocks until a snapshot newer than version is published.
	AwaitNewer(ctx context.Context, version uint64) error
}

// Config is used for configuring the replicated key-value service.
type Config struct {
	// Topology is the membership view operations are routed against.
	Topology Topology
	// Transport is used for sending replication messages.
	Transport Transport
	// Engine stores the entries of the partitions the host owns.
	Engine *Engine
	// WriteOrder selects the replication strategy. It must be identical on every
	// node.
	WriteOrder WriteOrder
	// SyncMode selects when updates complete.
	SyncMode SyncMode
	// StalenessThreshold is the number of topology versions a message may lag a
	// non-owning receiver by before it is rejected.
	StalenessThreshold uint64
	// MaxRetries bounds the number of times an operation is re-routed after a
	// retryable failure.
	MaxRetries int
	// RetryInterval is the longest an operation waits for a newer snapshot
	// between retries.
	RetryInterval time.Duration
	// OperationTimeout is the deadline applied to operations whose context has
	// none.
	OperationTimeout time.Duration
	// Observer is notified of every message sent.
	Observer Observer
	// Logger is the witness of it all.
	Logger *zap.Logger
}

// Merge fills the zero valued fields of cfg with the values in def. WriteOrder,
// SyncMode and StalenessThreshold have meaningful zero values and are never
// overridden.
func (cfg Config) Merge(def Config) Config {
	if cfg.Topology == nil {
		cfg.Topology = def.Topology
	}
	if cfg.Transport == nil {
		cfg.Transport = def.Transport
	}
	if cfg.Engine == nil {
		cfg.Engine = def.Engine
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = def.Observer
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// Validate returns an error if the configuration cannot be used to open the
// service.
func (cfg Config) Validate() error {
	if cfg.Topology == nil {
		return errors.New("[kv] - topology is required")
	}
	if cfg.Transport == nil {
		return errors.New("[kv] - transport is required")
	}
	if cfg.Engine == nil {
		return errors.New("[kv] - engine is required")
	}
	if cfg.WriteOrder > DirectMultiOwner {
		return errors.Newf("[kv] - invalid write order %d", cfg.WriteOrder)
	}
	if cfg.SyncMode > FireAndForget {
		return errors.Newf("[kv] - invalid sync mode %d", cfg.SyncMode)
	}
	if cfg.MaxRetries < 0 {
		return errors.Newf("[kv] - max retries must be non-negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryInterval <= 0 || cfg.OperationTimeout <= 0 {
		return errors.New("[kv] - retry interval and operation timeout must be positive")
	}
	return nil
}

// DefaultConfig returns the default configuration. Topology, Transport and
// Engine have no defaults.
func DefaultConfig() Config {
	return Config{
		WriteOrder:       PrimaryForwarded,
		SyncMode:         FullSync,
		MaxRetries:       5,
		RetryInterval:    20 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
		Observer:         NopObserver{},
		Logger:           zap.NewNop(),
	}
}
