package cluster

import (
	"time"

	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster/gate"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config is used for configuring cluster membership.
type Config struct {
	// Transport is used for sending join, leave, update and gossip messages
	// between members.
	Transport Transport
	// Affinity computes partition owners for every snapshot the cluster publishes.
	Affinity affinity.Function
	// Gate validates the attributes of joining nodes. Only the coordinator
	// consults it.
	Gate gate.Gate
	// Join configures how a node pledges itself to an existing cluster.
	Join JoinConfig
	// Gossip configures topology anti-entropy.
	Gossip GossipConfig
	// Logger is the witness of it all.
	Logger *zap.Logger
}

// JoinConfig configures the join protocol.
type JoinConfig struct {
	// RequestTimeout is the time a peer has to answer a join request before the
	// next peer is tried.
	RequestTimeout time.Duration
	// RetryBase is the initial interval between join attempts.
	RetryBase time.Duration
	// RetryScale sets how quickly the interval between attempts grows. A value of
	// 2 results in intervals of 1, 2, 4, 8 ... times RetryBase.
	RetryScale float64
}

// GossipConfig configures topology anti-entropy.
type GossipConfig struct {
	// Interval is the time between gossip exchanges with a random peer.
	Interval time.Duration
	// FailureThreshold is the number of consecutive failed exchanges after which
	// a member is evicted. Only the coordinator, or the next most senior member
	// when the coordinator is the one failing, evicts.
	FailureThreshold int
}

// Merge fills the zero valued fields of cfg with the values in def.
func (cfg Config) Merge(def Config) Config {
	if cfg.Transport == nil {
		cfg.Transport = def.Transport
	}
	if cfg.Affinity == nil {
		cfg.Affinity = def.Affinity
	}
	if len(cfg.Gate.Rules) == 0 {
		cfg.Gate = def.Gate
	}
	if cfg.Join.RequestTimeout == 0 {
		cfg.Join.RequestTimeout = def.Join.RequestTimeout
	}
	if cfg.Join.RetryBase == 0 {
		cfg.Join.RetryBase = def.Join.RetryBase
	}
	if cfg.Join.RetryScale == 0 {
		cfg.Join.RetryScale = def.Join.RetryScale
	}
	if cfg.Gossip.Interval == 0 {
		cfg.Gossip.Interval = def.Gossip.Interval
	}
	if cfg.Gossip.FailureThreshold == 0 {
		cfg.Gossip.FailureThreshold = def.Gossip.FailureThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// Validate returns an error if the configuration cannot be used to join a
// cluster.
func (cfg Config) Validate() error {
	if cfg.Transport == nil {
		return errors.New("[cluster] - transport is required")
	}
	if cfg.Affinity == nil {
		return errors.New("[cluster] - affinity function is required")
	}
	if cfg.Join.RetryScale < 1 {
		return errors.Newf("[cluster] - join retry scale must be at least 1, got %v", cfg.Join.RetryScale)
	}
	if cfg.Gossip.Interval <= 0 {
		return errors.New("[cluster] - gossip interval must be positive")
	}
	if cfg.Gossip.FailureThreshold < 1 {
		return errors.Newf("[cluster] - failure threshold must be at least 1, got %d", cfg.Gossip.FailureThreshold)
	}
	return nil
}

// DefaultConfig returns the default cluster configuration. Transport and
// Affinity have no defaults.
func DefaultConfig() Config {
	return Config{
		Gate: gate.Default(),
		Join: JoinConfig{
			RequestTimeout: 5 * time.Second,
			RetryBase:      1 * time.Second,
			RetryScale:     1.5,
		},
		Gossip: GossipConfig{Interval: 1 * time.Second, FailureThreshold: 3},
		Logger: zap.NewNop(),
	}
}
