package main

import (
	"os"
	"time"

	"github.com/arya-analytics/quartz"
	"github.com/arya-analytics/quartz/discovery/etcd"
	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/membership/memberlist"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	membershipBuiltin    = "builtin"
	membershipMemberlist = "memberlist"
)

// Config is the daemon's configuration file.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cache       CacheConfig       `yaml:"cache"`
	Propagation PropagationConfig `yaml:"propagation"`
	Membership  MembershipConfig  `yaml:"membership"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// NodeConfig describes the host and the cluster it joins.
type NodeConfig struct {
	ID                 string            `yaml:"id"`
	Address            string            `yaml:"address"`
	Role               string            `yaml:"role"`
	Peers              []string          `yaml:"peers"`
	Bootstrap          bool              `yaml:"bootstrap"`
	DeploymentMode     string            `yaml:"deployment_mode"`
	PeerClassLoading   bool              `yaml:"peer_class_loading"`
	IncludedProperties map[string]string `yaml:"included_properties"`
}

// CacheConfig holds the settings every node hosting the cache must agree on.
type CacheConfig struct {
	Name       string `yaml:"name"`
	Partitions int    `yaml:"partitions"`
	Backups    *int   `yaml:"backups"`
	WriteOrder string `yaml:"write_order"`
	SyncMode   string `yaml:"sync_mode"`
}

// PropagationConfig tunes membership and replication timings.
type PropagationConfig struct {
	JoinRetryInterval  time.Duration `yaml:"join_retry_interval"`
	GossipInterval     time.Duration `yaml:"gossip_interval"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	MaxRetries         int           `yaml:"max_retries"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	StalenessThreshold uint64        `yaml:"staleness_threshold"`
}

// MembershipConfig selects how the host learns about other members.
type MembershipConfig struct {
	Provider string   `yaml:"provider"`
	BindAddr string   `yaml:"bind_addr"`
	BindPort int      `yaml:"bind_port"`
	Seeds    []string `yaml:"seeds"`
}

// DiscoveryConfig configures seed discovery through etcd. Discovery is
// disabled when no endpoints are given.
type DiscoveryConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	TTL       int64    `yaml:"ttl"`
}

// HTTPConfig configures the metrics and health endpoint.
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// LoadConfig reads, defaults and validates the configuration at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config file")
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Node.Address == "" {
		cfg.Node.Address = "localhost:7070"
	}
	if cfg.Node.Role == "" {
		cfg.Node.Role = string(node.RoleData)
	}
	if cfg.Cache.Name == "" {
		cfg.Cache.Name = quartz.DefaultCache
	}
	if cfg.Cache.Partitions == 0 {
		cfg.Cache.Partitions = 1024
	}
	if cfg.Cache.Backups == nil {
		backups := 1
		cfg.Cache.Backups = &backups
	}
	if cfg.Cache.WriteOrder == "" {
		cfg.Cache.WriteOrder = kv.PrimaryForwarded.String()
	}
	if cfg.Cache.SyncMode == "" {
		cfg.Cache.SyncMode = kv.FullSync.String()
	}
	if cfg.Membership.Provider == "" {
		cfg.Membership.Provider = membershipBuiltin
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":9100"
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate returns an error if the configuration cannot be used to start a
// node.
func (cfg Config) Validate() error {
	if _, err := address.Address(cfg.Node.Address).Port(); err != nil {
		return errors.Wrapf(err, "node address %q", cfg.Node.Address)
	}
	switch node.Role(cfg.Node.Role) {
	case node.RoleData, node.RoleClient:
	default:
		return errors.Newf("unknown role %q", cfg.Node.Role)
	}
	if _, err := kv.ParseWriteOrder(cfg.Cache.WriteOrder); err != nil {
		return err
	}
	if _, err := kv.ParseSyncMode(cfg.Cache.SyncMode); err != nil {
		return err
	}
	switch cfg.Membership.Provider {
	case membershipBuiltin, membershipMemberlist:
	default:
		return errors.Newf("unknown membership provider %q", cfg.Membership.Provider)
	}
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return errors.Wrapf(err, "logging level")
	}
	return nil
}

// peers returns the configured peer addresses.
func (cfg Config) peers() []address.Address {
	peers := make([]address.Address, len(cfg.Node.Peers))
	for i, p := range cfg.Node.Peers {
		peers[i] = address.Address(p)
	}
	return peers
}

// options maps the configuration onto DB options. The configuration must be
// valid.
func (cfg Config) options() []quartz.Option {
	order, _ := kv.ParseWriteOrder(cfg.Cache.WriteOrder)
	mode, _ := kv.ParseSyncMode(cfg.Cache.SyncMode)
	opts := []quartz.Option{
		quartz.WithRole(node.Role(cfg.Node.Role)),
		quartz.WithDeploymentMode(cfg.Node.DeploymentMode),
		quartz.WithPeerClassLoading(cfg.Node.PeerClassLoading),
		quartz.WithCache(cfg.Cache.Name),
		quartz.WithPartitions(cfg.Cache.Partitions),
		quartz.WithBackups(*cfg.Cache.Backups),
		quartz.WithWriteOrder(order),
		quartz.WithSyncMode(mode),
		quartz.WithPropagationConfig(quartz.PropagationConfig{
			JoinRetryInterval:  cfg.Propagation.JoinRetryInterval,
			GossipInterval:     cfg.Propagation.GossipInterval,
			FailureThreshold:   cfg.Propagation.FailureThreshold,
			RetryInterval:      cfg.Propagation.RetryInterval,
			MaxRetries:         cfg.Propagation.MaxRetries,
			OperationTimeout:   cfg.Propagation.OperationTimeout,
			StalenessThreshold: cfg.Propagation.StalenessThreshold,
		}),
	}
	for name, v := range cfg.Node.IncludedProperties {
		opts = append(opts, quartz.WithIncludedProperty(name, v))
	}
	if cfg.Node.Bootstrap {
		opts = append(opts, quartz.Bootstrap())
	}
	return opts
}

func (cfg Config) memberlist() memberlist.Config {
	return memberlist.Config{
		BindAddr:       cfg.Membership.BindAddr,
		BindPort:       cfg.Membership.BindPort,
		Seeds:          cfg.Membership.Seeds,
		GossipInterval: cfg.Propagation.GossipInterval,
	}
}

func (cfg Config) etcd(logger *zap.Logger) etcd.Config {
	return etcd.Config{
		Endpoints: cfg.Discovery.Endpoints,
		Prefix:    cfg.Discovery.Prefix,
		TTL:       cfg.Discovery.TTL,
		Logger:    logger.Named("discovery"),
	}
}

func (cfg LoggingConfig) build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zCfg := zap.NewProductionConfig()
	if cfg.Development {
		zCfg = zap.NewDevelopmentConfig()
	}
	zCfg.Level = level
	return zCfg.Build()
}
