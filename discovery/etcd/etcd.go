// Package etcd discovers the seed peers of a quartz cluster through etcd. Every
// node registers its address under a leased key, so registrations of nodes that
// stop renewing expire on their own.
package etcd

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Client is the subset of *clientv3.Client the registry uses.
type Client interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

var _ Client = (*clientv3.Client)(nil)

// Config configures registration.
type Config struct {
	// Endpoints are the etcd endpoints NewClient dials.
	Endpoints []string
	// DialTimeout bounds how long NewClient waits for a connection.
	DialTimeout time.Duration
	// Prefix is the key prefix registrations are stored under.
	Prefix string
	// TTL is the lifetime of a registration, in seconds, if it is not renewed.
	TTL int64
	// Logger is the witness of it all.
	Logger *zap.Logger
}

// Merge fills the zero valued fields of cfg with the values in def.
func (cfg Config) Merge(def Config) Config {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// Validate returns an error if the configuration cannot be used to register.
func (cfg Config) Validate() error {
	if cfg.TTL <= 0 {
		return errors.Newf("[etcd] - ttl must be positive, got %d", cfg.TTL)
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		return errors.Newf("[etcd] - prefix %q must end with a slash", cfg.Prefix)
	}
	return nil
}

// DefaultConfig returns the default registration configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		Prefix:      "/quartz/nodes/",
		TTL:         10,
		Logger:      zap.NewNop(),
	}
}

// NewClient dials the configured endpoints.
func NewClient(cfg Config) (*clientv3.Client, error) {
	cfg = cfg.Merge(DefaultConfig())
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("[etcd] - at least one endpoint is required")
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
}

// Registry is a node's registration.
type Registry struct {
	cfg    Config
	client Client
	id     node.ID
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
}

// Register stores addr under the node's key with a lease that is renewed until
// Deregister is called.
func Register(ctx context.Context, client Client, id node.ID, addr address.Address, cfg Config) (*Registry, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lease, err := client.Grant(ctx, cfg.TTL)
	if err != nil {
		return nil, errors.Wrap(err, "[etcd] - failed to grant lease")
	}
	if _, err := client.Put(ctx, cfg.Prefix+string(id), addr.String(), clientv3.WithLease(lease.ID)); err != nil {
		return nil, errors.Wrap(err, "[etcd] - failed to register")
	}
	kaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	responses, err := client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "[etcd] - failed to renew lease")
	}
	r := &Registry{cfg: cfg, client: client, id: id, lease: lease.ID, cancel: cancel, done: make(chan struct{})}
	go r.drain(responses)
	cfg.Logger.Info("registered",
		zap.String("node", id.Short()),
		zap.String("addr", addr.String()),
		zap.Int64("ttl", cfg.TTL),
	)
	return r, nil
}

// drain consumes keep alive responses until the lease is revoked or expires.
func (r *Registry) drain(responses <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(r.done)
	for range responses {
	}
	r.cfg.Logger.Debug("lease renewal stopped", zap.String("node", r.id.Short()))
}

// Peers returns the addresses of every registered node other than the host.
func (r *Registry) Peers(ctx context.Context) ([]address.Address, error) {
	peers, err := Peers(ctx, r.client, r.cfg)
	if err != nil {
		return nil, err
	}
	return peers.Without(r.id), nil
}

// Deregister stops renewing the lease and revokes it, removing the node's key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.cancel()
	<-r.done
	_, err := r.client.Revoke(ctx, r.lease)
	return errors.Wrap(err, "[etcd] - failed to revoke lease")
}

// Registrations maps registered node IDs to their addresses.
type Registrations map[node.ID]address.Address

// Without returns the sorted addresses of every registration other than ids.
func (r Registrations) Without(ids ...node.ID) []address.Address {
	addrs := make([]address.Address, 0, len(r))
	for id, addr := range r {
		if !containsID(ids, id) {
			addrs = append(addrs, addr)
		}
	}
	slices.Sort(addrs)
	return addrs
}

func containsID(ids []node.ID, id node.ID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// Peers lists every registration under the configured prefix.
func Peers(ctx context.Context, client Client, cfg Config) (Registrations, error) {
	cfg = cfg.Merge(DefaultConfig())
	res, err := client.Get(ctx, cfg.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "[etcd] - failed to list registrations")
	}
	regs := make(Registrations, len(res.Kvs))
	for _, kv := range res.Kvs {
		id := node.ID(strings.TrimPrefix(string(kv.Key), cfg.Prefix))
		regs[id] = address.Address(kv.Value)
	}
	return regs, nil
}
