// Package memberlist feeds quartz topology snapshots from a hashicorp/memberlist
// gossip cluster. Each node advertises its identity and attributes as memberlist
// metadata, runs the membership gate on every node it learns about, and
// publishes a new snapshot whenever a node joins or leaves.
//
// Snapshot versions are counted locally, so two nodes holding the same members
// may hold different versions. Replication tolerates this by re-routing
// operations rejected as stale once membership converges.
package memberlist

import (
	"context"
	"sync"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/cluster/gate"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	ml "github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config configures the memberlist feed.
type Config struct {
	// BindAddr and BindPort are where the gossip listener binds. A zero port
	// picks a free one.
	BindAddr string
	BindPort int
	// Seeds are the gossip addresses of existing members. A node with no seeds
	// starts a new cluster.
	Seeds []string
	// Affinity computes partition owners for every snapshot the feed publishes.
	Affinity affinity.Function
	// Gate validates the attributes of every node the feed learns about against
	// the host's.
	Gate gate.Gate
	// ProbeInterval and GossipInterval tune memberlist's failure detection and
	// dissemination.
	ProbeInterval  time.Duration
	GossipInterval time.Duration
	// LeaveTimeout bounds how long Leave waits for the departure to propagate
	// when its context has no deadline.
	LeaveTimeout time.Duration
	// Logger is the witness of it all.
	Logger *zap.Logger
}

// Merge fills the zero valued fields of cfg with the values in def.
func (cfg Config) Merge(def Config) Config {
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.Affinity == nil {
		cfg.Affinity = def.Affinity
	}
	if len(cfg.Gate.Rules) == 0 {
		cfg.Gate = def.Gate
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.GossipInterval == 0 {
		cfg.GossipInterval = def.GossipInterval
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = def.LeaveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// Validate returns an error if the configuration cannot be used to start the
// feed.
func (cfg Config) Validate() error {
	if cfg.Affinity == nil {
		return errors.New("[memberlist] - affinity function is required")
	}
	if cfg.BindPort < 0 || cfg.BindPort > 65535 {
		return errors.Newf("[memberlist] - invalid bind port %d", cfg.BindPort)
	}
	return nil
}

// DefaultConfig returns the default configuration. Affinity has no default.
func DefaultConfig() Config {
	return Config{
		BindAddr:       "0.0.0.0",
		Gate:           gate.Default(),
		ProbeInterval:  1 * time.Second,
		GossipInterval: 200 * time.Millisecond,
		LeaveTimeout:   5 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// WithCluster fills the affinity function, gate and logger of cfg from the
// membership configuration a DB was opened with.
func (cfg Config) WithCluster(c cluster.Config) Config {
	if cfg.Affinity == nil {
		cfg.Affinity = c.Affinity
	}
	if len(cfg.Gate.Rules) == 0 {
		cfg.Gate = c.Gate
	}
	if cfg.Logger == nil && c.Logger != nil {
		cfg.Logger = c.Logger.Named("memberlist")
	}
	return cfg
}

// Feed is a membership view maintained by memberlist.
type Feed struct {
	cfg   Config
	host  node.Node
	meta  []byte
	store *topology.Store
	list  *ml.Memberlist
	mu    sync.Mutex
	// rejection is the reason the last merge with an existing cluster was
	// refused.
	rejection error
}

// Join starts gossiping as host and joins the cluster reachable through
// cfg.Seeds. It returns an error matching cluster.ErrJoinRejected if the
// existing members fail the gate.
func Join(_ context.Context, host node.Node, cfg Config) (*Feed, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	meta, err := cbor.Marshal(host)
	if err != nil {
		return nil, errors.Wrap(err, "[memberlist] - failed to encode node metadata")
	}
	if len(meta) > ml.MetaMaxSize {
		return nil, errors.Newf(
			"[memberlist] - node metadata is %d bytes, limit is %d",
			len(meta), ml.MetaMaxSize,
		)
	}
	f := &Feed{cfg: cfg, host: host, meta: meta, store: topology.NewStore(cfg.Affinity)}
	f.store.Install(1, node.Group{host})

	mlCfg := ml.DefaultLANConfig()
	mlCfg.Name = string(host.ID)
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.ProbeInterval = cfg.ProbeInterval
	mlCfg.GossipInterval = cfg.GossipInterval
	mlCfg.Logger = zap.NewStdLog(cfg.Logger.Named("gossip"))
	mlCfg.Delegate = delegate{f}
	mlCfg.Events = events{f}
	mlCfg.Alive = alive{f}
	mlCfg.Merge = merge{f}

	f.list, err = ml.Create(mlCfg)
	if err != nil {
		return nil, errors.Wrap(err, "[memberlist] - failed to start")
	}
	if len(cfg.Seeds) == 0 {
		cfg.Logger.Info("bootstrapped new cluster", zap.String("host", host.ID.Short()))
		return f, nil
	}
	if _, err := f.list.Join(cfg.Seeds); err != nil {
		err = errors.CombineErrors(f.joinError(err), f.list.Shutdown())
		return nil, err
	}
	cfg.Logger.Info("joined cluster",
		zap.String("host", host.ID.Short()),
		zap.Int("members", f.list.NumMembers()),
	)
	return f, nil
}

func (f *Feed) joinError(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejection != nil {
		return errors.Wrap(cluster.ErrJoinRejected, f.rejection.Error())
	}
	return errors.Wrap(err, "[memberlist] - failed to join")
}

// Host returns the local node.
func (f *Feed) Host() node.Node { return f.host }

// Snapshot returns the current snapshot.
func (f *Feed) Snapshot() *topology.Snapshot { return f.store.Snapshot() }

// AwaitNewer blocks until a snapshot newer than version is published or ctx is
// done.
func (f *Feed) AwaitNewer(ctx context.Context, version uint64) error {
	return f.store.AwaitNewer(ctx, version)
}

// OnChange registers a listener called with every newly published snapshot.
func (f *Feed) OnChange(l topology.Listener) { f.store.OnChange(l) }

// Address returns the address the gossip listener is reachable at.
func (f *Feed) Address() address.Address {
	n := f.list.LocalNode()
	return address.Newf("%s:%d", n.Addr, n.Port)
}

// Leave announces the host's departure and waits for it to propagate. The
// host's own snapshot no longer contains it once Leave returns.
func (f *Feed) Leave(ctx context.Context) error {
	timeout := f.cfg.LeaveTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	err := f.list.Leave(timeout)
	f.store.Remove(f.host.ID)
	return err
}

// Close stops gossiping without announcing a departure.
func (f *Feed) Close() error { return f.list.Shutdown() }

func (f *Feed) decode(n *ml.Node) (node.Node, error) {
	var decoded node.Node
	if err := cbor.Unmarshal(n.Meta, &decoded); err != nil {
		return decoded, errors.Wrapf(err, "[memberlist] - malformed metadata from %s", n.Name)
	}
	if string(decoded.ID) != n.Name {
		return decoded, errors.Newf("[memberlist] - metadata of %s names %s", n.Name, decoded.ID)
	}
	return decoded, nil
}

// validate runs the gate on a remote node against the host's attributes.
func (f *Feed) validate(n *ml.Node) (node.Node, error) {
	decoded, err := f.decode(n)
	if err != nil {
		return decoded, err
	}
	if decoded.ID == f.host.ID {
		return decoded, nil
	}
	return decoded, f.cfg.Gate.Validate(decoded.Attributes, f.host.Attributes)
}

// |||||| DELEGATES ||||||

type delegate struct{ *Feed }

var _ ml.Delegate = delegate{}

func (d delegate) NodeMeta(int) []byte { return d.meta }

func (d delegate) NotifyMsg([]byte) {}

func (d delegate) GetBroadcasts(int, int) [][]byte { return nil }

func (d delegate) LocalState(bool) []byte { return nil }

func (d delegate) MergeRemoteState([]byte, bool) {}

// alive refuses to track nodes that fail the gate.
type alive struct{ *Feed }

var _ ml.AliveDelegate = alive{}

func (a alive) NotifyAlive(peer *ml.Node) error {
	_, err := a.validate(peer)
	if err != nil {
		a.cfg.Logger.Warn("refused node", zap.String("node", peer.Name), zap.Error(err))
	}
	return err
}

// merge refuses to join a cluster whose members fail the gate.
type merge struct{ *Feed }

var _ ml.MergeDelegate = merge{}

func (m merge) NotifyMerge(peers []*ml.Node) error {
	for _, p := range peers {
		if _, err := m.validate(p); err != nil {
			m.mu.Lock()
			m.rejection = err
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

// events publishes a snapshot for every join and leave.
type events struct{ *Feed }

var _ ml.EventDelegate = events{}

func (e events) NotifyJoin(peer *ml.Node) {
	n, err := e.decode(peer)
	if err != nil {
		e.cfg.Logger.Warn("ignored node", zap.String("node", peer.Name), zap.Error(err))
		return
	}
	snap := e.store.Add(n)
	e.cfg.Logger.Debug("node joined",
		zap.String("node", n.ID.Short()),
		zap.Uint64("version", snap.Version),
	)
}

func (e events) NotifyLeave(peer *ml.Node) {
	snap := e.store.Remove(node.ID(peer.Name))
	e.cfg.Logger.Debug("node left",
		zap.String("node", peer.Name),
		zap.Uint64("version", snap.Version),
	)
}

func (e events) NotifyUpdate(*ml.Node) {}
