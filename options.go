package quartz

import (
	"slices"
	"strconv"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/cluster/gate"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/metrics"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/transport/grpc"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultCache is the name of the cache a DB hosts unless WithCache is used.
const DefaultCache = "default"

type Option func(*options)

type options struct {
	// addr sets the address for the host node.
	addr address.Address
	// peerAddresses sets the addresses for the peers of the host node.
	peerAddresses []address.Address
	// bootstrap is a boolean used to indicate whether to bootstrap a new cluster.
	bootstrap bool
	// id is the identity of the host. A random one is generated if empty.
	id node.ID
	// role is the distribution role of the host.
	role node.Role
	// deploymentMode and peerClassLoading are advertised to and compared against
	// the cluster at join.
	deploymentMode   string
	peerClassLoading bool
	// properties are the included properties the host advertises. Each one must
	// match the cluster's value for the host to be admitted.
	properties map[string]string
	// attributes are free-form attributes advertised alongside the well-known
	// ones.
	attributes node.Attributes
	// cache names the cache the host serves.
	cache string
	// affinity configures partitioning for the cache.
	affinity affinity.Config
	// cluster gives the configuration for cluster membership.
	cluster cluster.Config
	// kv gives the configuration for replication.
	kv kv.Config
	// membership joins the host to a cluster. Defaults to the built-in join
	// protocol over the cluster transport.
	membership MembershipFunc
	// transport is the transport for every message the DB exchanges. This
	// setting overrides all other transport settings in sub-configs.
	transport Transport
	// metrics, if set, receives the DB's instrumentation.
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newOptions(addr address.Address, peers []address.Address, opts ...Option) *options {
	o := &options{}
	o.addr = addr
	o.peerAddresses = peers
	// Backups has a meaningful zero value, so affinity defaults are set before
	// options are applied.
	o.affinity = affinity.DefaultConfig()
	for _, opt := range opts {
		opt(o)
	}
	mergeDefaultOptions(o)
	return o
}

func validateOptions(o *options) error {
	if !o.bootstrap && len(o.peerAddresses) == 0 {
		return errors.New("peer addresses must be provided when not bootstrapping a cluster")
	}
	if o.addr == "" {
		return errors.New("host address must be provided")
	}
	if o.role != node.RoleData && o.role != node.RoleClient {
		return errors.Newf("invalid distribution role %q", o.role)
	}
	return o.affinity.Validate()
}

func mergeDefaultOptions(o *options) {
	def := defaultOptions()

	// |||| IDENTITY ||||

	if o.id == "" {
		o.id = node.NewID()
	}
	if o.role == "" {
		o.role = def.role
	}
	if o.cache == "" {
		o.cache = def.cache
	}

	// |||| LOGGER ||||

	if o.logger == nil {
		o.logger = def.logger
	}
	o.logger = o.logger.With(zap.String("host", o.id.Short()))
	o.cluster.Logger = o.logger.Named("cluster")
	o.kv.Logger = o.logger.Named("kv")

	// |||| AFFINITY ||||

	o.affinity = o.affinity.Merge(def.affinity)

	// |||| GATE ||||

	if len(o.cluster.Gate.Rules) == 0 {
		names := make([]string, 0, len(o.properties))
		for name := range o.properties {
			names = append(names, name)
		}
		slices.Sort(names)
		o.cluster.Gate = gate.Default(names...).With(gate.Cache(o.cache)...)
	}

	// |||| CLUSTER ||||

	o.cluster = o.cluster.Merge(def.cluster)

	// |||| KV ||||

	o.kv = o.kv.Merge(def.kv)

	// |||| MEMBERSHIP ||||

	if o.membership == nil {
		o.membership = def.membership
	}

	// |||| TRANSPORT ||||

	if o.transport == nil {
		o.transport = grpc.New(o.logger.Named("transport"))
	}
}

func defaultOptions() *options {
	return &options{
		role:       node.RoleData,
		cache:      DefaultCache,
		affinity:   affinity.DefaultConfig(),
		cluster:    cluster.DefaultConfig(),
		kv:         kv.DefaultConfig(),
		membership: joinCluster,
		logger:     zap.NewNop(),
	}
}

// host returns the identity the host advertises to the cluster.
func (o *options) host() node.Node {
	attrs := o.attributes.Copy()
	attrs[node.AttrRole] = string(o.role)
	if o.deploymentMode != "" {
		attrs[node.AttrDeploymentMode] = o.deploymentMode
	}
	attrs[node.AttrPeerClassLoading] = strconv.FormatBool(o.peerClassLoading)
	for name, v := range o.properties {
		attrs[node.PropertyAttr(name)] = v
	}
	attrs[node.CacheAttr(o.cache, node.CacheSettingPartitions)] = strconv.Itoa(o.affinity.Partitions)
	attrs[node.CacheAttr(o.cache, node.CacheSettingBackups)] = strconv.Itoa(o.affinity.Backups)
	attrs[node.CacheAttr(o.cache, node.CacheSettingWriteOrder)] = o.kv.WriteOrder.String()
	return node.Node{ID: o.id, Address: o.addr, Attributes: attrs}
}

// Bootstrap starts a new cluster with the host as its only member. Peer
// addresses are ignored.
func Bootstrap() Option { return func(o *options) { o.bootstrap = true } }

// WithID sets the identity of the host.
func WithID(id NodeID) Option { return func(o *options) { o.id = id } }

// WithRole sets the distribution role of the host. Client nodes own no
// partitions and store nothing.
func WithRole(r Role) Option { return func(o *options) { o.role = r } }

// WithDeploymentMode sets the deployment mode the host advertises. Every member
// of a cluster must share the same mode.
func WithDeploymentMode(mode string) Option {
	return func(o *options) { o.deploymentMode = mode }
}

// WithPeerClassLoading sets the peer class loading flag the host advertises.
// Every member of a cluster must share the same flag.
func WithPeerClassLoading(enabled bool) Option {
	return func(o *options) { o.peerClassLoading = enabled }
}

// WithIncludedProperty advertises a property whose value must match the
// cluster's for the host to be admitted.
func WithIncludedProperty(name, value string) Option {
	return func(o *options) {
		if o.properties == nil {
			o.properties = make(map[string]string)
		}
		o.properties[name] = value
	}
}

// WithAttribute advertises a free-form attribute.
func WithAttribute(key, value string) Option {
	return func(o *options) {
		if o.attributes == nil {
			o.attributes = make(node.Attributes)
		}
		o.attributes[key] = value
	}
}

// WithCache sets the name of the cache the host serves.
func WithCache(name string) Option { return func(o *options) { o.cache = name } }

// WithPartitions sets the number of partitions the key space is split into.
func WithPartitions(n int) Option { return func(o *options) { o.affinity.Partitions = n } }

// WithBackups sets the number of backup owners of every partition.
func WithBackups(n int) Option { return func(o *options) { o.affinity.Backups = n } }

// WithWriteOrder sets how updates are replicated to owners.
func WithWriteOrder(w WriteOrder) Option { return func(o *options) { o.kv.WriteOrder = w } }

// WithSyncMode sets when updates complete.
func WithSyncMode(s SyncMode) Option { return func(o *options) { o.kv.SyncMode = s } }

// WithTransport sets the transport for every message the DB exchanges.
func WithTransport(t Transport) Option { return func(o *options) { o.transport = t } }

// WithMembership replaces the built-in join protocol.
func WithMembership(f MembershipFunc) Option { return func(o *options) { o.membership = f } }

// WithMetrics instruments the DB. m must be created for the host's ID.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithLogger(logger *zap.Logger) Option { return func(o *options) { o.logger = logger } }

// PropagationConfig tunes how quickly membership and updates propagate.
type PropagationConfig struct {
	// JoinRetryInterval is the initial interval between join attempts.
	JoinRetryInterval time.Duration
	// JoinRetryScale is the growth factor of the join retry interval.
	JoinRetryScale float64
	// GossipInterval is the interval between topology gossip exchanges.
	GossipInterval time.Duration
	// FailureThreshold is the number of consecutive failed exchanges after which
	// a member that crashed without leaving is evicted.
	FailureThreshold int
	// RetryInterval is the longest an operation waits for a newer topology
	// between retries.
	RetryInterval time.Duration
	// MaxRetries bounds the number of times an operation is re-routed.
	MaxRetries int
	// OperationTimeout is the deadline of operations whose context has none.
	OperationTimeout time.Duration
	// StalenessThreshold is the number of topology versions a message may lag a
	// non-owning receiver by before it is rejected.
	StalenessThreshold uint64
}

// WithPropagationConfig applies the non-zero fields of cfg.
func WithPropagationConfig(cfg PropagationConfig) Option {
	return func(o *options) {
		if cfg.JoinRetryInterval != 0 {
			o.cluster.Join.RetryBase = cfg.JoinRetryInterval
		}
		if cfg.JoinRetryScale != 0 {
			o.cluster.Join.RetryScale = cfg.JoinRetryScale
		}
		if cfg.GossipInterval != 0 {
			o.cluster.Gossip.Interval = cfg.GossipInterval
		}
		if cfg.FailureThreshold != 0 {
			o.cluster.Gossip.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.RetryInterval != 0 {
			o.kv.RetryInterval = cfg.RetryInterval
		}
		if cfg.MaxRetries != 0 {
			o.kv.MaxRetries = cfg.MaxRetries
		}
		if cfg.OperationTimeout != 0 {
			o.kv.OperationTimeout = cfg.OperationTimeout
		}
		if cfg.StalenessThreshold != 0 {
			o.kv.StalenessThreshold = cfg.StalenessThreshold
		}
	}
}
