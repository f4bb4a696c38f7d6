package quartz

import (
	"context"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/node"
)

// Transport carries every message a DB exchanges, one unary channel per topic.
type Transport interface {
	// Configure binds the transport to the host's address. It is called once,
	// before any message is sent or handled.
	Configure(ctx context.Context, addr address.Address) error
	// Cluster is the channel for membership messages.
	Cluster() cluster.Transport
	// Operations is the channel for replication messages.
	Operations() kv.Transport
	// Close stops serving and releases any connections.
	Close() error
}

// Membership is the source of the topology snapshots a DB routes against.
type Membership interface {
	kv.Topology
	// OnChange registers a listener called with every newly installed snapshot.
	OnChange(l topology.Listener)
	// Leave removes the host from the cluster.
	Leave(ctx context.Context) error
	// Close stops participating in membership without leaving.
	Close() error
}

// MembershipFunc joins host to the cluster reachable through peers. cfg carries
// the affinity function, gate and timings the DB was opened with, and its
// Transport is the DB's cluster channel.
type MembershipFunc func(
	ctx context.Context,
	host node.Node,
	peers []address.Address,
	cfg cluster.Config,
) (Membership, error)

func joinCluster(
	ctx context.Context,
	host node.Node,
	peers []address.Address,
	cfg cluster.Config,
) (Membership, error) {
	c, err := cluster.Join(ctx, host, peers, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
