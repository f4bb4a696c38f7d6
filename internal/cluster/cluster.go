// Package cluster maintains the membership of a quartz cluster. The most senior
// member acts as coordinator: it admits joining nodes through the membership
// gate, removes departing ones, and pushes every new topology snapshot to the
// rest of the cluster. Gossip repairs any push that was lost.
package cluster

import (
	"context"
	"sync"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrJoinRejected is returned by Join when the coordinator's gate turned the
	// host away.
	ErrJoinRejected = errors.New("join rejected")
	// ErrNoPeers is returned when an operation needs a peer and the cluster has
	// none.
	ErrNoPeers = errors.New("no peers")
	// ErrNodeNotFound is returned when resolving an ID that is not a member.
	ErrNodeNotFound = errors.New("node not found")
	errNotMember    = errors.New("host is not a cluster member")
)

// Cluster is a member's handle on cluster membership.
type Cluster struct {
	Config
	host      node.Node
	store     *topology.Store
	heartbeat heartbeat
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func newCluster(host node.Node, cfg Config) *Cluster {
	c := &Cluster{Config: cfg, host: host, store: topology.NewStore(cfg.Affinity)}
	c.Transport.Handle(c.handle)
	return c
}

// Host returns the node this cluster handle runs on.
func (c *Cluster) Host() node.Node { return c.host }

// HostID returns the ID of the host.
func (c *Cluster) HostID() node.ID { return c.host.ID }

// Snapshot returns the current topology snapshot.
func (c *Cluster) Snapshot() *topology.Snapshot { return c.store.Snapshot() }

// Store returns the topology store snapshots are published through.
func (c *Cluster) Store() *topology.Store { return c.store }

// AwaitNewer blocks until a snapshot newer than version is published or ctx is
// done.
func (c *Cluster) AwaitNewer(ctx context.Context, version uint64) error {
	return c.store.AwaitNewer(ctx, version)
}

// OnChange registers a listener called every time a new snapshot is installed.
func (c *Cluster) OnChange(l topology.Listener) { c.store.OnChange(l) }

// Resolve returns the address of the member with the given ID.
func (c *Cluster) Resolve(id node.ID) (address.Address, error) {
	n, ok := c.Snapshot().Node(id)
	if !ok {
		return "", errors.Wrapf(ErrNodeNotFound, "node %s", id)
	}
	return n.Address, nil
}

// Leave removes the host from the cluster and stops gossiping. The host's own
// snapshot no longer contains it once Leave returns.
func (c *Cluster) Leave(ctx context.Context) error {
	defer c.stopGossip()
	return c.Evict(ctx, c.host.ID)
}

// Evict removes the member id from the cluster. The request is relayed to the
// coordinator if the host is not it.
func (c *Cluster) Evict(ctx context.Context, id node.ID) error {
	n, ok := c.Snapshot().Node(id)
	if !ok {
		return errors.Wrapf(ErrNodeNotFound, "node %s", id)
	}
	res, err := c.handleLeave(ctx, Message{Kind: KindLeave, Node: n})
	if err != nil {
		return err
	}
	c.store.Install(res.Version, res.Nodes)
	return nil
}

// Close stops gossip. It does not leave the cluster.
func (c *Cluster) Close() error {
	c.stopGossip()
	return nil
}

func (c *Cluster) handle(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	switch msg.Kind {
	case KindJoin:
		return c.handleJoin(ctx, msg)
	case KindLeave:
		return c.handleLeave(ctx, msg)
	case KindUpdate:
		return c.handleUpdate(msg), nil
	case KindSync:
		return c.handleSync(msg), nil
	}
	return Message{}, errors.Newf("[cluster] - unknown message kind %d", msg.Kind)
}

// relay forwards msg to the coordinator if the host is not it. ok is false when
// the host should process the message itself.
func (c *Cluster) relay(ctx context.Context, msg Message) (res Message, ok bool, err error) {
	coord, found := c.Snapshot().Coordinator()
	if !found {
		return Message{}, true, errNotMember
	}
	if coord.ID == c.host.ID {
		return Message{}, false, nil
	}
	c.Logger.Debug("relaying to coordinator",
		zap.Stringer("kind", msg.Kind),
		zap.String("subject", msg.Node.ID.Short()),
		zap.String("coordinator", coord.ID.Short()),
	)
	res, err = c.Transport.Send(ctx, coord.Address, msg)
	return res, true, err
}

func (c *Cluster) handleLeave(ctx context.Context, msg Message) (Message, error) {
	if res, relayed, err := c.relay(ctx, msg); relayed {
		return res, err
	}
	next := c.remove(ctx, msg.Node.ID)
	c.Logger.Info("removed node",
		zap.String("node", msg.Node.ID.Short()),
		zap.Uint64("version", next.Version),
	)
	return Message{Kind: KindUpdate, Version: next.Version, Nodes: next.Nodes}, nil
}

// remove publishes a snapshot without id and pushes it to the remaining members.
func (c *Cluster) remove(ctx context.Context, id node.ID) *topology.Snapshot {
	next := c.store.Remove(id)
	c.heartbeat.reset(id)
	c.broadcast(ctx, next, c.host.ID)
	return next
}

func (c *Cluster) handleUpdate(msg Message) Message {
	if c.store.Install(msg.Version, msg.Nodes) {
		c.Logger.Debug("installed pushed snapshot", zap.Uint64("version", msg.Version))
	}
	return Message{Kind: KindUpdate, Version: c.Snapshot().Version}
}

// broadcast pushes snap to every member except the excluded ones. Failed pushes
// count against the member's heartbeat and are left for gossip to repair.
func (c *Cluster) broadcast(ctx context.Context, snap *topology.Snapshot, exclude ...node.ID) {
	msg := Message{Kind: KindUpdate, Version: snap.Version, Nodes: snap.Nodes}
	wg := errgroup.Group{}
	for _, n := range snap.Nodes.WhereNot(exclude...) {
		wg.Go(func() error {
			if _, err := c.Transport.Send(ctx, n.Address, msg); err != nil {
				c.heartbeat.fail(n.ID)
				c.Logger.Warn("failed to push snapshot",
					zap.String("node", n.ID.Short()),
					zap.Uint64("version", snap.Version),
					zap.Error(err),
				)
				return nil
			}
			c.heartbeat.reset(n.ID)
			return nil
		})
	}
	_ = wg.Wait()
}
