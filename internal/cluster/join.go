package cluster

import (
	"context"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Join joins host to the cluster reachable through peers and returns a handle on
// its membership. If peers is empty, host bootstraps a new cluster as its only
// member and coordinator.
//
// Otherwise, Join sends join requests to peers round-robin at a scaling interval
// until one of them answers or ctx is cancelled. The receiving member relays the
// request to the coordinator, which validates the host's attributes against its
// own. A rejection is fatal and returned as an error matching ErrJoinRejected;
// the host never installs a snapshot.
func Join(ctx context.Context, host node.Node, peers []address.Address, cfg Config) (*Cluster, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := newCluster(host, cfg)
	if len(peers) == 0 {
		c.store.Install(1, node.Group{host})
		c.Logger.Info("bootstrapped new cluster", zap.String("host", host.ID.Short()))
		c.startGossip()
		return c, nil
	}
	res, err := c.pledge(ctx, peers)
	if err != nil {
		return nil, err
	}
	c.store.Install(res.Version, res.Nodes)
	c.Logger.Info("joined cluster",
		zap.String("host", host.ID.Short()),
		zap.Uint64("version", res.Version),
		zap.Int("members", len(res.Nodes)),
	)
	c.startGossip()
	return c, nil
}

func (c *Cluster) pledge(ctx context.Context, peers []address.Address) (Message, error) {
	var (
		req      = Message{Kind: KindJoin, Node: c.host}
		interval = c.Join.RetryBase
	)
	for i := 0; ; i++ {
		addr := peers[i%len(peers)]
		reqCtx, cancel := context.WithTimeout(ctx, c.Join.RequestTimeout)
		res, err := c.Transport.Send(reqCtx, addr, req)
		cancel()
		if err == nil {
			if !res.Admitted {
				return Message{}, errors.Wrap(ErrJoinRejected, res.Reason)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		c.Logger.Debug("join attempt failed",
			zap.String("peer", addr.String()),
			zap.Duration("retry", interval),
			zap.Error(err),
		)
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Message{}, ctx.Err()
		case <-t.C:
		}
		interval = time.Duration(float64(interval) * c.Join.RetryScale)
	}
}

func (c *Cluster) handleJoin(ctx context.Context, msg Message) (Message, error) {
	if res, relayed, err := c.relay(ctx, msg); relayed {
		return res, err
	}
	if snap := c.Snapshot(); snap.Contains(msg.Node.ID) {
		return Message{Kind: KindJoin, Admitted: true, Version: snap.Version, Nodes: snap.Nodes}, nil
	}
	if err := c.Gate.Validate(msg.Node.Attributes, c.host.Attributes); err != nil {
		c.Logger.Warn("rejected join",
			zap.String("node", msg.Node.ID.Short()),
			zap.String("address", msg.Node.Address.String()),
			zap.Error(err),
		)
		return Message{Kind: KindJoin, Reason: err.Error()}, nil
	}
	next := c.store.Add(msg.Node)
	c.Logger.Info("admitted node",
		zap.String("node", msg.Node.ID.Short()),
		zap.Uint64("version", next.Version),
	)
	c.broadcast(ctx, next, c.host.ID, msg.Node.ID)
	return Message{Kind: KindJoin, Admitted: true, Version: next.Version, Nodes: next.Nodes}, nil
}
