package cluster

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"go.uber.org/zap"
)

// GossipOnce runs a single anti-entropy exchange with a random peer. It is a
// no-op if the host is the only member.
func (c *Cluster) GossipOnce(ctx context.Context) error {
	peers := c.Snapshot().Nodes.WhereNot(c.host.ID)
	if len(peers) == 0 {
		return nil
	}
	return c.GossipOnceWith(ctx, peers[rand.IntN(len(peers))].Address)
}

// GossipOnceWith runs a single anti-entropy exchange with the member at addr.
// The initiator advertises its version (sync); a peer holding a newer snapshot
// answers with it (ack); otherwise the initiator pushes its own if it is newer
// (ack2).
func (c *Cluster) GossipOnceWith(ctx context.Context, addr address.Address) error {
	snap := c.Snapshot()
	ack, err := c.Transport.Send(ctx, addr, Message{Kind: KindSync, Version: snap.Version})
	if err != nil {
		return err
	}
	switch {
	case ack.Version > snap.Version:
		if c.store.Install(ack.Version, ack.Nodes) {
			c.Logger.Debug("installed gossiped snapshot",
				zap.String("peer", addr.String()),
				zap.Uint64("version", ack.Version),
			)
		}
	case ack.Version < snap.Version:
		_, err = c.Transport.Send(ctx, addr, Message{
			Kind:    KindUpdate,
			Version: snap.Version,
			Nodes:   snap.Nodes,
		})
	}
	return err
}

func (c *Cluster) handleSync(sync Message) Message {
	snap := c.Snapshot()
	if snap.Version > sync.Version {
		return Message{Kind: KindSync, Version: snap.Version, Nodes: snap.Nodes}
	}
	return Message{Kind: KindSync, Version: snap.Version}
}

func (c *Cluster) startGossip() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel, c.done = cancel, make(chan struct{})
	done := c.done
	c.mu.Unlock()
	go func() {
		defer close(done)
		t := time.NewTicker(c.Gossip.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if c.probe(ctx) {
					continue
				}
				reqCtx, cancel := context.WithTimeout(ctx, c.Gossip.Interval)
				if err := c.GossipOnce(reqCtx); err != nil && ctx.Err() == nil {
					c.Logger.Debug("gossip exchange failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

func (c *Cluster) stopGossip() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
