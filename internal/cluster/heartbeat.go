package cluster

import (
	"context"
	"sync"

	"github.com/arya-analytics/quartz/internal/node"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// heartbeat counts consecutive failed exchanges with each member.
type heartbeat struct {
	mu       sync.Mutex
	failures map[node.ID]int
}

func (h *heartbeat) fail(id node.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures == nil {
		h.failures = make(map[node.ID]int)
	}
	h.failures[id]++
	return h.failures[id]
}

func (h *heartbeat) reset(id node.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, id)
}

// watched returns the members the host is responsible for evicting: those whose
// removal would leave the host as coordinator. The coordinator watches every
// other member, and the next most senior member watches the coordinator.
func (c *Cluster) watched() node.Group {
	nodes := c.Snapshot().Nodes
	if !nodes.Contains(c.host.ID) {
		return nil
	}
	return nodes.Where(func(n node.Node) bool {
		if n.ID == c.host.ID {
			return false
		}
		rest := nodes.WhereNot(n.ID)
		return len(rest) > 0 && rest[0].ID == c.host.ID
	})
}

// probe exchanges versions with every watched member and evicts those that
// failed Gossip.FailureThreshold consecutive exchanges. It returns false if the
// host watches no one.
func (c *Cluster) probe(ctx context.Context) bool {
	watched := c.watched()
	if len(watched) == 0 {
		return false
	}
	var (
		mu       sync.Mutex
		suspects node.Group
	)
	wg := errgroup.Group{}
	for _, n := range watched {
		wg.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.Gossip.Interval)
			defer cancel()
			err := c.GossipOnceWith(reqCtx, n.Address)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				c.heartbeat.reset(n.ID)
				return nil
			}
			failures := c.heartbeat.fail(n.ID)
			c.Logger.Debug("heartbeat failed",
				zap.String("node", n.ID.Short()),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if failures >= c.Gossip.FailureThreshold {
				mu.Lock()
				suspects = append(suspects, n)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = wg.Wait()
	for _, n := range suspects {
		if ctx.Err() != nil {
			break
		}
		next := c.remove(ctx, n.ID)
		c.Logger.Warn("evicted unresponsive node",
			zap.String("node", n.ID.Short()),
			zap.String("address", n.Address.String()),
			zap.Uint64("version", next.Version),
		)
	}
	return true
}
