// Package clustermock provisions clusters of in-memory members for tests.
package clustermock

import (
	"context"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/transport/mock"
)

// Builder joins new members to a single cluster over an in-memory network.
type Builder struct {
	BaseCfg  cluster.Config
	Net      *mock.Network[cluster.Message, cluster.Message]
	Clusters []*cluster.Cluster
}

// NewBuilder returns a builder whose members are configured with baseCfg. If
// baseCfg carries no affinity function, the default one is used.
func NewBuilder(baseCfg cluster.Config) *Builder {
	if baseCfg.Affinity == nil {
		aff, err := affinity.New(affinity.DefaultConfig())
		if err != nil {
			panic(err)
		}
		baseCfg.Affinity = aff
	}
	return &Builder{
		BaseCfg: baseCfg.Merge(cluster.DefaultConfig()),
		Net:     mock.NewNetwork[cluster.Message, cluster.Message](),
	}
}

// New joins a member advertising attrs to the cluster. The first member
// bootstraps it.
func (b *Builder) New(ctx context.Context, attrs node.Attributes) (*cluster.Cluster, error) {
	t := b.Net.Route("")
	cfg := b.BaseCfg
	cfg.Transport = t
	host := node.Node{ID: node.NewID(), Address: t.Address, Attributes: attrs}
	c, err := cluster.Join(ctx, host, b.MemberAddresses(), cfg)
	if err != nil {
		return nil, err
	}
	b.Clusters = append(b.Clusters, c)
	return c, nil
}

// MemberAddresses returns the addresses of every member provisioned so far, most
// senior first.
func (b *Builder) MemberAddresses() []address.Address {
	addrs := make([]address.Address, len(b.Clusters))
	for i, c := range b.Clusters {
		addrs[i] = c.Host().Address
	}
	return addrs
}

// Close stops gossip on every member.
func (b *Builder) Close() error {
	for _, c := range b.Clusters {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}
