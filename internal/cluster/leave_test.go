package cluster_test

import (
	"context"
	"sync"
	"time"

	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/cluster/clustermock"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Leave", func() {
	var (
		ctx      context.Context
		builder  *clustermock.Builder
		clusters []*cluster.Cluster
	)
	BeforeEach(func() {
		ctx = context.Background()
		builder = clustermock.NewBuilder(cluster.Config{
			Gossip: cluster.GossipConfig{Interval: time.Hour},
		})
		clusters = nil
		for i := 0; i < 3; i++ {
			c, err := builder.New(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			clusters = append(clusters, c)
		}
	})
	AfterEach(func() { Expect(builder.Close()).To(Succeed()) })

	It("Should remove a departing member from every snapshot", func() {
		Expect(clusters[2].Leave(ctx)).To(Succeed())
		for _, c := range clusters {
			Expect(c.Snapshot().Version).To(Equal(uint64(4)))
			Expect(c.Snapshot().Contains(clusters[2].HostID())).To(BeFalse())
		}
	})

	It("Should hand coordination to the next most senior member when the coordinator leaves", func() {
		Expect(clusters[0].Leave(ctx)).To(Succeed())
		coord, ok := clusters[2].Snapshot().Coordinator()
		Expect(ok).To(BeTrue())
		Expect(coord.ID).To(Equal(clusters[1].HostID()))

		By("Admitting a new node through the new coordinator")
		t := builder.Net.Route("")
		cfg := builder.BaseCfg
		cfg.Transport = t
		c5, err := cluster.Join(ctx, node.Node{ID: node.NewID(), Address: t.Address}, builder.MemberAddresses()[1:], cfg)
		Expect(err).ToNot(HaveOccurred())
		defer func() { Expect(c5.Close()).To(Succeed()) }()
		Expect(clusters[1].Snapshot().Contains(c5.HostID())).To(BeTrue())
		Expect(clusters[2].Snapshot().Contains(c5.HostID())).To(BeTrue())
	})

	It("Should evict a member on request", func() {
		Expect(clusters[2].Evict(ctx, clusters[1].HostID())).To(Succeed())
		Expect(clusters[0].Snapshot().Nodes).To(HaveLen(2))
		Expect(clusters[2].Snapshot().Nodes).To(HaveLen(2))
	})

	It("Should return an error when evicting a node that is not a member", func() {
		Expect(clusters[0].Evict(ctx, node.NewID())).To(MatchError(cluster.ErrNodeNotFound))
	})

	It("Should notify change listeners with the previous and next snapshot", func() {
		var (
			mu    sync.Mutex
			calls [][2]uint64
		)
		clusters[1].OnChange(func(prev, next *topology.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, [2]uint64{prev.Version, next.Version})
		})
		Expect(clusters[2].Leave(ctx)).To(Succeed())
		mu.Lock()
		defer mu.Unlock()
		Expect(calls).To(Equal([][2]uint64{{3, 4}}))
	})

	It("Should resolve the address of a member", func() {
		addr, err := clusters[0].Resolve(clusters[2].HostID())
		Expect(err).ToNot(HaveOccurred())
		Expect(addr).To(Equal(clusters[2].Host().Address))
		_, err = clusters[0].Resolve(node.NewID())
		Expect(err).To(MatchError(cluster.ErrNodeNotFound))
	})
})
