package cluster_test

import (
	"context"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/cluster/clustermock"
	"github.com/arya-analytics/quartz/internal/cluster/gate"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/transport/mock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func attrs(mode string, classLoading string) node.Attributes {
	return node.Attributes{
		node.AttrDeploymentMode:   mode,
		node.AttrPeerClassLoading: classLoading,
	}
}

var _ = Describe("Join", func() {
	var (
		ctx     context.Context
		builder *clustermock.Builder
	)
	BeforeEach(func() {
		ctx = context.Background()
		builder = clustermock.NewBuilder(cluster.Config{
			Gossip: cluster.GossipConfig{Interval: time.Hour},
		})
	})
	AfterEach(func() { Expect(builder.Close()).To(Succeed()) })

	Describe("Bootstrap", func() {
		It("Should install a first snapshot containing only the host", func() {
			c, err := builder.New(ctx, attrs("SHARED", "true"))
			Expect(err).ToNot(HaveOccurred())
			snap := c.Snapshot()
			Expect(snap.Version).To(Equal(uint64(1)))
			Expect(snap.Nodes.IDs()).To(Equal([]node.ID{c.HostID()}))
			coord, ok := snap.Coordinator()
			Expect(ok).To(BeTrue())
			Expect(coord.ID).To(Equal(c.HostID()))
		})
	})

	Describe("Admission", func() {
		It("Should give every member the same snapshot once a join completes", func() {
			var clusters []*cluster.Cluster
			for i := 0; i < 4; i++ {
				c, err := builder.New(ctx, attrs("SHARED", "true"))
				Expect(err).ToNot(HaveOccurred())
				clusters = append(clusters, c)
			}
			for _, c := range clusters {
				Expect(c.Snapshot().Version).To(Equal(uint64(4)))
				Expect(c.Snapshot().Nodes.IDs()).To(Equal(clusters[0].Snapshot().Nodes.IDs()))
			}
			Expect(clusters[3].Snapshot().Nodes[0].ID).To(Equal(clusters[0].HostID()))
		})

		It("Should relay a join received by a non-coordinator to the coordinator", func() {
			c1, err := builder.New(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			c2, err := builder.New(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			t3 := builder.Net.Route("")
			cfg := builder.BaseCfg
			cfg.Transport = t3
			host := node.Node{ID: node.NewID(), Address: t3.Address}
			c3, err := cluster.Join(ctx, host, []address.Address{c2.Host().Address}, cfg)
			Expect(err).ToNot(HaveOccurred())
			defer func() { Expect(c3.Close()).To(Succeed()) }()
			Expect(c3.Snapshot().Nodes).To(HaveLen(3))
			Expect(c1.Snapshot().Nodes).To(HaveLen(3))

			var relayed bool
			for _, e := range builder.Net.Entries() {
				if e.Host == c2.Host().Address &&
					e.Address == c1.Host().Address &&
					e.Request.Kind == cluster.KindJoin {
					relayed = true
				}
			}
			Expect(relayed).To(BeTrue())
		})

		It("Should treat a repeated join of a member as a no-op", func() {
			c1, err := builder.New(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			c2, err := builder.New(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			res, err := builder.Net.Route("").Send(ctx, c1.Host().Address, cluster.Message{
				Kind: cluster.KindJoin,
				Node: c2.Host(),
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Admitted).To(BeTrue())
			Expect(res.Version).To(Equal(uint64(2)))
			Expect(c1.Snapshot().Nodes).To(HaveLen(2))
		})
	})

	Describe("Rejection", func() {
		It("Should reject a node with a different deployment mode and leave the cluster unchanged", func() {
			c1, err := builder.New(ctx, attrs("SHARED", "true"))
			Expect(err).ToNot(HaveOccurred())
			_, err = builder.New(ctx, attrs("SHARED", "true"))
			Expect(err).ToNot(HaveOccurred())
			before := c1.Snapshot()

			_, err = builder.New(ctx, attrs("PRIVATE", "true"))
			Expect(err).To(MatchError(cluster.ErrJoinRejected))
			Expect(err.Error()).To(ContainSubstring("deployment mode"))
			Expect(err.Error()).To(ContainSubstring("local=SHARED, remote=PRIVATE"))
			for _, c := range builder.Clusters {
				Expect(c.Snapshot().Nodes).To(HaveLen(len(before.Nodes)))
				Expect(c.Snapshot().Version).To(Equal(before.Version))
			}
		})

		It("Should name the peer class loading flag in the rejection reason", func() {
			_, err := builder.New(ctx, attrs("SHARED", "true"))
			Expect(err).ToNot(HaveOccurred())
			_, err = builder.New(ctx, attrs("SHARED", "false"))
			Expect(err).To(MatchError(cluster.ErrJoinRejected))
			Expect(err.Error()).To(ContainSubstring("peer class loading enabled flag"))
		})

		It("Should compare included properties by value", func() {
			builder = clustermock.NewBuilder(cluster.Config{
				Gate:   gate.Default("net.preferIPv4"),
				Gossip: cluster.GossipConfig{Interval: time.Hour},
			})
			prefer := func(v string) node.Attributes {
				return node.Attributes{node.PropertyAttr("net.preferIPv4"): v}
			}
			_, err := builder.New(ctx, prefer("true"))
			Expect(err).ToNot(HaveOccurred())
			_, err = builder.New(ctx, prefer("true"))
			Expect(err).ToNot(HaveOccurred())
			_, err = builder.New(ctx, prefer("false"))
			Expect(err).To(MatchError(cluster.ErrJoinRejected))
			Expect(err.Error()).To(ContainSubstring(`"net.preferIPv4"`))
			Expect(builder.Clusters).To(HaveLen(2))
		})
	})

	Describe("Pledge", func() {
		It("Should submit round robin join requests at scaled intervals", func() {
			var (
				net   = mock.NewNetwork[cluster.Message, cluster.Message]()
				peers []address.Address
			)
			t1 := net.Route("")
			for i := 0; i < 4; i++ {
				t := net.Route("")
				t.Handle(func(ctx context.Context, _ cluster.Message) (cluster.Message, error) {
					time.Sleep(2 * time.Millisecond)
					return cluster.Message{}, ctx.Err()
				})
				peers = append(peers, t.Address)
			}
			aff, err := affinity.New(affinity.DefaultConfig())
			Expect(err).ToNot(HaveOccurred())
			ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			_, err = cluster.Join(
				ctx,
				node.Node{ID: node.NewID(), Address: t1.Address},
				peers,
				cluster.Config{
					Transport: t1,
					Affinity:  aff,
					Join: cluster.JoinConfig{
						RequestTimeout: 1 * time.Millisecond,
						RetryBase:      1 * time.Millisecond,
						RetryScale:     1,
					},
				},
			)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(len(net.Entries())).To(BeNumerically(">", 4))
			for i, e := range net.Entries() {
				Expect(e.Address).To(Equal(peers[i%4]))
			}
		})
	})
})
