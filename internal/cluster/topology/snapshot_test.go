package topology_test

import (
	"fmt"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func dataNodes(n int) node.Group {
	g := make(node.Group, n)
	for i := range g {
		g[i] = node.Node{ID: node.ID(fmt.Sprintf("node-%d", i)), Address: address.Address("localhost:" + fmt.Sprint(i))}
	}
	return g
}

var client = node.Node{ID: "client", Attributes: node.Attributes{node.AttrRole: string(node.RoleClient)}}

var _ = Describe("Snapshot", func() {
	var aff affinity.Rendezvous
	BeforeEach(func() {
		var err error
		aff, err = affinity.New(affinity.Config{Partitions: 64, Backups: 1})
		Expect(err).ToNot(HaveOccurred())
	})

	It("Should compute identical owners for identical versions", func() {
		a := topology.New(4, dataNodes(4), aff)
		b := topology.New(4, dataNodes(4), aff)
		for p := 0; p < a.Partitions(); p++ {
			Expect(a.Owners(p)).To(Equal(b.Owners(p)))
		}
	})

	It("Should give every partition backups+1 owners and never a client", func() {
		snap := topology.New(1, append(dataNodes(4), client), aff)
		for p := 0; p < snap.Partitions(); p++ {
			Expect(snap.Owners(p)).To(HaveLen(2))
			Expect(snap.IsOwner(p, client.ID)).To(BeFalse())
			primary, ok := snap.Primary(p)
			Expect(ok).To(BeTrue())
			Expect(snap.IsPrimary(p, primary)).To(BeTrue())
			Expect(snap.Backups(p)).To(HaveLen(1))
			Expect(snap.Backups(p)[0]).ToNot(Equal(primary))
		}
	})

	It("Should report no primary when there are no data nodes", func() {
		snap := topology.New(1, node.Group{client}, aff)
		_, ok := snap.Primary(0)
		Expect(ok).To(BeFalse())
		Expect(snap.Backups(0)).To(BeEmpty())
	})

	Describe("With and Without", func() {
		It("Should advance the version by one", func() {
			snap := topology.New(1, dataNodes(2), aff)
			added := snap.With(node.Node{ID: "new"})
			Expect(added.Version).To(Equal(uint64(2)))
			Expect(added.Nodes[len(added.Nodes)-1].ID).To(Equal(node.ID("new")))
			removed := added.Without("node-0")
			Expect(removed.Version).To(Equal(uint64(3)))
			Expect(removed.Contains("node-0")).To(BeFalse())
			Expect(snap.Contains("new")).To(BeFalse())
		})
		It("Should return the same snapshot for no-op changes", func() {
			snap := topology.New(1, dataNodes(2), aff)
			Expect(snap.With(node.Node{ID: "node-0"})).To(BeIdenticalTo(snap))
			Expect(snap.Without("missing")).To(BeIdenticalTo(snap))
		})
	})

	It("Should treat the most senior member as coordinator", func() {
		snap := topology.New(1, dataNodes(3), aff).Without("node-0")
		c, ok := snap.Coordinator()
		Expect(ok).To(BeTrue())
		Expect(c.ID).To(Equal(node.ID("node-1")))
	})
})
