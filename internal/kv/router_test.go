package kv_test

import (
	"fmt"

	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/node"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func snapshotOf(backups, dataNodes, clientNodes int) *topology.Snapshot {
	aff, err := affinity.New(affinity.Config{Partitions: 32, Backups: backups})
	Expect(err).ToNot(HaveOccurred())
	var nodes node.Group
	for i := 0; i < dataNodes+clientNodes; i++ {
		role := node.RoleData
		if i >= dataNodes {
			role = node.RoleClient
		}
		nodes = append(nodes, node.Node{
			ID:         node.ID(fmt.Sprintf("n%d", i)),
			Attributes: node.Attributes{node.AttrRole: string(role)},
		})
	}
	return topology.New(1, nodes, aff)
}

func count(plan kv.Plan, kind kv.Kind) int {
	n := 0
	for _, t := range plan.Targets {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

var _ = Describe("Route", func() {
	var snap *topology.Snapshot
	BeforeEach(func() { snap = snapshotOf(2, 5, 1) })

	forEachKey := func(f func(op kv.Operation, p int)) {
		for i := 0; i < 100; i++ {
			op := kv.Operation{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v")}
			f(op, snap.Partition(op.Key))
		}
	}

	Describe("Primary forwarded", func() {
		It("Should send a single near message to the primary from a non-primary", func() {
			forEachKey(func(op kv.Operation, p int) {
				for _, n := range snap.Nodes {
					if snap.IsPrimary(p, n.ID) {
						continue
					}
					plan, err := kv.Route(op, n.ID, snap, kv.PrimaryForwarded)
					Expect(err).ToNot(HaveOccurred())
					Expect(plan.Local).To(Equal(kv.ActionNone))
					primary, _ := snap.Primary(p)
					Expect(plan.Targets).To(Equal([]kv.Target{{Node: primary, Kind: kv.KindNear}}))
				}
			})
		})

		It("Should apply locally and forward to every backup from the primary", func() {
			forEachKey(func(op kv.Operation, p int) {
				primary, _ := snap.Primary(p)
				plan, err := kv.Route(op, primary, snap, kv.PrimaryForwarded)
				Expect(err).ToNot(HaveOccurred())
				Expect(plan.Local).To(Equal(kv.ActionApply))
				Expect(count(plan, kv.KindNear)).To(BeZero())
				Expect(count(plan, kv.KindForward)).To(Equal(2))
				Expect(plan.Version).To(Equal(uint64(1)))
				Expect(plan.Partition).To(Equal(p))
			})
		})
	})

	Describe("Direct multi-owner", func() {
		It("Should apply locally and send to every other owner from an owner", func() {
			forEachKey(func(op kv.Operation, p int) {
				for _, o := range snap.Owners(p) {
					plan, err := kv.Route(op, o, snap, kv.DirectMultiOwner)
					Expect(err).ToNot(HaveOccurred())
					Expect(plan.Local).To(Equal(kv.ActionApply))
					Expect(count(plan, kv.KindNear)).To(Equal(len(snap.Owners(p)) - 1))
					for _, t := range plan.Targets {
						Expect(t.Node).ToNot(Equal(o))
					}
				}
			})
		})

		It("Should send to every owner from a non-owner", func() {
			forEachKey(func(op kv.Operation, p int) {
				for _, n := range snap.Nodes {
					if snap.IsOwner(p, n.ID) {
						continue
					}
					plan, err := kv.Route(op, n.ID, snap, kv.DirectMultiOwner)
					Expect(err).ToNot(HaveOccurred())
					Expect(plan.Local).To(Equal(kv.ActionNone))
					Expect(count(plan, kv.KindNear)).To(Equal(len(snap.Owners(p))))
				}
			})
		})
	})

	It("Should return ErrNoDataNodes when only client nodes exist", func() {
		snap = snapshotOf(1, 0, 2)
		for _, order := range []kv.WriteOrder{kv.PrimaryForwarded, kv.DirectMultiOwner} {
			_, err := kv.Route(kv.Operation{Key: []byte("k")}, "n0", snap, order)
			Expect(err).To(MatchError(kv.ErrNoDataNodes))
		}
	})

	It("Should never target a client node", func() {
		forEachKey(func(op kv.Operation, p int) {
			for _, order := range []kv.WriteOrder{kv.PrimaryForwarded, kv.DirectMultiOwner} {
				plan, err := kv.Route(op, "n5", snap, order)
				Expect(err).ToNot(HaveOccurred())
				for _, t := range plan.Targets {
					Expect(t.Node).ToNot(Equal(node.ID("n5")))
				}
			}
		})
	})
})
