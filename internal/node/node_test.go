package node_test

import (
	"github.com/arya-analytics/quartz/internal/node"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Node", func() {
	It("Should default to the data role", func() {
		Expect(node.Node{ID: "1"}.Role()).To(Equal(node.RoleData))
		Expect(node.Node{ID: "1"}.IsData()).To(BeTrue())
	})
	It("Should report the advertised role", func() {
		n := node.Node{Attributes: node.Attributes{node.AttrRole: string(node.RoleClient)}}
		Expect(n.IsData()).To(BeFalse())
	})
	It("Should generate unique IDs", func() {
		Expect(node.NewID()).ToNot(Equal(node.NewID()))
		Expect(node.NewID().Short()).To(HaveLen(8))
	})
	It("Should parse boolean attributes", func() {
		a := node.Attributes{node.AttrPeerClassLoading: "true", "bad": "maybe"}
		Expect(a.Bool(node.AttrPeerClassLoading)).To(BeTrue())
		Expect(a.Bool("bad")).To(BeFalse())
		Expect(a.Bool("missing")).To(BeFalse())
	})
})
