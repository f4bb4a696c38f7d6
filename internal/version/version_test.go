package version_test

import (
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/version"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Version", func() {
	Describe("Token", func() {
		It("Should order by wall time, then logical counter, then node", func() {
			a := version.Token{Wall: 1, Logical: 5, Node: "b"}
			b := version.Token{Wall: 2, Logical: 0, Node: "a"}
			Expect(b.NewerThan(a)).To(BeTrue())
			Expect(a.OlderThan(b)).To(BeTrue())
			c := version.Token{Wall: 2, Logical: 1, Node: "a"}
			Expect(c.NewerThan(b)).To(BeTrue())
			d := version.Token{Wall: 2, Logical: 1, Node: "b"}
			Expect(d.NewerThan(c)).To(BeTrue())
			Expect(d.Compare(d)).To(Equal(0))
		})
		It("Should report the zero token", func() {
			Expect(version.Token{}.IsZero()).To(BeTrue())
			Expect(version.Token{Logical: 1}.IsZero()).To(BeFalse())
		})
	})
	Describe("Clock", func() {
		It("Should issue strictly increasing tokens", func() {
			c := version.NewClock("a")
			prev := c.Now()
			for i := 0; i < 1000; i++ {
				next := c.Now()
				Expect(next.NewerThan(prev)).To(BeTrue())
				Expect(next.Node).To(Equal(node.ID("a")))
				prev = next
			}
		})
		It("Should issue tokens newer than any observed token", func() {
			c := version.NewClock("a")
			remote := version.Token{Wall: c.Now().Wall + int64(1e12), Logical: 7, Node: "z"}
			c.Observe(remote)
			Expect(c.Now().NewerThan(remote)).To(BeTrue())
		})
	})
})
