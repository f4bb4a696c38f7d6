package grpc_test

import (
	"context"
	"time"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/transport"
	"github.com/arya-analytics/quartz/internal/version"
	"github.com/arya-analytics/quartz/transport/grpc"
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("Transport", func() {
	var (
		ctx          context.Context
		t1, t2       *grpc.Transport
		addr1, addr2 address.Address
	)
	BeforeEach(func() {
		ctx = context.Background()
		addr1, addr2 = freeAddress(), freeAddress()
		t1, t2 = grpc.New(zap.NewNop()), grpc.New(zap.NewNop())
		Expect(t1.Configure(ctx, addr1)).To(Succeed())
		Expect(t2.Configure(ctx, addr2)).To(Succeed())
	})
	AfterEach(func() {
		Expect(t1.Close()).To(Succeed())
		Expect(t2.Close()).To(Succeed())
	})

	It("Should exchange cluster messages", func() {
		t2.Cluster().Handle(func(_ context.Context, req cluster.Message) (cluster.Message, error) {
			return cluster.Message{
				Kind:     cluster.KindJoin,
				Version:  2,
				Nodes:    node.Group{req.Node},
				Admitted: true,
			}, nil
		})
		host := node.Node{
			ID:         "node-1",
			Address:    addr1,
			Attributes: node.Attributes{node.AttrRole: string(node.RoleData)},
		}
		res, err := t1.Cluster().Send(ctx, addr2, cluster.Message{Kind: cluster.KindJoin, Node: host})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Admitted).To(BeTrue())
		Expect(res.Version).To(Equal(uint64(2)))
		Expect(res.Nodes).To(Equal(node.Group{host}))
	})

	It("Should exchange replication messages", func() {
		var received kv.Message
		t2.Operations().Handle(func(_ context.Context, req kv.Message) (kv.Message, error) {
			received = req
			return kv.Message{Kind: kv.KindAck, OK: true, Version: req.Version}, nil
		})
		req := kv.Message{
			Kind:      kv.KindForward,
			Operation: kv.Operation{Key: []byte("key"), Value: []byte("value"), Variant: kv.Set},
			Token:     version.Token{Wall: 42, Logical: 1, Node: "node-1"},
			Origin:    "node-1",
			Partition: 7,
			Version:   3,
		}
		res, err := t1.Operations().Send(ctx, addr2, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.OK).To(BeTrue())
		Expect(res.Version).To(Equal(uint64(3)))
		Expect(received).To(Equal(req))
	})

	It("Should return handler errors to the sender", func() {
		t2.Operations().Handle(func(context.Context, kv.Message) (kv.Message, error) {
			return kv.Message{}, errors.New("boom")
		})
		_, err := t1.Operations().Send(ctx, addr2, kv.Message{Kind: kv.KindRead})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("boom"))
		Expect(errors.Is(err, transport.ErrUnreachable)).To(BeFalse())
	})

	It("Should report a node without a bound handler as unreachable", func() {
		_, err := t1.Operations().Send(ctx, addr2, kv.Message{Kind: kv.KindRead})
		Expect(errors.Is(err, transport.ErrUnreachable)).To(BeTrue())
	})

	It("Should report a closed node as unreachable", func() {
		Expect(t2.Close()).To(Succeed())
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := t1.Operations().Send(ctx, addr2, kv.Message{Kind: kv.KindRead})
		Expect(errors.Is(err, transport.ErrUnreachable)).To(BeTrue())
	})
})
