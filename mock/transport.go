package mock

import (
	"context"

	"github.com/arya-analytics/quartz"
	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/kv"
	tmock "github.com/arya-analytics/quartz/internal/transport/mock"
)

// Network is an in-memory network shared by the transports of every node in a
// test cluster.
type Network struct {
	cluster    *tmock.Network[cluster.Message, cluster.Message]
	operations *tmock.Network[kv.Message, kv.Message]
}

func NewNetwork() *Network {
	return &Network{
		cluster:    tmock.NewNetwork[cluster.Message, cluster.Message](),
		operations: tmock.NewNetwork[kv.Message, kv.Message](),
	}
}

// NewTransport returns a transport that routes over the network once it is
// configured.
func (n *Network) NewTransport() quartz.Transport { return &transport{net: n} }

// Crash removes every route at addr without the node leaving the cluster.
func (n *Network) Crash(addr address.Address) {
	n.cluster.Drop(addr)
	n.operations.Drop(addr)
}

// Operations returns every replication message sent over the network.
func (n *Network) Operations() []tmock.Entry[kv.Message, kv.Message] {
	return n.operations.Entries()
}

// transport is an in-memory, synchronous implementation of quartz.Transport.
type transport struct {
	net        *Network
	addr       address.Address
	cluster    *tmock.Unary[cluster.Message, cluster.Message]
	operations *tmock.Unary[kv.Message, kv.Message]
}

var _ quartz.Transport = (*transport)(nil)

// Configure implements quartz.Transport.
func (t *transport) Configure(_ context.Context, addr address.Address) error {
	t.addr = addr
	t.cluster = t.net.cluster.Route(addr)
	t.operations = t.net.operations.Route(addr)
	return nil
}

// Cluster implements quartz.Transport.
func (t *transport) Cluster() cluster.Transport { return t.cluster }

// Operations implements quartz.Transport.
func (t *transport) Operations() kv.Transport { return t.operations }

// Close implements quartz.Transport.
func (t *transport) Close() error {
	t.net.Crash(t.addr)
	return nil
}
