// Package mock implements an in-memory, synchronous network of unary transports
// for use in tests and single process clusters.
package mock

import (
	"context"
	"sync"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/transport"
	"github.com/cockroachdb/errors"
)

// Entry is a record of a single request sent over the network.
type Entry[REQ, RES any] struct {
	Host     address.Address
	Address  address.Address
	Request  REQ
	Response RES
	Error    error
}

// Network is an in-memory network of Unary transports. The zero value is not
// usable; call NewNetwork.
type Network[REQ, RES any] struct {
	mu      sync.RWMutex
	routes  map[address.Address]*Unary[REQ, RES]
	counter int
	entries []Entry[REQ, RES]
}

// NewNetwork returns a network with no routes.
func NewNetwork[REQ, RES any]() *Network[REQ, RES] {
	return &Network[REQ, RES]{routes: make(map[address.Address]*Unary[REQ, RES])}
}

// Route binds a new transport to addr. If addr is empty, a unique localhost
// address is generated.
func (n *Network[REQ, RES]) Route(addr address.Address) *Unary[REQ, RES] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		addr = address.Newf("localhost:%v", n.counter)
		n.counter++
	}
	t := &Unary[REQ, RES]{Address: addr, network: n}
	n.routes[addr] = t
	return t
}

// Drop removes the route at addr. Subsequent sends to addr fail with
// transport.ErrUnreachable, simulating a node that has left the network.
func (n *Network[REQ, RES]) Drop(addr address.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.routes, addr)
}

func (n *Network[REQ, RES]) resolve(addr address.Address) (*Unary[REQ, RES], bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.routes[addr]
	return t, ok
}

func (n *Network[REQ, RES]) appendEntry(e Entry[REQ, RES]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
}

// Entries returns a copy of every request sent over the network so far, in the
// order the requests completed.
func (n *Network[REQ, RES]) Entries() []Entry[REQ, RES] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Entry[REQ, RES](nil), n.entries...)
}

// Unary is an in-memory implementation of transport.Unary.
type Unary[REQ, RES any] struct {
	Address address.Address
	network *Network[REQ, RES]
	mu      sync.RWMutex
	handle  func(context.Context, REQ) (RES, error)
}

var _ transport.Unary[int, int] = (*Unary[int, int])(nil)

// Send implements transport.Unary.
func (u *Unary[REQ, RES]) Send(ctx context.Context, addr address.Address, req REQ) (res RES, err error) {
	defer func() {
		u.network.appendEntry(Entry[REQ, RES]{
			Host:     u.Address,
			Address:  addr,
			Request:  req,
			Response: res,
			Error:    err,
		})
	}()
	if err = ctx.Err(); err != nil {
		return res, err
	}
	target, ok := u.network.resolve(addr)
	if !ok {
		return res, errors.Wrapf(transport.ErrUnreachable, "no route to %s", addr)
	}
	handle := target.handler()
	if handle == nil {
		return res, errors.Wrapf(transport.ErrUnreachable, "no handler bound at %s", addr)
	}
	type result struct {
		res RES
		err error
	}
	resC := make(chan result, 1)
	go func() {
		r, e := handle(ctx, req)
		resC <- result{res: r, err: e}
	}()
	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case r := <-resC:
		return r.res, r.err
	}
}

// Handle implements transport.Unary.
func (u *Unary[REQ, RES]) Handle(handle func(context.Context, REQ) (RES, error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handle = handle
}

func (u *Unary[REQ, RES]) handler() func(context.Context, REQ) (RES, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.handle
}

// String implements transport.Unary.
func (u *Unary[REQ, RES]) String() string { return "mock" }
