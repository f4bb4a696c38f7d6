// Package mock provisions clusters of quartz nodes that communicate over an
// in-memory network.
package mock

import (
	"context"
	"time"

	"github.com/arya-analytics/quartz"
	"github.com/arya-analytics/quartz/internal/address"
	"github.com/cockroachdb/errors"
)

// Builder opens nodes that join a single cluster. The first node opened
// bootstraps the cluster and every later node joins through the nodes opened
// before it.
type Builder struct {
	DefaultOptions []quartz.Option
	Network        *Network
	DBs            []quartz.DB
	peerAddresses  []address.Address
	counter        int
}

// NewBuilder returns a builder whose nodes communicate over a fresh in-memory
// network and propagate membership quickly.
func NewBuilder(defaultOpts ...quartz.Option) *Builder {
	propConfig := quartz.PropagationConfig{
		JoinRetryInterval: 10 * time.Millisecond,
		JoinRetryScale:    1,
		GossipInterval:    50 * time.Millisecond,
		FailureThreshold:  2,
		RetryInterval:     10 * time.Millisecond,
	}
	return &Builder{
		DefaultOptions: append([]quartz.Option{
			quartz.WithPropagationConfig(propConfig),
		}, defaultOpts...),
		Network: NewNetwork(),
	}
}

// New opens a node with the builder's default options followed by opts.
func (b *Builder) New(ctx context.Context, opts ...quartz.Option) (quartz.DB, error) {
	addr := address.Newf("localhost:%v", b.counter)
	b.counter++
	opts = append(append([]quartz.Option{}, b.DefaultOptions...), opts...)
	opts = append(opts, quartz.WithTransport(b.Network.NewTransport()))
	if len(b.peerAddresses) == 0 {
		opts = append(opts, quartz.Bootstrap())
	}
	db, err := quartz.Open(ctx, addr, b.peerAddresses, opts...)
	if err != nil {
		return nil, err
	}
	b.peerAddresses = append(b.peerAddresses, addr)
	b.DBs = append(b.DBs, db)
	return db, nil
}

// Close closes every node the builder opened.
func (b *Builder) Close() error {
	var err error
	for _, db := range b.DBs {
		err = errors.CombineErrors(err, db.Close())
	}
	b.DBs = nil
	return err
}
