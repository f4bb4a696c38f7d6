package quartz

import (
	"context"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Open starts a node at addr and joins it to the cluster reachable through
// peers, or bootstraps a new cluster if the Bootstrap option is set. The
// returned DB serves operations as soon as Open returns.
func Open(ctx context.Context, addr address.Address, peers []address.Address, opts ...Option) (DB, error) {
	o := newOptions(addr, peers, opts...)
	if err := validateOptions(o); err != nil {
		return nil, err
	}
	if o.bootstrap {
		o.peerAddresses = nil
	}

	aff, err := affinity.New(o.affinity)
	if err != nil {
		return nil, err
	}
	o.cluster.Affinity = aff

	if err := openEngine(o); err != nil {
		return nil, err
	}

	if err := configureTransport(ctx, o); err != nil {
		return nil, errors.CombineErrors(err, o.kv.Engine.Close())
	}

	host := o.host()
	o.logger.Debug("opening",
		zap.String("addr", addr.String()),
		zap.String("role", string(host.Role())),
		zap.Int("partitions", o.affinity.Partitions),
		zap.Int("backups", o.affinity.Backups),
		zap.Stringer("writeOrder", o.kv.WriteOrder),
		zap.Stringer("syncMode", o.kv.SyncMode),
	)

	m, err := o.membership(ctx, host, o.peerAddresses, o.cluster)
	if err != nil {
		return nil, errors.CombineErrors(err, closeAll(o))
	}

	o.kv.Topology = m
	if o.metrics != nil {
		o.kv.Observer = o.metrics
	}
	kve, err := kv.Open(o.kv)
	if err != nil {
		return nil, errors.CombineErrors(err, errors.CombineErrors(m.Close(), closeAll(o)))
	}

	m.OnChange(kve.Reconcile)
	if o.metrics != nil {
		m.OnChange(o.metrics.Topology)
		o.metrics.Topology(nil, m.Snapshot())
	}

	return &db{options: o, membership: m, kv: kve}, nil
}

func openEngine(o *options) error {
	if o.kv.Engine != nil {
		return nil
	}
	engine, err := kv.OpenEngine(o.kv.Logger)
	o.kv.Engine = engine
	return err
}

func configureTransport(ctx context.Context, o *options) error {
	if err := o.transport.Configure(ctx, o.addr); err != nil {
		return err
	}
	o.cluster.Transport = o.transport.Cluster()
	o.kv.Transport = o.transport.Operations()
	return nil
}

func closeAll(o *options) error {
	return errors.CombineErrors(o.transport.Close(), o.kv.Engine.Close())
}
