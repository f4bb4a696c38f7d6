package kv

import (
	"context"

	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type handler struct {
	*executor
}

func (h *handler) handle(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	snap, err := h.admit(ctx, msg)
	if err != nil {
		return msg.nack(snap.Version, err), nil
	}
	switch msg.Kind {
	case KindNear:
		if h.WriteOrder == PrimaryForwarded {
			return h.primary(ctx, snap, msg), nil
		}
		return h.apply(snap, msg), nil
	case KindForward:
		return h.apply(snap, msg), nil
	case KindRead:
		return h.read(snap, msg), nil
	}
	return msg.nack(snap.Version, errors.Wrapf(errRejected, "unexpected message kind %s", msg.Kind)), nil
}

// admit checks msg against the host's topology. If the sender's snapshot is
// newer, the host waits briefly to catch up. A message lagging the host's
// snapshot by more than the staleness threshold is rejected unless the host
// still owns the partition.
func (h *handler) admit(ctx context.Context, msg Message) (*topology.Snapshot, error) {
	snap := h.Topology.Snapshot()
	if msg.Version > snap.Version {
		waitCtx, cancel := context.WithTimeout(ctx, h.RetryInterval)
		_ = h.Topology.AwaitNewer(waitCtx, msg.Version-1)
		cancel()
		snap = h.Topology.Snapshot()
	}
	if msg.Partition < 0 || msg.Partition >= snap.Partitions() {
		return snap, errors.Wrapf(errRejected, "partition %d out of range", msg.Partition)
	}
	if snap.Version > msg.Version+h.StalenessThreshold && !snap.IsOwner(msg.Partition, h.host) {
		return snap, errors.Wrapf(
			ErrStaleTopology,
			"message version %d lags %d and %s does not own partition %d",
			msg.Version, snap.Version, h.host.Short(), msg.Partition,
		)
	}
	return snap, nil
}

// primary applies a primary-forwarded update and forwards it to the backups.
func (h *handler) primary(ctx context.Context, snap *topology.Snapshot, msg Message) Message {
	if !snap.IsPrimary(msg.Partition, h.host) {
		return msg.nack(snap.Version, h.notPrimary(snap, msg.Partition))
	}
	ent, err := h.Engine.Assign(msg.Partition, msg.Operation, h.clock)
	if err != nil {
		return msg.nack(snap.Version, err)
	}
	fwd := Message{
		Operation: msg.Operation,
		Token:     ent.Token,
		Origin:    h.host,
		Partition: msg.Partition,
	}
	var demoted *topology.Snapshot
	err = h.retry(ctx, func(snap *topology.Snapshot) error {
		if !snap.IsPrimary(msg.Partition, h.host) {
			demoted = snap
			return nil
		}
		fwd.Version = snap.Version
		return h.send(ctx, snap, targets(snap.Backups(msg.Partition), KindForward), fwd)
	})
	if demoted != nil {
		return msg.nack(demoted.Version, h.notPrimary(demoted, msg.Partition))
	}
	if err != nil {
		return msg.nack(h.Topology.Snapshot().Version, err)
	}
	return msg.ack(snap.Version)
}

// apply applies an update carrying its originator's token. A non-owner admitted
// within the staleness threshold acknowledges the update without storing it.
func (h *handler) apply(snap *topology.Snapshot, msg Message) Message {
	if msg.Token.IsZero() {
		return msg.nack(snap.Version, errors.Wrapf(errRejected, "%s message carries no token", msg.Kind))
	}
	h.clock.Observe(msg.Token)
	if !snap.IsOwner(msg.Partition, h.host) {
		h.Logger.Debug("acknowledged update for unowned partition",
			zap.Int("partition", msg.Partition),
			zap.Uint64("version", msg.Version),
			zap.String("origin", msg.Origin.Short()),
		)
		return msg.ack(snap.Version)
	}
	applied, err := h.Engine.Apply(msg.Partition, msg.Operation.Key, msg.Operation.entry(msg.Token))
	if err != nil {
		return msg.nack(snap.Version, err)
	}
	if !applied {
		h.Logger.Debug("discarded outdated update",
			zap.Int("partition", msg.Partition),
			zap.Stringer("token", msg.Token),
			zap.String("origin", msg.Origin.Short()),
		)
	}
	return msg.ack(snap.Version)
}

func (h *handler) read(snap *topology.Snapshot, msg Message) Message {
	ent, ok, err := h.Engine.Get(msg.Partition, msg.Operation.Key)
	if err != nil {
		return msg.nack(snap.Version, err)
	}
	ack := msg.ack(snap.Version)
	if ok && !ent.Tombstone {
		ack.Found, ack.Operation.Value = true, ent.Value
	}
	return ack
}

func (h *handler) notPrimary(snap *topology.Snapshot, p int) error {
	return errors.Wrapf(
		ErrNotPrimary,
		"%s is not the primary of partition %d at version %d",
		h.host.Short(), p, snap.Version,
	)
}
