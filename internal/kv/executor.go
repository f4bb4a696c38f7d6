package kv

import (
	"context"

	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/transport"
	"github.com/arya-analytics/quartz/internal/version"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type executor struct {
	Config
	host  node.ID
	clock *version.Clock
}

// pending is an update being written by the host.
type pending struct {
	op  Operation
	tok Token
	// assigned is set once the host has applied the update as primary. Retries
	// re-send the forwards with the assigned token instead of assigning again.
	assigned bool
}

func (e *executor) write(ctx context.Context, op Operation) error {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	w := &pending{op: op, tok: e.clock.Now()}
	return e.retry(ctx, func(snap *topology.Snapshot) error {
		plan, err := Route(op, e.host, snap, e.WriteOrder)
		if err != nil {
			return err
		}
		e.Logger.Debug("routed operation",
			zap.Stringer("variant", op.Variant),
			zap.Int("partition", plan.Partition),
			zap.Uint64("version", plan.Version),
			zap.Bool("local", plan.Local == ActionApply),
			zap.Int("targets", len(plan.Targets)),
		)
		return e.execute(ctx, snap, plan, w)
	})
}

func (e *executor) execute(ctx context.Context, snap *topology.Snapshot, plan Plan, w *pending) error {
	if plan.Local == ActionApply {
		if err := e.applyLocal(plan.Partition, w); err != nil {
			return err
		}
	}
	msg := Message{
		Operation: w.op,
		Origin:    e.host,
		Partition: plan.Partition,
		Version:   plan.Version,
	}
	if e.WriteOrder == DirectMultiOwner || plan.Local == ActionApply {
		msg.Token = w.tok
	}
	return e.send(ctx, snap, plan.Targets, msg)
}

// applyLocal applies w on the host. Under DirectMultiOwner re-applying the same
// token is a no-op. Under PrimaryForwarded the token is assigned at most once.
func (e *executor) applyLocal(p int, w *pending) error {
	if e.WriteOrder == DirectMultiOwner {
		_, err := e.Engine.Apply(p, w.op.Key, w.op.entry(w.tok))
		return err
	}
	if w.assigned {
		return nil
	}
	ent, err := e.Engine.Assign(p, w.op, e.clock)
	if err != nil {
		return err
	}
	w.tok, w.assigned = ent.Token, true
	return nil
}

func (e *executor) read(ctx context.Context, key []byte) ([]byte, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	var value []byte
	err := e.retry(ctx, func(snap *topology.Snapshot) error {
		p := snap.Partition(key)
		primary, ok := snap.Primary(p)
		if !ok {
			return ErrNoDataNodes
		}
		if snap.IsOwner(p, e.host) {
			ent, found, err := e.Engine.Get(p, key)
			if err != nil {
				return err
			}
			if !found || ent.Tombstone {
				return ErrNotFound
			}
			value = ent.Value
			return nil
		}
		ack, err := e.sendTo(ctx, snap, primary, Message{
			Kind:      KindRead,
			Operation: Operation{Key: key},
			Origin:    e.host,
			Partition: p,
			Version:   snap.Version,
		})
		if err != nil {
			return err
		}
		if !ack.Found {
			return ErrNotFound
		}
		value = ack.Operation.Value
		return nil
	})
	return value, err
}

// send delivers msg to every target with the target's kind. Under FullSync it
// returns once every target has acknowledged; under FireAndForget it returns
// immediately and failures are only logged.
func (e *executor) send(ctx context.Context, snap *topology.Snapshot, targets []Target, msg Message) error {
	if len(targets) == 0 {
		return nil
	}
	if e.SyncMode == FullSync {
		return e.fanOut(ctx, snap, targets, msg)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.OperationTimeout)
	go func() {
		defer cancel()
		if err := e.fanOut(ctx, snap, targets, msg); err != nil {
			e.Logger.Warn("asynchronous replication failed",
				zap.Int("partition", msg.Partition),
				zap.Uint64("version", msg.Version),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (e *executor) fanOut(ctx context.Context, snap *topology.Snapshot, targets []Target, msg Message) error {
	wg := errgroup.Group{}
	for _, t := range targets {
		m := msg
		m.Kind = t.Kind
		wg.Go(func() error {
			_, err := e.sendTo(ctx, snap, t.Node, m)
			return err
		})
	}
	return wg.Wait()
}

func (e *executor) sendTo(ctx context.Context, snap *topology.Snapshot, target node.ID, msg Message) (Message, error) {
	n, ok := snap.Node(target)
	if !ok {
		return Message{}, errors.Wrapf(ErrStaleTopology, "node %s is not a member", target)
	}
	e.Observer.Sent(msg.Kind, target)
	ack, err := e.Transport.Send(ctx, n.Address, msg)
	if err != nil {
		return Message{}, errors.Wrapf(err, "[kv] - %s to %s failed", msg.Kind, target.Short())
	}
	return ack, ack.err()
}

// retry calls f with the current snapshot until it succeeds, fails with an
// error that re-routing cannot fix, or MaxRetries is exhausted. Between
// attempts it waits for a newer snapshot for at most RetryInterval.
func (e *executor) retry(ctx context.Context, f func(*topology.Snapshot) error) error {
	for attempt := 0; ; attempt++ {
		snap := e.Topology.Snapshot()
		err := f(snap)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return expired(ctxErr, err)
			}
			return err
		}
		if attempt >= e.MaxRetries {
			return errors.Wrapf(ErrTimeout, "[kv] - gave up after %d retries: %v", attempt, err)
		}
		e.Logger.Debug("retrying operation",
			zap.Int("attempt", attempt+1),
			zap.Uint64("version", snap.Version),
			zap.Error(err),
		)
		waitCtx, cancel := context.WithTimeout(ctx, e.RetryInterval)
		_ = e.Topology.AwaitNewer(waitCtx, snap.Version)
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return expired(ctxErr, err)
		}
	}
}

func (e *executor) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.OperationTimeout)
}

func retryable(err error) bool {
	return errors.Is(err, ErrStaleTopology) ||
		errors.Is(err, ErrNotPrimary) ||
		errors.Is(err, transport.ErrUnreachable)
}

func expired(ctxErr, cause error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "[kv] - deadline exceeded: %v", cause)
	}
	return ctxErr
}
