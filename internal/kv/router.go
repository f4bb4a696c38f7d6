package kv

import (
	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/node"
)

// Action is what the originating node does locally for an operation.
type Action uint8

const (
	// ActionNone leaves the local store untouched.
	ActionNone Action = iota
	// ActionApply applies the operation to the local store.
	ActionApply
)

// Target is a single message the originator emits.
type Target struct {
	Node node.ID
	Kind Kind
}

// Plan is the routing decision for a single operation against a single
// snapshot.
type Plan struct {
	Partition int
	Version   uint64
	Local     Action
	Targets   []Target
}

// Route decides how host executes op against snap under the given write order:
//
//	primary-forwarded, host is primary:   apply locally, forward to each backup
//	primary-forwarded, host is not:       one near message to the primary
//	direct multi-owner, host is an owner: apply locally, near to every other owner
//	direct multi-owner, host is not:      near to every owner
//
// Route returns ErrNoDataNodes if the key's partition has no owners.
func Route(op Operation, host node.ID, snap *topology.Snapshot, order WriteOrder) (Plan, error) {
	p := snap.Partition(op.Key)
	plan := Plan{Partition: p, Version: snap.Version}
	owners := snap.Owners(p)
	if len(owners) == 0 {
		return plan, ErrNoDataNodes
	}
	if order == PrimaryForwarded {
		if owners[0] != host {
			plan.Targets = []Target{{Node: owners[0], Kind: KindNear}}
			return plan, nil
		}
		plan.Local = ActionApply
		plan.Targets = targets(owners[1:], KindForward)
		return plan, nil
	}
	if snap.IsOwner(p, host) {
		plan.Local = ActionApply
	}
	for _, o := range owners {
		if o != host {
			plan.Targets = append(plan.Targets, Target{Node: o, Kind: KindNear})
		}
	}
	return plan, nil
}

func targets(ids []node.ID, kind Kind) []Target {
	t := make([]Target, len(ids))
	for i, id := range ids {
		t[i] = Target{Node: id, Kind: kind}
	}
	return t
}
