package kv

import (
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/transport"
	"github.com/cockroachdb/errors"
)

// Kind discriminates the messages of the replication protocol.
type Kind uint8

const (
	// KindNear is sent by the originator of an operation to a remote owner.
	KindNear Kind = iota + 1
	// KindForward is sent by a primary to its backups after applying an update.
	KindForward
	// KindAck answers every other kind.
	KindAck
	// KindRead asks the primary for the current value of a key.
	KindRead
)

func (k Kind) String() string {
	switch k {
	case KindNear:
		return "near"
	case KindForward:
		return "forward"
	case KindAck:
		return "ack"
	case KindRead:
		return "read"
	}
	return "unknown"
}

// Reason explains a negative acknowledgement.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonStaleTopology is returned by a receiver that no longer owns the
	// partition and holds a newer topology than the sender.
	ReasonStaleTopology
	// ReasonNotPrimary is returned by a receiver of a primary-forwarded near
	// message that is not the partition's primary.
	ReasonNotPrimary
	// ReasonNoDataNodes is returned when the partition has no owners.
	ReasonNoDataNodes
	// ReasonRejected is returned for malformed messages.
	ReasonRejected
	// ReasonInternal is returned when the receiver failed to apply the update.
	ReasonInternal
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonStaleTopology:
		return "stale topology"
	case ReasonNotPrimary:
		return "not primary"
	case ReasonNoDataNodes:
		return "no data nodes"
	case ReasonRejected:
		return "rejected"
	}
	return "internal"
}

// Message is the closed union of replication messages. Kind determines which
// fields are meaningful:
//
//   - KindNear: Operation, Token (direct multi-owner only), Origin, Partition,
//     Version.
//   - KindForward: Operation, Token, Origin, Partition, Version.
//   - KindRead: Operation.Key, Origin, Partition, Version.
//   - KindAck: Operation.Key, Partition, OK, Reason, Detail, Version of the
//     receiver, and for reads Found and Operation.Value.
type Message struct {
	Kind      Kind
	Operation Operation
	Token     Token
	Origin    node.ID
	Partition int
	Version   uint64
	OK        bool
	Found     bool
	Reason    Reason
	Detail    string
}

// Transport is the transport replication messages travel over.
type Transport = transport.Unary[Message, Message]

func (m Message) ack(version uint64) Message {
	return Message{
		Kind:      KindAck,
		Operation: Operation{Key: m.Operation.Key},
		Partition: m.Partition,
		Version:   version,
		OK:        true,
	}
}

func (m Message) nack(version uint64, err error) Message {
	a := m.ack(version)
	a.OK, a.Reason, a.Detail = false, reasonOf(err), err.Error()
	return a
}

// err converts a negative acknowledgement back into the error that caused it.
func (m Message) err() error {
	if m.OK {
		return nil
	}
	switch m.Reason {
	case ReasonStaleTopology:
		return errors.Wrap(ErrStaleTopology, m.Detail)
	case ReasonNotPrimary:
		return errors.Wrap(ErrNotPrimary, m.Detail)
	case ReasonNoDataNodes:
		return errors.Wrap(ErrNoDataNodes, m.Detail)
	}
	return errors.Newf("[kv] - remote node failed with reason %s: %s", m.Reason, m.Detail)
}

func reasonOf(err error) Reason {
	switch {
	case errors.Is(err, ErrStaleTopology):
		return ReasonStaleTopology
	case errors.Is(err, ErrNotPrimary):
		return ReasonNotPrimary
	case errors.Is(err, ErrNoDataNodes):
		return ReasonNoDataNodes
	case errors.Is(err, errRejected):
		return ReasonRejected
	}
	return ReasonInternal
}
