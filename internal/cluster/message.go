package cluster

import (
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/internal/transport"
)

// Kind discriminates the messages exchanged between members.
type Kind uint8

const (
	// KindJoin asks the coordinator to admit Node.
	KindJoin Kind = iota + 1
	// KindLeave asks the coordinator to remove Node.
	KindLeave
	// KindUpdate pushes a snapshot to a member.
	KindUpdate
	// KindSync opens a gossip exchange by advertising the sender's version.
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindUpdate:
		return "update"
	case KindSync:
		return "sync"
	}
	return "unknown"
}

// Message is the single envelope for all membership traffic. Which fields are
// meaningful depends on Kind.
type Message struct {
	Kind Kind
	// Node is the subject of a join or leave.
	Node node.Node
	// Version and Nodes describe a snapshot.
	Version uint64
	Nodes   node.Group
	// Admitted is set on join responses that carry a snapshot.
	Admitted bool
	// Reason explains a rejected join.
	Reason string
}

// Transport is the transport membership messages travel over.
type Transport = transport.Unary[Message, Message]
