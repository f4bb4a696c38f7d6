package kv

import (
	"github.com/arya-analytics/quartz/internal/version"
	"github.com/cockroachdb/errors"
)

// Token orders updates to a single key.
type Token = version.Token

// Variant is the kind of update an operation applies.
type Variant uint8

const (
	// Set stores a value.
	Set Variant = iota
	// Delete removes a value, leaving a tombstone behind.
	Delete
)

func (v Variant) String() string {
	if v == Delete {
		return "delete"
	}
	return "set"
}

// Operation is a single update to a key.
type Operation struct {
	Key     []byte
	Value   []byte
	Variant Variant
}

func (o Operation) entry(tok Token) Entry {
	if o.Variant == Delete {
		return Entry{Token: tok, Tombstone: true}
	}
	return Entry{Value: o.Value, Token: tok}
}

// WriteOrder selects the replication strategy of a cache.
type WriteOrder uint8

const (
	// PrimaryForwarded routes every update through the partition's primary,
	// which forwards it to the backups.
	PrimaryForwarded WriteOrder = iota
	// DirectMultiOwner sends every update straight to all owners, which
	// arbitrate between concurrent updates by token.
	DirectMultiOwner
)

func (w WriteOrder) String() string {
	if w == DirectMultiOwner {
		return "direct"
	}
	return "primary"
}

// ParseWriteOrder parses the string form of a write order.
func ParseWriteOrder(s string) (WriteOrder, error) {
	switch s {
	case "primary", "":
		return PrimaryForwarded, nil
	case "direct":
		return DirectMultiOwner, nil
	}
	return 0, errors.Newf("[kv] - unknown write order %q", s)
}

// SyncMode selects when an update completes.
type SyncMode uint8

const (
	// FullSync completes once every required acknowledgement has arrived.
	FullSync SyncMode = iota
	// FireAndForget completes once messages are handed to the transport.
	FireAndForget
)

func (s SyncMode) String() string {
	if s == FireAndForget {
		return "async"
	}
	return "sync"
}

// ParseSyncMode parses the string form of a sync mode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "sync", "":
		return FullSync, nil
	case "async":
		return FireAndForget, nil
	}
	return 0, errors.Newf("[kv] - unknown sync mode %q", s)
}
