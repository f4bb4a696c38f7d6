package kv

import (
	"encoding/binary"
	"sync"

	"github.com/arya-analytics/quartz/internal/version"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Entry is the stored state of a key. A removed key is kept as a tombstone so
// that an older update arriving late cannot resurrect it.
type Entry struct {
	Value     []byte `cbor:"1,keyasint,omitempty"`
	Token     Token  `cbor:"2,keyasint"`
	Tombstone bool   `cbor:"3,keyasint,omitempty"`
}

const lockStripes = 64

// Engine stores the entries of the partitions a node owns in an in-memory
// pebble instance. Mutations to a partition are applied in a single order.
type Engine struct {
	db    *pebble.DB
	locks [lockStripes]sync.Mutex
}

// OpenEngine opens an empty engine.
func OpenEngine(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open("quartz", &pebble.Options{
		FS:     vfs.NewMem(),
		Logger: logger.Named("pebble").Sugar(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "[kv] - failed to open engine")
	}
	return &Engine{db: db}, nil
}

// Get returns the entry stored for key in partition p, tombstones included.
func (e *Engine) Get(p int, key []byte) (Entry, bool, error) {
	return e.get(entryKey(p, key))
}

// Apply stores next if its token is newer than that of the stored entry. It
// returns false if next was discarded.
func (e *Engine) Apply(p int, key []byte, next Entry) (bool, error) {
	mu := e.lock(p)
	defer mu.Unlock()
	k := entryKey(p, key)
	prev, ok, err := e.get(k)
	if err != nil {
		return false, err
	}
	if ok && !next.Token.NewerThan(prev.Token) {
		return false, nil
	}
	return true, e.set(k, next)
}

// Assign applies op with a token issued by clock after it has observed the
// stored entry's token, so the update always wins. It returns the stored entry.
func (e *Engine) Assign(p int, op Operation, clock *version.Clock) (Entry, error) {
	mu := e.lock(p)
	defer mu.Unlock()
	k := entryKey(p, op.Key)
	prev, ok, err := e.get(k)
	if err != nil {
		return Entry{}, err
	}
	if ok {
		clock.Observe(prev.Token)
	}
	next := op.entry(clock.Now())
	return next, e.set(k, next)
}

// Scan calls f with every live entry in partition p in key order.
func (e *Engine) Scan(p int, f func(key []byte, entry Entry) error) error {
	lower, upper := bounds(p)
	return e.iterate(lower, upper, func(k []byte, ent Entry) error {
		if ent.Tombstone {
			return nil
		}
		return f(k[partitionPrefixLen:], ent)
	})
}

// Len returns the number of live entries across all partitions.
func (e *Engine) Len() (int, error) {
	n := 0
	err := e.iterate(nil, nil, func(_ []byte, ent Entry) error {
		if !ent.Tombstone {
			n++
		}
		return nil
	})
	return n, err
}

// Drop discards every entry in partition p.
func (e *Engine) Drop(p int) error {
	mu := e.lock(p)
	defer mu.Unlock()
	lower, upper := bounds(p)
	return e.db.DeleteRange(lower, upper, pebble.NoSync)
}

// Close releases the engine's resources.
func (e *Engine) Close() error { return e.db.Close() }

func (e *Engine) lock(p int) *sync.Mutex {
	mu := &e.locks[p%lockStripes]
	mu.Lock()
	return mu
}

func (e *Engine) get(k []byte) (Entry, bool, error) {
	b, closer, err := e.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	defer func() { _ = closer.Close() }()
	var ent Entry
	if err := cbor.Unmarshal(b, &ent); err != nil {
		return Entry{}, false, errors.Wrap(err, "[kv] - corrupt entry")
	}
	return ent, true, nil
}

func (e *Engine) set(k []byte, ent Entry) error {
	b, err := cbor.Marshal(ent)
	if err != nil {
		return err
	}
	return e.db.Set(k, b, pebble.NoSync)
}

func (e *Engine) iterate(lower, upper []byte, f func(k []byte, ent Entry) error) error {
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var ent Entry
		if err := cbor.Unmarshal(iter.Value(), &ent); err != nil {
			_ = iter.Close()
			return errors.Wrap(err, "[kv] - corrupt entry")
		}
		if err := f(append([]byte(nil), iter.Key()...), ent); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return iter.Close()
}

const partitionPrefixLen = 4

func entryKey(p int, key []byte) []byte {
	k := make([]byte, partitionPrefixLen, partitionPrefixLen+len(key))
	binary.BigEndian.PutUint32(k, uint32(p))
	return append(k, key...)
}

func bounds(p int) (lower, upper []byte) {
	return entryKey(p, nil), entryKey(p+1, nil)
}
