// Package affinity maps keys to partitions and partitions to their ordered owner
// lists. The mapping is a pure function of its inputs, so every node computing it
// over the same membership arrives at the same owners.
package affinity

import (
	"encoding/binary"
	"sort"

	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	defaultPartitions = 1024
	defaultBackups    = 1
	// maxPartitions bounds the partition count.
	maxPartitions = 1 << 16
)

// Function is the affinity contract consumed by the topology and the router.
type Function interface {
	// Partitions returns the fixed number of partitions.
	Partitions() int
	// Partition returns the partition the key belongs to.
	Partition(key []byte) int
	// Owners returns the ordered owners of the partition, primary first, chosen
	// from the data nodes in nodes.
	Owners(partition int, nodes node.Group) []node.ID
}

// Config configures the rendezvous affinity function.
type Config struct {
	// Partitions is the number of partitions the key space is split into. It is
	// fixed for the lifetime of a cache.
	Partitions int
	// Backups is the number of backup owners per partition. Zero is a valid value;
	// use the Backups field of DefaultConfig or set it explicitly.
	Backups int
}

// Merge fills in zero-valued partition counts from def.
func (cfg Config) Merge(def Config) Config {
	if cfg.Partitions == 0 {
		cfg.Partitions = def.Partitions
	}
	return cfg
}

// Validate returns an error if the configuration is not legal.
func (cfg Config) Validate() error {
	if cfg.Partitions <= 0 || cfg.Partitions > maxPartitions {
		return errors.Newf("partition count must be in (0, %d], got %d", maxPartitions, cfg.Partitions)
	}
	if cfg.Backups < 0 {
		return errors.Newf("backup count must be non-negative, got %d", cfg.Backups)
	}
	return nil
}

// DefaultConfig returns the default affinity configuration.
func DefaultConfig() Config { return Config{Partitions: defaultPartitions, Backups: defaultBackups} }

// Rendezvous assigns owners by highest random weight hashing. Each data node is
// scored against the partition and the highest scoring nodes own it. Removing a
// node that does not own a partition leaves that partition's owners, and their
// order, untouched.
type Rendezvous struct {
	Config
}

var _ Function = Rendezvous{}

// New returns a rendezvous affinity function.
func New(cfg Config) (Rendezvous, error) {
	cfg = cfg.Merge(DefaultConfig())
	return Rendezvous{Config: cfg}, cfg.Validate()
}

// Partitions implements Function.
func (r Rendezvous) Partitions() int { return r.Config.Partitions }

// Partition implements Function.
func (r Rendezvous) Partition(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(r.Config.Partitions))
}

// Owners implements Function. It returns min(backups+1, data node count) owners
// and an empty list when there are no data nodes.
func (r Rendezvous) Owners(partition int, nodes node.Group) []node.ID {
	data := nodes.WhereRole(node.RoleData)
	if len(data) == 0 {
		return nil
	}
	type scored struct {
		id    node.ID
		score uint64
	}
	scores := make([]scored, len(data))
	for i, n := range data {
		scores[i] = scored{id: n.ID, score: weight(partition, n.ID)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})
	count := r.Backups + 1
	if count > len(scores) {
		count = len(scores)
	}
	owners := make([]node.ID, count)
	for i := range owners {
		owners[i] = scores[i].id
	}
	return owners
}

func weight(partition int, id node.ID) uint64 {
	d := xxhash.New()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(partition))
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(string(id))
	return d.Sum64()
}
