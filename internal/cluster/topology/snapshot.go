// Package topology holds the versioned, immutable view of cluster membership and
// partition ownership that routing decisions are made against.
package topology

import (
	"github.com/arya-analytics/quartz/internal/affinity"
	"github.com/arya-analytics/quartz/internal/node"
)

// Snapshot is an immutable view of cluster membership at a particular version.
// Owner lists for every partition are computed when the snapshot is built, so two
// snapshots with the same version and nodes answer every query identically.
type Snapshot struct {
	// Version increases by one with every membership change.
	Version uint64
	// Nodes is the membership in admission order, most senior first.
	Nodes  node.Group
	aff    affinity.Function
	owners [][]node.ID
}

// New builds a snapshot of nodes at version, computing partition owners with aff.
func New(version uint64, nodes node.Group, aff affinity.Function) *Snapshot {
	s := &Snapshot{Version: version, Nodes: nodes.Copy(), aff: aff}
	s.owners = make([][]node.ID, aff.Partitions())
	for p := range s.owners {
		s.owners[p] = aff.Owners(p, s.Nodes)
	}
	return s
}

// Partitions returns the number of partitions.
func (s *Snapshot) Partitions() int { return len(s.owners) }

// Partition returns the partition key maps to.
func (s *Snapshot) Partition(key []byte) int { return s.aff.Partition(key) }

// Owners returns the ordered owners of partition p, primary first. The returned
// slice must not be modified.
func (s *Snapshot) Owners(p int) []node.ID { return s.owners[p] }

// Primary returns the primary owner of partition p. It returns false if the
// partition has no owners.
func (s *Snapshot) Primary(p int) (node.ID, bool) {
	if len(s.owners[p]) == 0 {
		return "", false
	}
	return s.owners[p][0], true
}

// Backups returns the backup owners of partition p.
func (s *Snapshot) Backups(p int) []node.ID {
	if len(s.owners[p]) == 0 {
		return nil
	}
	return s.owners[p][1:]
}

// IsOwner returns true if id owns partition p as primary or backup.
func (s *Snapshot) IsOwner(p int, id node.ID) bool {
	for _, o := range s.owners[p] {
		if o == id {
			return true
		}
	}
	return false
}

// IsPrimary returns true if id is the primary owner of partition p.
func (s *Snapshot) IsPrimary(p int, id node.ID) bool {
	pr, ok := s.Primary(p)
	return ok && pr == id
}

// Node returns the member with the given ID.
func (s *Snapshot) Node(id node.ID) (node.Node, bool) { return s.Nodes.Get(id) }

// Contains returns true if id is a member.
func (s *Snapshot) Contains(id node.ID) bool { return s.Nodes.Contains(id) }

// DataNodes returns the members eligible for partition ownership.
func (s *Snapshot) DataNodes() node.Group { return s.Nodes.WhereRole(node.RoleData) }

// Coordinator returns the most senior member, which admits joining nodes and
// publishes new snapshots. It returns false for an empty snapshot.
func (s *Snapshot) Coordinator() (node.Node, bool) {
	if len(s.Nodes) == 0 {
		return node.Node{}, false
	}
	return s.Nodes[0], true
}

// With returns the next snapshot with n appended as the most junior member. If n
// is already a member, the receiver is returned unchanged.
func (s *Snapshot) With(n node.Node) *Snapshot {
	if s.Contains(n.ID) {
		return s
	}
	return New(s.Version+1, append(s.Nodes.Copy(), n), s.aff)
}

// Without returns the next snapshot with the member id removed. If id is not a
// member, the receiver is returned unchanged.
func (s *Snapshot) Without(id node.ID) *Snapshot {
	if !s.Contains(id) {
		return s
	}
	return New(s.Version+1, s.Nodes.WhereNot(id), s.aff)
}
