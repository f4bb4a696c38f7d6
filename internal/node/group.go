package node

import (
	"sort"

	"github.com/arya-analytics/quartz/internal/address"
)

// Group is an ordered set of nodes. Order is meaningful: it is the order in which
// nodes were admitted, most senior first.
type Group []Node

// Where returns the nodes that satisfy cond, preserving order.
func (g Group) Where(cond func(Node) bool) Group {
	var res Group
	for _, n := range g {
		if cond(n) {
			res = append(res, n)
		}
	}
	return res
}

// WhereNot returns the group without the nodes with the given IDs.
func (g Group) WhereNot(ids ...ID) Group {
	return g.Where(func(n Node) bool {
		for _, id := range ids {
			if n.ID == id {
				return false
			}
		}
		return true
	})
}

// WhereRole returns the nodes advertising the given role.
func (g Group) WhereRole(r Role) Group { return g.Where(func(n Node) bool { return n.Role() == r }) }

// Get returns the node with the given ID.
func (g Group) Get(id ID) (Node, bool) {
	for _, n := range g {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Contains returns true if a node with the given ID is in the group.
func (g Group) Contains(id ID) bool {
	_, ok := g.Get(id)
	return ok
}

// IDs returns the IDs of the nodes in group order.
func (g Group) IDs() []ID {
	ids := make([]ID, len(g))
	for i, n := range g {
		ids[i] = n.ID
	}
	return ids
}

// SortedIDs returns the IDs of the nodes in lexical order.
func (g Group) SortedIDs() []ID {
	ids := g.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Addresses returns the addresses of the nodes in group order.
func (g Group) Addresses() []address.Address {
	addrs := make([]address.Address, len(g))
	for i, n := range g {
		addrs[i] = n.Address
	}
	return addrs
}

// Copy returns a copy of the group. Node attributes are shared.
func (g Group) Copy() Group {
	c := make(Group, len(g))
	copy(c, g)
	return c
}
