// Package node defines the identity every cluster member advertises.
package node

import (
	"strconv"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/google/uuid"
)

// ID uniquely and stably identifies a node for its lifetime.
type ID string

// NewID generates a random node ID.
func NewID() ID { return ID(uuid.NewString()) }

// Short returns the first eight characters of the ID for log output.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

func (id ID) String() string { return string(id) }

// Role is the distribution role of a node.
type Role string

const (
	// RoleData nodes store partitions and are eligible to be owners.
	RoleData Role = "data"
	// RoleClient nodes store nothing and only originate operations.
	RoleClient Role = "client"
)

// Well-known attribute keys. Attributes outside of these are free-form.
const (
	AttrRole             = "quartz.role"
	AttrDeploymentMode   = "quartz.deployment.mode"
	AttrPeerClassLoading = "quartz.peer.classloading"
	// AttrPropertyPrefix prefixes every included property a node advertises.
	AttrPropertyPrefix = "quartz.prop."
)

// PropertyAttr returns the attribute key under which the named included property
// is advertised.
func PropertyAttr(name string) string { return AttrPropertyPrefix + name }

// Attributes is the set of name-value pairs a node advertises when it joins.
type Attributes map[string]string

// Get returns the value of the attribute and whether it is present.
func (a Attributes) Get(key string) (string, bool) {
	v, ok := a[key]
	return v, ok
}

// Bool parses the attribute as a boolean. Absent or malformed values are false.
func (a Attributes) Bool(key string) bool {
	b, _ := strconv.ParseBool(a[key])
	return b
}

// Copy returns a shallow copy of the attributes.
func (a Attributes) Copy() Attributes {
	c := make(Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Node is the identity of a cluster member.
type Node struct {
	ID         ID
	Address    address.Address
	Attributes Attributes
}

// Role returns the distribution role the node advertises. Nodes that do not
// advertise a role are data nodes.
func (n Node) Role() Role {
	if r, ok := n.Attributes.Get(AttrRole); ok {
		return Role(r)
	}
	return RoleData
}

// IsData returns true if the node is eligible to own partitions.
func (n Node) IsData() bool { return n.Role() == RoleData }

// Cache setting names advertised under CacheAttr.
const (
	CacheSettingPartitions = "partitions"
	CacheSettingBackups    = "backups"
	CacheSettingWriteOrder = "write.order"
)

// CacheAttr returns the attribute key under which a node advertises a setting of
// the named cache.
func CacheAttr(cache, setting string) string { return "quartz.cache." + cache + "." + setting }
