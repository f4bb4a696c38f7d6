// Package gate decides whether a joining node may be admitted to the cluster.
// Replication assumes every owner of a partition behaves identically, so a node
// whose join-sensitive attributes differ from the cluster's is turned away before
// it ever receives a topology snapshot.
package gate

import (
	"fmt"

	"github.com/arya-analytics/quartz/internal/node"
	"github.com/cockroachdb/errors"
)

// ErrRejected is matched by every rejection returned from Validate.
var ErrRejected = errors.New("join rejected")

const absent = "<absent>"

// Rule is a single join-sensitive attribute together with the way it is
// compared.
type Rule struct {
	// Attribute is the attribute key compared by the rule.
	Attribute string
	// Name is the human readable name used in rejection messages.
	Name string
	// Equal reports whether the local and remote values are compatible. ok flags
	// report presence. If nil, values must be equal and present on both sides or
	// absent on both.
	Equal func(local string, localOK bool, remote string, remoteOK bool) bool
}

func (r Rule) equal(local string, localOK bool, remote string, remoteOK bool) bool {
	if r.Equal != nil {
		return r.Equal(local, localOK, remote, remoteOK)
	}
	return localOK == remoteOK && local == remote
}

// Rejection describes the attribute that caused a join to be rejected.
type Rejection struct {
	Attribute string
	Name      string
	Local     string
	Remote    string
}

// Error implements error.
func (r *Rejection) Error() string {
	return fmt.Sprintf("remote node has %s different from local [local=%s, remote=%s]", r.Name, r.Local, r.Remote)
}

// Is makes every rejection match ErrRejected.
func (r *Rejection) Is(target error) bool { return target == ErrRejected }

// Gate evaluates an ordered list of rules. The first failing rule determines the
// rejection.
type Gate struct {
	Rules []Rule
}

// New returns a gate evaluating rules in order.
func New(rules ...Rule) Gate { return Gate{Rules: rules} }

// Default returns a gate comparing deployment mode, the peer class loading flag
// and the value of each included property.
func Default(includedProperties ...string) Gate {
	g := New(DeploymentMode(), PeerClassLoading())
	for _, p := range includedProperties {
		g.Rules = append(g.Rules, Property(p))
	}
	return g
}

// With returns a copy of the gate with rules appended.
func (g Gate) With(rules ...Rule) Gate {
	return Gate{Rules: append(append([]Rule(nil), g.Rules...), rules...)}
}

// Validate compares the candidate's attributes against the cluster's. It returns
// nil if the candidate may be admitted, or a *Rejection naming the first
// mismatching attribute.
func (g Gate) Validate(candidate, cluster node.Attributes) error {
	for _, r := range g.Rules {
		local, localOK := cluster.Get(r.Attribute)
		remote, remoteOK := candidate.Get(r.Attribute)
		if r.equal(local, localOK, remote, remoteOK) {
			continue
		}
		return &Rejection{
			Attribute: r.Attribute,
			Name:      r.Name,
			Local:     render(local, localOK),
			Remote:    render(remote, remoteOK),
		}
	}
	return nil
}

func render(v string, ok bool) string {
	if !ok {
		return absent
	}
	return v
}

// |||||| RULES ||||||

// DeploymentMode compares the deployment mode attribute.
func DeploymentMode() Rule {
	return Rule{Attribute: node.AttrDeploymentMode, Name: "deployment mode"}
}

// PeerClassLoading compares the peer class loading flag. An absent flag is
// treated as disabled.
func PeerClassLoading() Rule {
	return Rule{
		Attribute: node.AttrPeerClassLoading,
		Name:      "peer class loading enabled flag",
		Equal: func(local string, _ bool, remote string, _ bool) bool {
			return parseFlag(local) == parseFlag(remote)
		},
	}
}

// Property compares an included property by value.
func Property(name string) Rule {
	return Rule{Attribute: node.PropertyAttr(name), Name: fmt.Sprintf("value of %q property", name)}
}

// Cache returns the rules comparing the settings of the named cache that every
// node hosting it must agree on. Nodes that do not advertise the cache at all
// are admitted.
func Cache(name string) []Rule {
	settings := []struct{ key, name string }{
		{node.CacheSettingPartitions, "partition count"},
		{node.CacheSettingBackups, "backup count"},
		{node.CacheSettingWriteOrder, "write order mode"},
	}
	rules := make([]Rule, len(settings))
	for i, s := range settings {
		rules[i] = Rule{
			Attribute: node.CacheAttr(name, s.key),
			Name:      fmt.Sprintf("cache %q %s", name, s.name),
			Equal: func(local string, localOK bool, remote string, remoteOK bool) bool {
				return !localOK || !remoteOK || local == remote
			},
		}
	}
	return rules
}

func parseFlag(v string) bool { return v == "true" || v == "1" }
