// Package version implements the hybrid logical clock that orders updates to a
// single key across nodes.
package version

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arya-analytics/quartz/internal/node"
)

// Token is a reading of a hybrid logical clock. Tokens are totally ordered by
// wall time, then logical counter, then issuing node.
type Token struct {
	Wall    int64
	Logical uint32
	Node    node.ID
}

// IsZero returns true if the token was never issued.
func (t Token) IsZero() bool { return t == Token{} }

// Compare returns -1, 0 or 1 if t is older than, equal to or newer than o.
func (t Token) Compare(o Token) int {
	switch {
	case t.Wall != o.Wall:
		return cmp(t.Wall < o.Wall)
	case t.Logical != o.Logical:
		return cmp(t.Logical < o.Logical)
	}
	return strings.Compare(string(t.Node), string(o.Node))
}

// NewerThan returns true if t orders after o.
func (t Token) NewerThan(o Token) bool { return t.Compare(o) > 0 }

// OlderThan returns true if t orders before o.
func (t Token) OlderThan(o Token) bool { return t.Compare(o) < 0 }

func (t Token) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Wall, t.Logical, t.Node.Short())
}

func cmp(less bool) int {
	if less {
		return -1
	}
	return 1
}

// Clock issues tokens that are strictly increasing on a node and that order
// after every token the node has observed.
type Clock struct {
	node node.ID
	now  func() int64
	mu   sync.Mutex
	last Token
}

// NewClock returns a clock issuing tokens on behalf of id.
func NewClock(id node.ID) *Clock {
	return &Clock{node: id, now: func() int64 { return time.Now().UnixNano() }}
}

// Now issues a new token.
func (c *Clock) Now() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wall := c.now(); wall > c.last.Wall {
		c.last = Token{Wall: wall}
	} else {
		c.last.Logical++
	}
	c.last.Node = c.node
	return c.last
}

// Observe advances the clock past t so that every token issued afterwards is
// newer than it.
func (c *Clock) Observe(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Wall > c.last.Wall || (t.Wall == c.last.Wall && t.Logical > c.last.Logical) {
		c.last.Wall, c.last.Logical = t.Wall, t.Logical
	}
}
