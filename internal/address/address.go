// Package address defines the network address type used to reach cluster members.
package address

import (
	"fmt"
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Address is a host:port pair identifying a node on the network. It is opaque to
// everything but the transport implementation.
type Address string

// Newf formats an address from the given format string and arguments.
func Newf(format string, args ...any) Address { return Address(fmt.Sprintf(format, args...)) }

// Host returns the host portion of the address.
func (a Address) Host() string {
	h, _, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a)
	}
	return h
}

// Port returns the numeric port of the address.
func (a Address) Port() (int, error) {
	_, p, err := net.SplitHostPort(string(a))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", a)
	}
	return strconv.Atoi(p)
}

// PortString returns the port of the address prefixed with a colon, suitable for
// passing to net.Listen.
func (a Address) PortString() string {
	_, p, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a)
	}
	return ":" + p
}

func (a Address) String() string { return string(a) }
