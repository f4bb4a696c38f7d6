// Package transport defines the point-to-point messaging contract the cluster and
// replication layers consume. Implementations live in transport/grpc (network) and
// internal/transport/mock (in-memory).
package transport

import (
	"context"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/cockroachdb/errors"
)

// ErrUnreachable is returned by Send when the target address has no handler bound
// to it, either because the node never existed or because it has left.
var ErrUnreachable = errors.New("target unreachable")

// Unary is a reliable request-response exchange between two nodes on a single
// topic. Handlers are invoked concurrently.
type Unary[REQ, RES any] interface {
	// Send delivers req to the node at addr and blocks until it replies or ctx
	// is done.
	Send(ctx context.Context, addr address.Address, req REQ) (RES, error)
	// Handle binds the handler for requests arriving on this transport. Only
	// the most recently bound handler is invoked.
	Handle(handle func(ctx context.Context, req REQ) (RES, error))
	// String returns a description of the transport implementation.
	String() string
}
