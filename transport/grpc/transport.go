// Package grpc implements quartz's message transport over gRPC. Messages are
// CBOR encoded and every topic is served as a single unary method.
package grpc

import (
	"context"
	"net"
	"sync"

	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/transport"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const methodName = "Exchange"

// |||||| CORE ||||||

// pool keeps one client connection per peer address.
type pool struct {
	mu    sync.Mutex
	conns map[address.Address]*grpc.ClientConn
}

func newPool() *pool { return &pool{conns: make(map[address.Address]*grpc.ClientConn)} }

func (p *pool) acquire(addr address.Address) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(
		addr.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

func (p *pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for addr, c := range p.conns {
		err = errors.CombineErrors(err, c.Close())
		delete(p.conns, addr)
	}
	return err
}

// |||||| UNARY ||||||

// Unary is a transport.Unary served as a single gRPC method of its own
// service.
type Unary[REQ, RES any] struct {
	service string
	pool    *pool
	mu      sync.RWMutex
	handle  func(context.Context, REQ) (RES, error)
}

var _ transport.Unary[int, int] = (*Unary[int, int])(nil)

func newUnary[REQ, RES any](service string, p *pool) *Unary[REQ, RES] {
	return &Unary[REQ, RES]{service: service, pool: p}
}

// Send implements transport.Unary.
func (u *Unary[REQ, RES]) Send(ctx context.Context, addr address.Address, req REQ) (res RES, err error) {
	c, err := u.pool.acquire(addr)
	if err != nil {
		return res, errors.Wrapf(transport.ErrUnreachable, "%s: %v", addr, err)
	}
	err = c.Invoke(ctx, "/"+u.service+"/"+methodName, &req, &res)
	return res, fromStatus(err, addr)
}

// Handle implements transport.Unary.
func (u *Unary[REQ, RES]) Handle(handle func(context.Context, REQ) (RES, error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handle = handle
}

// String implements transport.Unary.
func (u *Unary[REQ, RES]) String() string { return "grpc" }

func (u *Unary[REQ, RES]) handler() func(context.Context, REQ) (RES, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.handle
}

func (u *Unary[REQ, RES]) serve(
	_ any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	var req REQ
	if err := dec(&req); err != nil {
		return nil, err
	}
	exec := func(ctx context.Context, req any) (any, error) {
		handle := u.handler()
		if handle == nil {
			return nil, status.Error(codes.Unavailable, "no handler bound")
		}
		res, err := handle(ctx, *req.(*REQ))
		if err != nil {
			return nil, toStatus(err)
		}
		return &res, nil
	}
	if interceptor == nil {
		return exec(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: u, FullMethod: "/" + u.service + "/" + methodName}
	return interceptor(ctx, &req, info, exec)
}

func (u *Unary[REQ, RES]) desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: u.service,
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{{MethodName: methodName, Handler: u.serve}},
		Metadata:    "quartz",
	}
}

// toStatus converts a handler error into a status the client side can map back
// onto transport errors.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	case errors.Is(err, transport.ErrUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

func fromStatus(err error, addr address.Address) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.Unavailable:
		return errors.Wrapf(transport.ErrUnreachable, "%s: %s", addr, s.Message())
	case codes.DeadlineExceeded:
		return errors.Wrapf(context.DeadlineExceeded, "%s", addr)
	case codes.Canceled:
		return errors.Wrapf(context.Canceled, "%s", addr)
	default:
		return errors.Newf("%s: %s", addr, s.Message())
	}
}

// |||||| TRANSPORT ||||||

// Transport serves the cluster and operations topics on a single gRPC server.
type Transport struct {
	logger     *zap.Logger
	pool       *pool
	server     *grpc.Server
	cluster    *Unary[cluster.Message, cluster.Message]
	operations *Unary[kv.Message, kv.Message]
	wg         sync.WaitGroup
}

// New returns a transport that starts serving once configured.
func New(logger *zap.Logger, opts ...grpc.ServerOption) *Transport {
	p := newPool()
	t := &Transport{
		logger:     logger,
		pool:       p,
		server:     grpc.NewServer(opts...),
		cluster:    newUnary[cluster.Message, cluster.Message]("quartz.Cluster", p),
		operations: newUnary[kv.Message, kv.Message]("quartz.Operations", p),
	}
	t.server.RegisterService(t.cluster.desc(), t.cluster)
	t.server.RegisterService(t.operations.desc(), t.operations)
	return t
}

// Configure listens on addr and starts serving.
func (t *Transport) Configure(ctx context.Context, addr address.Address) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr.String())
	if err != nil {
		return errors.Wrapf(err, "[grpc] - failed to listen on %s", addr)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("server stopped", zap.String("addr", addr.String()), zap.Error(err))
		}
	}()
	return nil
}

// Cluster returns the channel for membership messages.
func (t *Transport) Cluster() cluster.Transport { return t.cluster }

// Operations returns the channel for replication messages.
func (t *Transport) Operations() kv.Transport { return t.operations }

// Close stops the server and closes every client connection.
func (t *Transport) Close() error {
	t.server.Stop()
	t.wg.Wait()
	return t.pool.close()
}
