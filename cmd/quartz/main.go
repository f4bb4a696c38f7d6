// Command quartz runs a single cache node configured from a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arya-analytics/quartz"
	"github.com/arya-analytics/quartz/discovery/etcd"
	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/cluster"
	"github.com/arya-analytics/quartz/internal/metrics"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/membership/memberlist"
	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func main() {
	path := flag.String("config", "quartz.yaml", "path to the configuration file")
	flag.Parse()
	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := node.ID(cfg.Node.ID)
	if id == "" {
		id = node.NewID()
	}
	addr := address.Address(cfg.Node.Address)
	m := metrics.New(id)
	opts := append(cfg.options(), quartz.WithID(id), quartz.WithLogger(logger), quartz.WithMetrics(m))

	if cfg.Membership.Provider == membershipMemberlist {
		mlCfg := cfg.memberlist()
		opts = append(opts, quartz.WithMembership(func(
			ctx context.Context,
			host node.Node,
			_ []address.Address,
			c cluster.Config,
		) (quartz.Membership, error) {
			return memberlist.Join(ctx, host, mlCfg.WithCluster(c))
		}))
	}

	peers := cfg.peers()
	var client *clientv3.Client
	if len(cfg.Discovery.Endpoints) > 0 {
		if client, err = etcd.NewClient(cfg.etcd(logger)); err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		regs, err := etcd.Peers(ctx, client, cfg.etcd(logger))
		if err != nil {
			return err
		}
		peers = append(peers, regs.Without(id)...)
	}
	if len(peers) == 0 || cfg.Membership.Provider == membershipMemberlist {
		opts = append(opts, quartz.Bootstrap())
	}

	db, err := quartz.Open(ctx, addr, peers, opts...)
	if err != nil {
		return err
	}
	logger.Info("node started",
		zap.String("id", id.String()),
		zap.String("addr", addr.String()),
		zap.Uint64("version", db.Snapshot().Version),
		zap.Int("members", len(db.Snapshot().Nodes)),
	)

	var registry *etcd.Registry
	if client != nil {
		if registry, err = etcd.Register(ctx, client, id, addr, cfg.etcd(logger)); err != nil {
			return errors.CombineErrors(err, db.Close())
		}
	}

	srv := &http.Server{Addr: cfg.HTTP.Address, Handler: handler(db, m)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	sCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if registry != nil {
		err = errors.CombineErrors(err, registry.Deregister(sCtx))
	}
	err = errors.CombineErrors(err, db.Leave(sCtx))
	err = errors.CombineErrors(err, srv.Shutdown(sCtx))
	return errors.CombineErrors(err, db.Close())
}

func handler(db quartz.DB, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := db.Snapshot()
		if !snap.Contains(db.Host().ID) {
			http.Error(w, "not a member", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, "ok version=%d members=%d\n", snap.Version, len(snap.Nodes))
	})
	return mux
}
