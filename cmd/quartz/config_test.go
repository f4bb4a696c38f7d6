package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/arya-analytics/quartz"
	"github.com/arya-analytics/quartz/internal/address"
	"github.com/arya-analytics/quartz/internal/metrics"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/arya-analytics/quartz/mock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeConfig(contents string) string {
	path := filepath.Join(GinkgoT().TempDir(), "quartz.yaml")
	Expect(os.WriteFile(path, []byte(contents), 0o600)).To(Succeed())
	return path
}

var _ = Describe("Config", func() {
	It("Should load a configuration file", func() {
		cfg, err := LoadConfig(writeConfig(`
node:
  id: node-1
  address: localhost:7071
  role: client
  peers: [localhost:7070]
  deployment_mode: shared
  included_properties:
    net.preferIPv4: "true"
cache:
  name: sessions
  partitions: 256
  backups: 0
  write_order: direct
  sync_mode: async
propagation:
  retry_interval: 50ms
  max_retries: 3
  failure_threshold: 5
membership:
  provider: memberlist
  bind_port: 7946
  seeds: [localhost:7947]
logging:
  level: debug
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Node.ID).To(Equal("node-1"))
		Expect(cfg.Node.Role).To(Equal("client"))
		Expect(cfg.peers()).To(Equal([]address.Address{"localhost:7070"}))
		Expect(cfg.Node.IncludedProperties).To(HaveKeyWithValue("net.preferIPv4", "true"))
		Expect(cfg.Cache.Partitions).To(Equal(256))
		Expect(*cfg.Cache.Backups).To(Equal(0))
		Expect(cfg.Propagation.RetryInterval).To(Equal(50 * time.Millisecond))
		Expect(cfg.Propagation.FailureThreshold).To(Equal(5))
		Expect(cfg.memberlist().Seeds).To(Equal([]string{"localhost:7947"}))
		Expect(cfg.memberlist().BindPort).To(Equal(7946))
		Expect(cfg.HTTP.Address).To(Equal(":9100"))
	})

	It("Should apply defaults to an empty file", func() {
		cfg, err := LoadConfig(writeConfig("{}"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Node.Address).To(Equal("localhost:7070"))
		Expect(cfg.Node.Role).To(Equal(string(node.RoleData)))
		Expect(cfg.Cache.Name).To(Equal(quartz.DefaultCache))
		Expect(cfg.Cache.Partitions).To(Equal(1024))
		Expect(*cfg.Cache.Backups).To(Equal(1))
		Expect(cfg.Cache.WriteOrder).To(Equal("primary"))
		Expect(cfg.Cache.SyncMode).To(Equal("sync"))
		Expect(cfg.Membership.Provider).To(Equal(membershipBuiltin))
		Expect(cfg.Logging.Level).To(Equal("info"))
	})

	DescribeTable("Should reject invalid configurations", func(contents, msg string) {
		_, err := LoadConfig(writeConfig(contents))
		Expect(err).To(MatchError(ContainSubstring(msg)))
	},
		Entry("role", "node: {role: observer}", `unknown role "observer"`),
		Entry("address", "node: {address: nowhere}", "node address"),
		Entry("write order", "cache: {write_order: sideways}", "sideways"),
		Entry("sync mode", "cache: {sync_mode: later}", "later"),
		Entry("provider", "membership: {provider: zookeeper}", "unknown membership provider"),
		Entry("logging level", "logging: {level: loud}", "logging level"),
		Entry("syntax", "node: [", "failed to parse config file"),
	)

	It("Should fail to load a missing file", func() {
		_, err := LoadConfig(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(MatchError(ContainSubstring("failed to read config file")))
	})

	It("Should build a logger at the configured level", func() {
		logger, err := LoggingConfig{Level: "warn"}.build()
		Expect(err).ToNot(HaveOccurred())
		Expect(logger.Core().Enabled(-1)).To(BeFalse())
	})

	It("Should open a node from the mapped options", func() {
		cfg, err := LoadConfig(writeConfig("cache: {partitions: 32, write_order: direct}"))
		Expect(err).ToNot(HaveOccurred())
		b := mock.NewBuilder(cfg.options()...)
		defer func() { Expect(b.Close()).To(Succeed()) }()
		db, err := b.New(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(db.Snapshot().Partitions()).To(Equal(32))
		Expect(db.Host().Attributes).To(HaveKeyWithValue(node.CacheAttr(quartz.DefaultCache, node.CacheSettingWriteOrder), "direct"))
	})
})

var _ = Describe("Handler", func() {
	It("Should serve health and metrics", func() {
		b := mock.NewBuilder()
		defer func() { Expect(b.Close()).To(Succeed()) }()
		id := node.NewID()
		m := metrics.New(id)
		db, err := b.New(context.Background(), quartz.WithID(id), quartz.WithMetrics(m))
		Expect(err).ToNot(HaveOccurred())
		srv := httptest.NewServer(handler(db, m))
		defer srv.Close()

		res, err := http.Get(srv.URL + "/healthz")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(res.Body.Close()).To(Succeed())

		res, err = http.Get(srv.URL + "/metrics")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(res.Body.Close()).To(Succeed())

		Expect(db.Leave(context.Background())).To(Succeed())
		res, err = http.Get(srv.URL + "/healthz")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.StatusCode).To(Equal(http.StatusServiceUnavailable))
		Expect(res.Body.Close()).To(Succeed())
	})
})
