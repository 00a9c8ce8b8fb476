package e2e

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"go.uber.org/zap"

	. "github.com/onsi/gomega"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/coordinator"
	"github.com/kasha/gateway/internal/events"
	"github.com/kasha/gateway/internal/pending"
	redisutil "github.com/kasha/gateway/internal/redisutil"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

// harnessT is the subset of testing.TB (also satisfied by ginkgo's
// GinkgoT()) that the harness needs for cleanup/logging hooks.
type harnessT interface {
	Helper()
	Cleanup(func())
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// gatewayHarness wires a Coordinator and a sitemap Aggregator against a
// mocked Postgres and a miniredis-backed bus, close enough to a real
// deployment that the freshness and paging logic runs unmodified.
type gatewayHarness struct {
	snapshots  pgxmock.PgxPoolIface
	siteConfig pgxmock.PgxPoolIface

	coord      *coordinator.Coordinator
	registry   *pending.Registry
	resolver   *siteconfig.Resolver
	aggregator *sitemap.Aggregator

	simWorker *redisutil.Client
}

func newGatewayHarness(t harnessT, workerTimeout time.Duration) *gatewayHarness {
	t.Helper()
	logger := zap.NewNop()

	snapMock, err := pgxmock.NewPool()
	Expect(err).NotTo(HaveOccurred())
	snapPG := snapshot.NewPostgresStoreWithPool(snapMock, "snapshots")
	store := snapshot.NewStore(snapPG, nil)

	siteMock, err := pgxmock.NewPool()
	Expect(err).NotTo(HaveOccurred())
	sitePG := siteconfig.NewPostgresStoreWithPool(siteMock, "site_configs")
	resolver := siteconfig.NewResolver(sitePG, siteconfig.DefaultTTL)

	mr := miniredis.RunT(t)
	writer, err := redisutil.NewClient(config.BusConnConfig{Addr: mr.Addr()}, logger)
	Expect(err).NotTo(HaveOccurred())
	reader, err := redisutil.NewClient(config.BusConnConfig{Addr: mr.Addr()}, logger)
	Expect(err).NotTo(HaveOccurred())
	simWorker, err := redisutil.NewClient(config.BusConnConfig{Addr: mr.Addr()}, logger)
	Expect(err).NotTo(HaveOccurred())
	t.Cleanup(func() { _ = writer.Close(); _ = reader.Close(); _ = simWorker.Close() })

	workerBus := bus.New(writer, reader, logger)
	registry := pending.NewRegistry(workerTimeout)

	coord := coordinator.New(store, registry, workerBus, &events.NoopEmitter{}, logger, coordinator.Config{
		MaxAge:        3 * time.Minute,
		SMaxAge:       24 * time.Hour,
		WorkerTimeout: workerTimeout,
	}, "e2e-instance")
	Expect(coord.Start(context.Background())).To(Succeed())

	aggregator := sitemap.New(store, resolver, time.Minute)

	return &gatewayHarness{
		snapshots:  snapMock,
		siteConfig: siteMock,
		coord:      coord,
		registry:   registry,
		resolver:   resolver,
		aggregator: aggregator,
		simWorker:  simWorker,
	}
}

// actAsWorker waits for the next published render job and replies with a
// successful snapshot built from the job's own URL, so the content
// returned to the caller is traceable back to the request that caused it.
func (h *gatewayHarness) actAsWorker(ctx context.Context, t harnessT, build func(job bus.RenderJob) *snapshot.Snapshot) {
	t.Helper()
	sub := h.simWorker.Subscribe(ctx, bus.JobsTopic)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	Expect(err).NotTo(HaveOccurred())

	msg, err := sub.ReceiveMessage(ctx)
	Expect(err).NotTo(HaveOccurred())

	var job bus.RenderJob
	Expect(json.Unmarshal([]byte(msg.Payload), &job)).To(Succeed())

	reply := bus.RenderReply{CorrelationID: job.CorrelationID, OK: true, Snapshot: build(job)}
	raw, err := json.Marshal(reply)
	Expect(err).NotTo(HaveOccurred())
	Expect(h.simWorker.Publish(ctx, job.ReplyTopic, raw)).To(Succeed())
}

// noSiteConfig arranges for the next site-config lookup to miss, which is
// how collectFiltered and the HTTP front both treat an unconfigured host:
// everything allowed, no rewrite, no robots restriction.
func (h *gatewayHarness) noSiteConfig() {
	h.siteConfig.ExpectQuery("SELECT document").WillReturnError(pgx.ErrNoRows)
}

func snapshotDoc(status int, content string) []byte {
	raw, _ := json.Marshal(struct {
		Status  int    `json:"status"`
		Content []byte `json:"content,omitempty"`
	}{Status: status, Content: []byte(content)})
	return raw
}
