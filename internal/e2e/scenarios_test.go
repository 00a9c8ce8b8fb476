package e2e

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/coordinator"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

var snapshotColumns = []string{"document", "private_expires", "shared_expires", "rendered_at", "updated_at", "last_accessed_at"}

var _ = Describe("cold fetch", func() {
	It("publishes exactly one render job and persists the worker's reply", func() {
		h := newGatewayHarness(GinkgoT(), time.Second)
		ctx := context.Background()

		h.snapshots.ExpectQuery("SELECT document").WillReturnError(pgx.ErrNoRows)
		h.snapshots.ExpectExec("INSERT INTO snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))

		go h.actAsWorker(ctx, GinkgoT(), func(job bus.RenderJob) *snapshot.Snapshot {
			now := time.Now()
			return &snapshot.Snapshot{
				Key:            snapshot.Key{Site: "https://ex.com", Path: "/a", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML},
				Status:         200,
				Content:        []byte("<h1>a</h1>"),
				PrivateExpires: now.Add(3 * time.Minute),
				SharedExpires:  now.Add(24 * time.Hour),
				Times:          snapshot.Times{RenderedAt: now},
			}
		})

		res, err := h.coord.Render(ctx, coordinator.Input{Site: "https://ex.com", Path: "/a", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Source).To(Equal("updated"))
		Expect(res.StatusCode).To(Equal(200))
		Expect(res.Snapshot.Content).To(Equal([]byte("<h1>a</h1>")))

		Expect(h.snapshots.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("warm fresh", func() {
	It("serves the cached snapshot without touching the worker bus", func() {
		h := newGatewayHarness(GinkgoT(), time.Second)
		ctx := context.Background()

		now := time.Now()
		rows := pgxmock.NewRows(snapshotColumns).
			AddRow(snapshotDoc(200, "<h1>cached</h1>"), now.Add(time.Hour), now.Add(2*time.Hour), now, now, now)
		h.snapshots.ExpectQuery("SELECT document").WillReturnRows(rows)
		h.snapshots.ExpectExec("UPDATE snapshots SET last_accessed_at").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		res, err := h.coord.Render(ctx, coordinator.Input{Site: "https://ex.com", Path: "/fresh", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Source).To(Equal("fresh"))
		Expect(res.StatusCode).To(Equal(200))

		// No render job was ever published: a second actAsWorker subscriber
		// would simply never receive anything, so instead we assert the
		// registry never saw a fingerprint begin.
		Expect(h.registry.Len()).To(Equal(0))
		Expect(h.snapshots.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("stale while revalidate", func() {
	It("serves stale content immediately and refreshes in the background", func() {
		h := newGatewayHarness(GinkgoT(), time.Second)
		ctx := context.Background()

		now := time.Now()
		staleRows := pgxmock.NewRows(snapshotColumns).
			AddRow(snapshotDoc(200, "<h1>stale</h1>"), now.Add(-time.Minute), now.Add(time.Hour), now.Add(-10*time.Minute), now.Add(-10*time.Minute), now)
		h.snapshots.ExpectQuery("SELECT document").WillReturnRows(staleRows)
		h.snapshots.ExpectExec("UPDATE snapshots SET last_accessed_at").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		// backgroundRefresh calls renderFresh directly (it already knows
		// the snapshot is stale), so the only further store traffic is the
		// worker's eventual reply landing via Put.
		h.snapshots.ExpectExec("INSERT INTO snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))

		go h.actAsWorker(ctx, GinkgoT(), func(job bus.RenderJob) *snapshot.Snapshot {
			refreshed := time.Now()
			return &snapshot.Snapshot{
				Key:            snapshot.Key{Site: "https://ex.com", Path: "/stale", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML},
				Status:         200,
				Content:        []byte("<h1>refreshed</h1>"),
				PrivateExpires: refreshed.Add(3 * time.Minute),
				SharedExpires:  refreshed.Add(24 * time.Hour),
				Times:          snapshot.Times{RenderedAt: refreshed},
			}
		})

		res, err := h.coord.Render(ctx, coordinator.Input{Site: "https://ex.com", Path: "/stale", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Source).To(Equal("stale-revalidating"))
		Expect(res.Snapshot.Content).To(Equal([]byte("<h1>stale</h1>")))

		Eventually(func() error {
			return h.snapshots.ExpectationsWereMet()
		}, 2*time.Second, 10*time.Millisecond).Should(Succeed())
	})
})

var _ = Describe("dedup under burst", func() {
	It("collapses concurrent requests for the same key into one render job", func() {
		h := newGatewayHarness(GinkgoT(), 2*time.Second)
		ctx := context.Background()

		const callers = 100
		// Every concurrent Render call misses the cache the same way; only
		// the leader's successful reply ever reaches store.Put.
		for i := 0; i < callers; i++ {
			h.snapshots.ExpectQuery("SELECT document").WillReturnError(pgx.ErrNoRows)
		}
		h.snapshots.ExpectExec("INSERT INTO snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))

		go h.actAsWorker(ctx, GinkgoT(), func(job bus.RenderJob) *snapshot.Snapshot {
			now := time.Now()
			return &snapshot.Snapshot{
				Key:            snapshot.Key{Site: "https://ex.com", Path: "/burst", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML},
				Status:         200,
				Content:        []byte("<h1>one render</h1>"),
				PrivateExpires: now.Add(3 * time.Minute),
				SharedExpires:  now.Add(24 * time.Hour),
				Times:          snapshot.Times{RenderedAt: now},
			}
		})

		var wg sync.WaitGroup
		results := make([]coordinator.Result, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx], errs[idx] = h.coord.Render(ctx, coordinator.Input{
					Site: "https://ex.com", Path: "/burst", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML,
				})
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(results[i].Snapshot.Content).To(Equal([]byte("<h1>one render</h1>")))
		}
		Expect(h.snapshots.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("worker timeout and sweep", func() {
	It("fails the stuck render and lets the next request start a fresh job", func() {
		h := newGatewayHarness(GinkgoT(), 50*time.Millisecond)
		ctx := context.Background()

		h.snapshots.ExpectQuery("SELECT document").WillReturnError(pgx.ErrNoRows)

		_, err := h.coord.Render(ctx, coordinator.Input{Site: "https://ex.com", Path: "/wedged", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML})
		Expect(err).To(HaveOccurred())
		gwErr, ok := err.(*coordinator.Error)
		Expect(ok).To(BeTrue())
		Expect(gwErr.Kind).To(Equal("SERVER_WORKER_TIMEOUT"))

		Eventually(func() int { return h.registry.Len() }, time.Second, 5*time.Millisecond).Should(Equal(0))

		h.snapshots.ExpectQuery("SELECT document").WillReturnError(pgx.ErrNoRows)
		h.snapshots.ExpectExec("INSERT INTO snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))

		go h.actAsWorker(ctx, GinkgoT(), func(job bus.RenderJob) *snapshot.Snapshot {
			now := time.Now()
			return &snapshot.Snapshot{
				Key:            snapshot.Key{Site: "https://ex.com", Path: "/wedged", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML},
				Status:         200,
				PrivateExpires: now.Add(3 * time.Minute),
				SharedExpires:  now.Add(24 * time.Hour),
				Times:          snapshot.Times{RenderedAt: now},
			}
		})

		res, err := h.coord.Render(ctx, coordinator.Input{Site: "https://ex.com", Path: "/wedged", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Source).To(Equal("updated"))
	})
})

var _ = Describe("sitemap paging at scale", func() {
	// addScanExpectations seeds one full collectFiltered scan across total
	// matching snapshots, batched the way ScanBySite actually pages: full
	// 1000-row batches, and, whenever total lands on an exact multiple of
	// the 1000-row page size, one trailing empty batch to clear the
	// cursor (snapshot.PostgresStore.ScanBySite only zeroes NextCursor
	// once a batch comes back short).
	addScanExpectations := func(mock pgxmock.PgxPoolIface, site string, total int) {
		const batchSize = 1000
		cols := []string{"path", "device_type", "kind", "document", "private_expires", "shared_expires", "rendered_at", "updated_at", "last_accessed_at"}
		now := time.Now()
		remaining := total
		for remaining > 0 {
			n := batchSize
			if remaining < n {
				n = remaining
			}
			rows := pgxmock.NewRows(cols)
			for i := 0; i < n; i++ {
				path := fmt.Sprintf("/p/%08d", total-remaining+i)
				rows.AddRow(path, "desktop", "html", snapshotDoc(200, "<h1>"+path+"</h1>"), now.Add(time.Hour), now.Add(2*time.Hour), now, now, now)
			}
			mock.ExpectQuery("SELECT path, device_type, kind, document").WillReturnRows(rows)
			remaining -= n
		}
		if total%batchSize == 0 {
			mock.ExpectQuery("SELECT path, device_type, kind, document").WillReturnRows(pgxmock.NewRows(cols))
		}
	}

	It("paginates a large site's snapshots at 50,000 URLs per page", func() {
		h := newGatewayHarness(GinkgoT(), time.Second)
		ctx := context.Background()
		const site = "https://bigsite.example"
		const total = 120000 // matches production scale: 2 full 50,000 pages plus a 20,000 remainder

		h.noSiteConfig()
		addScanExpectations(h.snapshots, site, total)
		page1, err := h.aggregator.Page(ctx, sitemap.Request{Site: site, Variant: sitemap.VariantPlain, Page: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(page1.Snapshots).To(HaveLen(sitemap.VariantPlain.PageSize()))
		Expect(page1.PageCount).To(Equal(3))
		Expect(page1.TotalCount).To(Equal(total))

		addScanExpectations(h.snapshots, site, total)
		page3, err := h.aggregator.Page(ctx, sitemap.Request{Site: site, Variant: sitemap.VariantPlain, Page: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(page3.Snapshots).To(HaveLen(total - 2*sitemap.VariantPlain.PageSize()))

		addScanExpectations(h.snapshots, site, total)
		_, err = h.aggregator.Page(ctx, sitemap.Request{Site: site, Variant: sitemap.VariantPlain, Page: 4})
		Expect(err).To(MatchError(sitemap.ErrPageNotFound))

		Expect(h.snapshots.ExpectationsWereMet()).To(Succeed())
	})

	It("leaves an uneven trailing batch uncleared until ScanBySite returns short", func() {
		h := newGatewayHarness(GinkgoT(), time.Second)
		ctx := context.Background()
		const site = "https://midsite.example"
		const total = 1500 // one full batch plus a short one: no trailing empty query needed

		h.noSiteConfig()
		addScanExpectations(h.snapshots, site, total)
		res, err := h.aggregator.Page(ctx, sitemap.Request{Site: site, Variant: sitemap.VariantPlain, Page: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.TotalCount).To(Equal(total))
		Expect(res.PageCount).To(Equal(1))

		Expect(h.snapshots.ExpectationsWereMet()).To(Succeed())
	})
})
