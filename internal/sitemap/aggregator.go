package sitemap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/snapshot"
)

// ErrPageNotFound is returned when a requested page is beyond the last
// page for its variant (spec.md §4.6 step 3: "Pages beyond the last
// return 404").
var ErrPageNotFound = errors.New("sitemap: page not found")

// Aggregator streams snapshots from the store, filters them by a site's
// robots policy and a variant predicate, and pages the result.
type Aggregator struct {
	store    *snapshot.Store
	resolver *siteconfig.Resolver
	now      func() time.Time

	memoTTL time.Duration
	memo    *memoCache
	metrics *metrics.Metrics
}

// WithMetrics attaches a Metrics collector. Optional.
func (a *Aggregator) WithMetrics(m *metrics.Metrics) *Aggregator {
	a.metrics = m
	return a
}

// New wires an Aggregator. memoTTL is spec.md's cache.sitemap value:
// generated pages may be memoized for up to that long under load.
func New(store *snapshot.Store, resolver *siteconfig.Resolver, memoTTL time.Duration) *Aggregator {
	return &Aggregator{
		store:    store,
		resolver: resolver,
		now:      time.Now,
		memoTTL:  memoTTL,
		memo:     newMemoCache(),
	}
}

// Page resolves req against the store, returning the matching page of
// snapshots plus the total page count for the variant.
func (a *Aggregator) Page(ctx context.Context, req Request) (PageResult, error) {
	if req.Page < 1 {
		req.Page = 1
	}

	key := memoKey{site: req.Site, variant: req.Variant, page: req.Page}
	if cached, ok := a.memo.get(key, a.now()); ok {
		return cached, nil
	}

	scanStart := a.now()
	filtered, err := a.collectFiltered(ctx, req.Site, req.Variant)
	if err != nil {
		return PageResult{}, err
	}
	if a.metrics != nil {
		a.metrics.RecordSitemapPage(req.Site, string(req.Variant), a.now().Sub(scanStart), len(filtered))
	}

	pageSize := req.Variant.PageSize()
	pageCount := pageCountFor(len(filtered), pageSize)
	if req.Page > pageCount {
		return PageResult{}, ErrPageNotFound
	}

	start := (req.Page - 1) * pageSize
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	result := PageResult{
		Snapshots:  filtered[start:end],
		PageCount:  pageCount,
		TotalCount: len(filtered),
	}
	a.memo.put(key, result, a.now().Add(a.memoTTL))
	return result, nil
}

// PageCount returns how many pages variant currently spans for site,
// for rendering a sitemapindex.
func (a *Aggregator) PageCount(ctx context.Context, site string, variant Variant) (int, error) {
	filtered, err := a.collectFiltered(ctx, site, variant)
	if err != nil {
		return 0, err
	}
	return pageCountFor(len(filtered), variant.PageSize()), nil
}

func pageCountFor(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// collectFiltered scans every snapshot for site and keeps the ones that
// pass both the site's robots policy and the variant predicate. Ordered
// by path, same order the store yields.
func (a *Aggregator) collectFiltered(ctx context.Context, site string, variant Variant) ([]*snapshot.Snapshot, error) {
	cfg, err := a.resolver.Resolve(ctx, site)
	if err != nil && !errors.Is(err, siteconfig.ErrNotFound) {
		return nil, fmt.Errorf("sitemap: resolve site config: %w", err)
	}
	var policy *siteconfig.RobotsPolicy
	if cfg != nil {
		policy = cfg.Robots
	}

	now := a.now()
	var out []*snapshot.Snapshot
	cursor := ""
	for {
		page, err := a.store.ScanBySite(ctx, site, cursor)
		if err != nil {
			return nil, fmt.Errorf("sitemap: scan site: %w", err)
		}
		for _, snap := range page.Snapshots {
			if !policy.Allows(snap.Key.Path) {
				continue
			}
			if !variant.Includes(snap, now) {
				continue
			}
			out = append(out, snap)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// Alternates groups variant's filtered snapshots for site by their
// Meta.Canonical value (falling back to each snapshot's own path when
// Canonical is unset) and returns, for every snapshot's own path, the set
// of locale -> path siblings sharing that canonical group. A page whose
// Meta.Locale is empty contributes to no group and gets no entry.
func (a *Aggregator) Alternates(ctx context.Context, site string, variant Variant) (map[string]map[string]string, error) {
	filtered, err := a.collectFiltered(ctx, site, variant)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]map[string]string)
	groupKeyByPath := make(map[string]string)
	for _, snap := range filtered {
		if snap.Meta.Locale == "" {
			continue
		}
		groupKey := snap.Meta.Canonical
		if groupKey == "" {
			groupKey = snap.Key.Path
		}
		if groups[groupKey] == nil {
			groups[groupKey] = make(map[string]string)
		}
		groups[groupKey][snap.Meta.Locale] = snap.Key.Path
		groupKeyByPath[snap.Key.Path] = groupKey
	}

	alternates := make(map[string]map[string]string, len(groupKeyByPath))
	for path, groupKey := range groupKeyByPath {
		if byLocale := groups[groupKey]; len(byLocale) > 1 {
			alternates[path] = byLocale
		}
	}
	return alternates, nil
}

// Invalidate clears every memoized page for site, used when a site's
// configuration or content changes in a way that would alter sitemap
// output before the TTL naturally expires.
func (a *Aggregator) Invalidate(site string) {
	a.memo.deleteSite(site)
}
