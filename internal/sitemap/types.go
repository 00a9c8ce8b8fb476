// Package sitemap streams cached snapshots of a site into standards
// compliant sitemap/robots XML, paginated per spec.
package sitemap

import (
	"time"

	"github.com/kasha/gateway/internal/snapshot"
)

// Variant selects which sitemap schema and predicate to apply.
type Variant string

const (
	VariantPlain Variant = "plain"
	VariantGoogle Variant = "google"
	VariantNews  Variant = "news"
	VariantImage Variant = "image"
	VariantVideo Variant = "video"
)

// PageSize returns the per-page URL budget for v (§4.6: 50,000 for every
// variant except News, which is capped at 25,000).
func (v Variant) PageSize() int {
	if v == VariantNews {
		return 25000
	}
	return 50000
}

// newsFreshness bounds how recently a snapshot must have been published to
// qualify for the News variant.
const newsFreshness = 48 * time.Hour

// Includes reports whether snap qualifies for variant v.
func (v Variant) Includes(snap *snapshot.Snapshot, now time.Time) bool {
	if snap.Key.Type != snapshot.KindHTML || snap.Status != 200 {
		return false
	}
	switch v {
	case VariantPlain, VariantGoogle:
		return true
	case VariantNews:
		return !snap.Meta.PublishedAt.IsZero() && now.Sub(snap.Meta.PublishedAt) <= newsFreshness
	case VariantImage:
		return len(snap.Meta.Images) > 0
	case VariantVideo:
		return len(snap.Meta.Videos) > 0
	default:
		return false
	}
}

// Request is one sitemap or sitemap-index request.
type Request struct {
	Site    string
	Variant Variant
	Index   bool
	Page    int // 1-based; ignored when Index is true
}

// PageResult is a fully filtered, ordered page of snapshots ready for XML
// rendering, plus the total page count for index generation.
type PageResult struct {
	Snapshots  []*snapshot.Snapshot
	PageCount  int
	TotalCount int
}
