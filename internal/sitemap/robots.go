package sitemap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kasha/gateway/internal/siteconfig"
)

// IndexedVariants is the fixed set of variants robots.txt lists a
// Sitemap: line for, when that variant has at least one page.
var IndexedVariants = []Variant{VariantPlain, VariantGoogle, VariantNews, VariantImage, VariantVideo}

// Robots renders a robots.txt body for site: the configured policy's
// directives followed by a Sitemap: line for every variant that
// currently has at least one page.
func (a *Aggregator) Robots(ctx context.Context, site, baseURL string) (string, error) {
	cfg, err := a.resolver.Resolve(ctx, site)
	if err != nil && !errors.Is(err, siteconfig.ErrNotFound) {
		return "", fmt.Errorf("sitemap: resolve site config for robots: %w", err)
	}

	var b strings.Builder
	b.WriteString("User-agent: *\n")

	if cfg != nil && cfg.Robots != nil {
		for _, rule := range cfg.Robots.Disallow {
			fmt.Fprintf(&b, "Disallow: %s\n", rule.Raw)
		}
		for _, line := range cfg.Robots.Directives {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	for _, variant := range IndexedVariants {
		count, err := a.PageCount(ctx, site, variant)
		if err != nil {
			return "", err
		}
		if count == 0 {
			continue
		}
		fmt.Fprintf(&b, "Sitemap: %s\n", indexURL(baseURL, variant))
	}

	return b.String(), nil
}
