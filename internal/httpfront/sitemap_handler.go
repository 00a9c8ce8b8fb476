package httpfront

import (
	"errors"
	"regexp"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/coordinator"
	"github.com/kasha/gateway/internal/sitemap"
)

// sitemapPagePattern matches both the bare plain-variant form
// (sitemap.<page>.xml) and the variant-qualified form
// (sitemap.<variant>.<page>.xml).
var sitemapPagePattern = regexp.MustCompile(`^/sitemap(?:\.(google|news|image|video))?\.(\d+)\.xml$`)

// sitemapIndexPattern matches sitemap.index.xml (plain) and
// sitemap.index.<variant>.xml.
var sitemapIndexPattern = regexp.MustCompile(`^/sitemap\.index(?:\.(google|news|image|video))?\.xml$`)

const robotsPath = "/robots.txt"

// matchSitemapPath reports whether path is one of the sitemap/robots
// routes this front serves, returning the parsed request. ok is false for
// any other path.
func matchSitemapPath(path string) (req sitemap.Request, isRobots, ok bool) {
	if path == robotsPath {
		return sitemap.Request{}, true, true
	}
	if m := sitemapIndexPattern.FindStringSubmatch(path); m != nil {
		return sitemap.Request{Variant: variantOrDefault(m[1]), Index: true}, false, true
	}
	if m := sitemapPagePattern.FindStringSubmatch(path); m != nil {
		page, err := strconv.Atoi(m[2])
		if err != nil {
			return sitemap.Request{}, false, false
		}
		return sitemap.Request{Variant: variantOrDefault(m[1]), Page: page}, false, true
	}
	return sitemap.Request{}, false, false
}

func variantOrDefault(raw string) sitemap.Variant {
	if raw == "" {
		return sitemap.VariantPlain
	}
	return sitemap.Variant(raw)
}

// handleSitemapAPI serves a sitemap route for API mode, where site is a
// leading path segment: /<site>/sitemap.1.xml, /<site>/robots.txt, etc.
func (s *Server) handleSitemapAPI(ctx *fasthttp.RequestCtx, site, rest string) {
	s.handleSitemap(ctx, site, rest)
}

// handleSitemapProxy serves a sitemap route for proxy mode, where site was
// already resolved from the Host/Forwarded headers.
func (s *Server) handleSitemapProxy(ctx *fasthttp.RequestCtx, site string) {
	s.handleSitemap(ctx, site, string(ctx.Path()))
}

func (s *Server) handleSitemap(ctx *fasthttp.RequestCtx, site, path string) {
	req, isRobots, ok := matchSitemapPath(path)
	if !ok {
		writeGatewayError(ctx, coordinator.ErrNoSuchAPI(path), s.logger)
		return
	}
	req.Site = site

	cfg, cfgErr := s.resolveSiteConfig(ctx, site, requestIDHeader(ctx))
	if cfgErr != nil {
		writeGatewayError(ctx, cfgErr, s.logger)
		return
	}
	protocol := "https"
	if cfg != nil && cfg.DefaultProtocol != "" {
		protocol = cfg.DefaultProtocol
	}
	baseURL := protocol + "://" + site

	if isRobots {
		body, err := s.aggregator.Robots(ctx, site, baseURL)
		if err != nil {
			s.logger.Error("robots.txt generation failed", zap.String("site", site), zap.Error(err))
			writeGatewayError(ctx, coordinator.ErrInternal(requestIDHeader(ctx), err), s.logger)
			return
		}
		ctx.Response.Header.SetContentType("text/plain; charset=utf-8")
		ctx.Response.Header.Set("Cache-Control", "max-age="+strconv.Itoa(s.cacheConfig.RobotsTxt))
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(body)
		return
	}

	if req.Index {
		pageCount, err := s.aggregator.PageCount(ctx, site, req.Variant)
		if err != nil {
			s.logger.Error("sitemap index generation failed", zap.String("site", site), zap.Error(err))
			writeGatewayError(ctx, coordinator.ErrInternal(requestIDHeader(ctx), err), s.logger)
			return
		}
		body, err := sitemap.RenderIndex(baseURL, site, req.Variant, pageCount)
		if err != nil {
			writeGatewayError(ctx, coordinator.ErrInternal(requestIDHeader(ctx), err), s.logger)
			return
		}
		s.writeSitemapXML(ctx, body)
		return
	}

	result, err := s.aggregator.Page(ctx, req)
	if err != nil {
		if errors.Is(err, sitemap.ErrPageNotFound) {
			writeGatewayError(ctx, coordinator.ErrNoSuchAPI(path), s.logger)
			return
		}
		s.logger.Error("sitemap page generation failed", zap.String("site", site), zap.Error(err))
		writeGatewayError(ctx, coordinator.ErrInternal(requestIDHeader(ctx), err), s.logger)
		return
	}
	var alternates map[string]map[string]string
	if req.Variant == sitemap.VariantPlain || req.Variant == sitemap.VariantGoogle {
		alternates, err = s.aggregator.Alternates(ctx, site, req.Variant)
		if err != nil {
			s.logger.Error("sitemap alternates lookup failed", zap.String("site", site), zap.Error(err))
			writeGatewayError(ctx, coordinator.ErrInternal(requestIDHeader(ctx), err), s.logger)
			return
		}
	}
	body, err := sitemap.RenderPage(req.Variant, baseURL, result.Snapshots, alternates)
	if err != nil {
		writeGatewayError(ctx, coordinator.ErrInternal(requestIDHeader(ctx), err), s.logger)
		return
	}
	s.writeSitemapXML(ctx, body)
}

func (s *Server) writeSitemapXML(ctx *fasthttp.RequestCtx, body []byte) {
	ctx.Response.Header.SetContentType("application/xml; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "max-age="+strconv.Itoa(s.cacheConfig.Sitemap))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func requestIDHeader(ctx *fasthttp.RequestCtx) string {
	return string(ctx.Response.Header.Peek("X-Request-ID"))
}
