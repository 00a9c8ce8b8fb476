package httpfront

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/coordinator"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/snapshot"
	"github.com/kasha/gateway/internal/urlutil"
)

// renderResponse is the wire shape `GET /render`/`/cache` return on success
// (spec.md §6).
type renderResponse struct {
	Status    int               `json:"status"`
	Redirect  string            `json:"redirect,omitempty"`
	Meta      snapshot.Meta     `json:"meta"`
	OpenGraph snapshot.OpenGraph `json:"openGraph"`
	Content   []byte            `json:"content,omitempty"`
}

// handleRenderAPI serves /render and /cache in API mode: the target URL is
// carried in the `url` query parameter, deviceType/type are explicit.
// forceNoWait is set for /cache.
func (s *Server) handleRenderAPI(ctx *fasthttp.RequestCtx, requestID string, forceNoWait bool) {
	args := ctx.QueryArgs()
	rawURL := string(args.Peek("url"))
	if rawURL == "" {
		writeGatewayError(ctx, coordinator.ErrInvalidParam("url parameter is required"), s.logger)
		return
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		writeGatewayError(ctx, coordinator.ErrInvalidParam("url parameter is not a valid absolute URL"), s.logger)
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		writeGatewayError(ctx, coordinator.ErrInvalidProtocol("url scheme must be http or https"), s.logger)
		return
	}

	site := siteconfig.NormalizeHost(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path = path + "?" + parsed.RawQuery
	}

	deviceType, kind, gwErr := parseRenderParams(args)
	if gwErr != nil {
		writeGatewayError(ctx, gwErr, s.logger)
		return
	}

	s.renderAndRespond(ctx, requestID, site, path, deviceType, kind, forceNoWait)
}

// handleRenderProxy serves the implicit render endpoint in proxy mode: the
// whole request path is the site-relative path, deviceType is whatever the
// resolved SiteConfig specifies, type is always html.
func (s *Server) handleRenderProxy(ctx *fasthttp.RequestCtx, requestID, site string) {
	path := string(ctx.Path())
	if q := ctx.QueryArgs().QueryString(); len(q) > 0 {
		path = path + "?" + string(q)
	}
	s.renderAndRespond(ctx, requestID, site, path, "", snapshot.KindHTML, false)
}

// handleStaticFetch serves `GET /<http(s)-url>` in API mode: a raw static
// fetch of the embedded URL, bypassing SiteConfig device/path policy.
func (s *Server) handleStaticFetch(ctx *fasthttp.RequestCtx, requestID, rawURL string) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		writeGatewayError(ctx, coordinator.ErrInvalidParam("path is not a valid absolute URL"), s.logger)
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		writeGatewayError(ctx, coordinator.ErrInvalidProtocol("url scheme must be http or https"), s.logger)
		return
	}
	hostname := urlutil.ExtractHostname(parsed.Host)
	if verr := urlutil.ValidateHostNotPrivateIP(hostname); verr != nil {
		writeGatewayError(ctx, coordinator.ErrInvalidParam(verr.Error()), s.logger)
		return
	}

	site := siteconfig.NormalizeHost(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path = path + "?" + parsed.RawQuery
	}

	in := coordinator.Input{
		Site:       site,
		Path:       path,
		DeviceType: snapshot.DeviceDesktop,
		Type:       snapshot.KindStatic,
		RequestID:  requestID,
		ClientIP:   string(ctx.RemoteIP()),
		UserAgent:  string(ctx.UserAgent()),
	}
	applyBoolParams(ctx.QueryArgs(), &in)
	s.doRender(ctx, in)
}

func parseRenderParams(args *fasthttp.Args) (snapshot.DeviceType, snapshot.Kind, *coordinator.Error) {
	deviceType := snapshot.DeviceType(args.Peek("deviceType"))
	if deviceType != "" && deviceType != snapshot.DeviceDesktop && deviceType != snapshot.DeviceMobile {
		return "", "", coordinator.ErrInvalidParam("deviceType must be desktop or mobile")
	}

	kind := snapshot.Kind(args.Peek("type"))
	if kind == "" {
		kind = snapshot.KindHTML
	}
	if kind != snapshot.KindHTML && kind != snapshot.KindStatic {
		return "", "", coordinator.ErrInvalidParam("type must be html or static")
	}
	return deviceType, kind, nil
}

func applyBoolParams(args *fasthttp.Args, in *coordinator.Input) {
	in.NoWait = args.Has("noWait")
	in.Refresh = args.Has("refresh")
	in.MetaOnly = args.Has("metaOnly")
	in.CallbackURL = string(args.Peek("callbackUrl"))
}

func (s *Server) renderAndRespond(ctx *fasthttp.RequestCtx, requestID, site, path string, deviceType snapshot.DeviceType, kind snapshot.Kind, forceNoWait bool) {
	cfg, cfgErr := s.resolveSiteConfig(ctx, site, requestID)
	if cfgErr != nil {
		writeGatewayError(ctx, cfgErr, s.logger)
		return
	}

	if deviceType == "" {
		deviceType = snapshot.DeviceDesktop
		if cfg != nil && cfg.DeviceType != "" {
			deviceType = cfg.DeviceType
		}
	}

	resolvedPath := path
	if cfg != nil {
		resolvedPath = cfg.RewritePath(path)
		if !cfg.PathAllowed(resolvedPath) {
			writeGatewayError(ctx, coordinator.ErrRobotsDisallow(resolvedPath), s.logger)
			return
		}
	}

	in := coordinator.Input{
		Site:       site,
		Path:       resolvedPath,
		DeviceType: deviceType,
		Type:       kind,
		RequestID:  requestID,
		ClientIP:   string(ctx.RemoteIP()),
		UserAgent:  string(ctx.UserAgent()),
	}
	applyBoolParams(ctx.QueryArgs(), &in)
	if forceNoWait {
		in.NoWait = true
	}
	s.doRender(ctx, in)
}

// resolveSiteConfig looks up site's SiteConfig, honoring disallowUnknownSite.
// A nil, nil return means "proceed with default policy" (unknown site
// permitted).
func (s *Server) resolveSiteConfig(ctx *fasthttp.RequestCtx, site, requestID string) (*siteconfig.SiteConfig, *coordinator.Error) {
	cfg, err := s.resolver.Resolve(ctx, site)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, siteconfig.ErrNotFound) {
		if s.disallowUnknownSite {
			return nil, coordinator.ErrHostConfigNotExist(site)
		}
		return nil, nil
	}
	s.logger.Error("site config resolution failed", zap.String("site", site), zap.Error(err))
	return nil, coordinator.ErrInternal(requestID, err)
}

func (s *Server) doRender(ctx *fasthttp.RequestCtx, in coordinator.Input) {
	result, err := s.coordinator.Render(ctx, in)
	if err != nil {
		var gwErr *coordinator.Error
		if errors.As(err, &gwErr) {
			writeGatewayError(ctx, gwErr, s.logger)
			return
		}
		writeGatewayError(ctx, coordinator.ErrInternal(in.RequestID, err), s.logger)
		return
	}

	if cc := buildCacheControl(result, time.Now()); cc != "" {
		ctx.Response.Header.Set("Cache-Control", cc)
	}
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(result.StatusCode)

	if result.Snapshot == nil {
		ctx.SetBody([]byte(`{}`))
		return
	}
	resp := renderResponse{
		Status:    result.Snapshot.Status,
		Redirect:  result.Snapshot.Redirect,
		Meta:      result.Snapshot.Meta,
		OpenGraph: result.Snapshot.OpenGraph,
	}
	if !in.MetaOnly {
		resp.Content = result.Snapshot.Content
	}
	raw, jerr := json.Marshal(resp)
	if jerr != nil {
		writeGatewayError(ctx, coordinator.ErrInternal(in.RequestID, jerr), s.logger)
		return
	}
	ctx.SetBody(raw)
}

// buildCacheControl derives a Cache-Control value from result's snapshot
// expiry, reflecting the freshness tier the request was served from.
func buildCacheControl(result coordinator.Result, now time.Time) string {
	if result.Snapshot == nil {
		return ""
	}
	maxAge := int(result.Snapshot.PrivateExpires.Sub(now).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	if result.Source == "stale-revalidating" {
		sMaxAge := int(result.Snapshot.SharedExpires.Sub(now).Seconds())
		if sMaxAge < 0 {
			sMaxAge = 0
		}
		return "max-age=0, s-maxage=" + strconv.Itoa(sMaxAge) + ", stale-while-revalidate"
	}
	return "max-age=" + strconv.Itoa(maxAge)
}
