package httpfront

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/kasha/gateway/internal/coordinator"
)

// apiHostSet is a case-insensitive membership set built from config's
// apiHost list.
type apiHostSet map[string]struct{}

func newAPIHostSet(hosts []string) apiHostSet {
	set := make(apiHostSet, len(hosts))
	for _, h := range hosts {
		set[strings.ToLower(h)] = struct{}{}
	}
	return set
}

func (s apiHostSet) contains(host string) bool {
	_, ok := s[strings.ToLower(host)]
	return ok
}

// resolveProxySite determines the site for proxy mode per spec.md §6: the
// first hop of a `Forwarded` header, else `X-Forwarded-Host`, else the
// request's `Host` header. `X-Forwarded-Proto` (or Forwarded's proto
// param) is folded in only to validate it's http/https; it plays no
// further role since SiteConfig.DefaultProtocol is authoritative.
func resolveProxySite(ctx *fasthttp.RequestCtx) (site string, err *coordinator.Error) {
	if fwd := string(ctx.Request.Header.Peek("Forwarded")); fwd != "" {
		host, proto, perr := parseForwardedHeader(fwd)
		if perr != nil {
			return "", perr
		}
		if proto != "" && proto != "http" && proto != "https" {
			return "", coordinator.ErrInvalidProtocol("forwarded proto must be http or https")
		}
		if host == "" {
			return "", coordinator.ErrEmptyHostHeader()
		}
		return host, nil
	}

	if xfh := string(ctx.Request.Header.Peek("X-Forwarded-Host")); xfh != "" {
		if xfp := string(ctx.Request.Header.Peek("X-Forwarded-Proto")); xfp != "" && xfp != "http" && xfp != "https" {
			return "", coordinator.ErrInvalidProtocol("x-forwarded-proto must be http or https")
		}
		return firstHop(xfh), nil
	}

	host := string(ctx.Host())
	if host == "" {
		return "", coordinator.ErrEmptyHostHeader()
	}
	return host, nil
}

// firstHop takes the first comma-separated element of a forwarding header,
// per the Open Question spec.md §9 resolves in favor of "use the first
// element".
func firstHop(v string) string {
	if idx := strings.IndexByte(v, ','); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}

// parseForwardedHeader extracts host and proto from the first element of
// an RFC 7239 Forwarded header. Only the host= and proto= parameters are
// consumed; anything else is ignored. Returns CLIENT_INVALID_HEADER if
// the first element has no host parameter or is malformed.
func parseForwardedHeader(v string) (host, proto string, err *coordinator.Error) {
	first := firstHop(v)
	if first == "" {
		return "", "", coordinator.ErrInvalidHeader("empty Forwarded header")
	}

	for _, pair := range strings.Split(first, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return "", "", coordinator.ErrInvalidHeader("malformed Forwarded element: " + pair)
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "host":
			host = val
		case "proto":
			proto = strings.ToLower(val)
		}
	}
	if host == "" {
		return "", "", coordinator.ErrInvalidHeader("Forwarded header missing host parameter")
	}
	return host, proto, nil
}
