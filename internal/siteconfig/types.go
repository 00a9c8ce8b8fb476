// Package siteconfig resolves per-origin rendering policy: which device
// type to render for, which paths are allowed or denied, how to rewrite
// paths before handing them to a worker, and what robots.txt directives
// to enforce and republish.
package siteconfig

import (
	"errors"

	"github.com/kasha/gateway/internal/snapshot"
	"github.com/kasha/gateway/pkg/pattern"
)

// ErrNotFound is returned by the store and resolver when no SiteConfig
// exists for a host.
var ErrNotFound = errors.New("siteconfig: not found")

// PathRule is one compiled allow/deny entry.
type PathRule struct {
	Raw     string
	Matcher *pattern.Pattern
}

// CompilePathRule compiles raw into a PathRule.
func CompilePathRule(raw string) (PathRule, error) {
	m, err := pattern.Compile(raw)
	if err != nil {
		return PathRule{}, err
	}
	return PathRule{Raw: raw, Matcher: m}, nil
}

// RewriteRule rewrites a request path before it's handed to a worker.
// From is matched with the same pattern syntax as allow/deny rules; To
// may reference capture groups as $1, $2, ... when From is a regexp.
type RewriteRule struct {
	From PathRule
	To   string
}

// RobotsPolicy controls both which URLs the sitemap aggregator treats as
// indexable and the literal directives emitted in robots.txt.
type RobotsPolicy struct {
	Disallow   []PathRule
	Directives []string // extra raw lines, e.g. "Crawl-delay: 5"
}

// Allows reports whether path is indexable under this policy. An empty
// policy allows everything.
func (p *RobotsPolicy) Allows(path string) bool {
	if p == nil {
		return true
	}
	for _, rule := range p.Disallow {
		if rule.Matcher.Match(path) {
			return false
		}
	}
	return true
}

// SiteConfig is one origin's rendering policy.
type SiteConfig struct {
	Host            string
	DefaultProtocol string
	DeviceType      snapshot.DeviceType

	Robots  *RobotsPolicy
	Allow   []PathRule
	Deny    []PathRule
	Rewrite []RewriteRule
}

// RewritePath applies the first matching Rewrite rule to path, substituting
// capture groups ($1, $2, ...) when From is a regexp pattern. Returns path
// unchanged if no rule matches.
func (c *SiteConfig) RewritePath(path string) string {
	for _, rule := range c.Rewrite {
		if !rule.From.Matcher.Match(path) {
			continue
		}
		if re := rule.From.Matcher.Regexp(); re != nil {
			return re.ReplaceAllString(path, rule.To)
		}
		return rule.To
	}
	return path
}

// PathAllowed applies deny-then-allow precedence: an explicit deny wins
// unless an allow rule also matches, mirroring a conventional robots-style
// allow/deny list. An empty rule set permits everything.
func (c *SiteConfig) PathAllowed(path string) bool {
	denied := false
	for _, rule := range c.Deny {
		if rule.Matcher.Match(path) {
			denied = true
			break
		}
	}
	if !denied {
		return true
	}
	for _, rule := range c.Allow {
		if rule.Matcher.Match(path) {
			return true
		}
	}
	return false
}
