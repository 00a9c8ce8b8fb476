package siteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasha/gateway/internal/snapshot"
)

// PostgresConfig controls the connection pool backing a PostgresStore.
type PostgresConfig struct {
	DSN      string
	Table    string
	PoolSize int32
}

type execQueryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresStore is the document-backed SiteConfig store, one row per host.
type PostgresStore struct {
	pool  execQueryCloser
	table string
}

// NewPostgresStore dials Postgres using cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("siteconfig: store.url is required")
	}
	table := cfg.Table
	if table == "" {
		table = "site_configs"
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("siteconfig: parse dsn: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = cfg.PoolSize
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("siteconfig: connect: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool wires a store against an existing pool, for
// tests to hand it a pgxmock.Pool.
func NewPostgresStoreWithPool(pool execQueryCloser, table string) *PostgresStore {
	if table == "" {
		table = "site_configs"
	}
	return &PostgresStore{pool: pool, table: table}
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// document is the JSON shape stored in the document column: rule patterns
// kept as their raw strings since a compiled *pattern.Pattern isn't
// serializable.
type document struct {
	DefaultProtocol string   `json:"defaultProtocol"`
	DeviceType      string   `json:"deviceType"`
	Allow           []string `json:"allow,omitempty"`
	Deny            []string `json:"deny,omitempty"`
	RewriteFrom     []string `json:"rewriteFrom,omitempty"`
	RewriteTo       []string `json:"rewriteTo,omitempty"`
	RobotsDisallow  []string `json:"robotsDisallow,omitempty"`
	RobotsExtra     []string `json:"robotsExtra,omitempty"`
}

// Get loads the SiteConfig for host. Returns ErrNotFound if no row exists.
func (s *PostgresStore) Get(ctx context.Context, host string) (*SiteConfig, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE host = $1`, s.table)
	row := s.pool.QueryRow(ctx, query, host)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("siteconfig: get: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("siteconfig: decode document: %w", err)
	}
	return documentToConfig(host, doc)
}

// Put upserts cfg, replacing any existing row for its host.
func (s *PostgresStore) Put(ctx context.Context, cfg *SiteConfig) error {
	doc := configToDocument(cfg)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("siteconfig: encode document: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (host, document) VALUES ($1, $2)
ON CONFLICT (host) DO UPDATE SET document = EXCLUDED.document`, s.table)
	if _, err := s.pool.Exec(ctx, query, cfg.Host, raw); err != nil {
		return fmt.Errorf("siteconfig: put: %w", err)
	}
	return nil
}

// Delete removes the SiteConfig row for host, if any.
func (s *PostgresStore) Delete(ctx context.Context, host string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE host = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, host); err != nil {
		return fmt.Errorf("siteconfig: delete: %w", err)
	}
	return nil
}

func configToDocument(cfg *SiteConfig) document {
	doc := document{
		DefaultProtocol: cfg.DefaultProtocol,
		DeviceType:      string(cfg.DeviceType),
	}
	for _, r := range cfg.Allow {
		doc.Allow = append(doc.Allow, r.Raw)
	}
	for _, r := range cfg.Deny {
		doc.Deny = append(doc.Deny, r.Raw)
	}
	for _, r := range cfg.Rewrite {
		doc.RewriteFrom = append(doc.RewriteFrom, r.From.Raw)
		doc.RewriteTo = append(doc.RewriteTo, r.To)
	}
	if cfg.Robots != nil {
		for _, r := range cfg.Robots.Disallow {
			doc.RobotsDisallow = append(doc.RobotsDisallow, r.Raw)
		}
		doc.RobotsExtra = cfg.Robots.Directives
	}
	return doc
}

func documentToConfig(host string, doc document) (*SiteConfig, error) {
	cfg := &SiteConfig{
		Host:            host,
		DefaultProtocol: doc.DefaultProtocol,
		DeviceType:      snapshot.DeviceType(doc.DeviceType),
	}
	if cfg.DefaultProtocol == "" {
		cfg.DefaultProtocol = "https"
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = snapshot.DeviceDesktop
	}

	var err error
	if cfg.Allow, err = compileRules(doc.Allow); err != nil {
		return nil, err
	}
	if cfg.Deny, err = compileRules(doc.Deny); err != nil {
		return nil, err
	}
	if len(doc.RewriteFrom) != len(doc.RewriteTo) {
		return nil, fmt.Errorf("siteconfig: mismatched rewrite rule arrays for host %q", host)
	}
	for i, from := range doc.RewriteFrom {
		rule, err := CompilePathRule(from)
		if err != nil {
			return nil, err
		}
		cfg.Rewrite = append(cfg.Rewrite, RewriteRule{From: rule, To: doc.RewriteTo[i]})
	}
	if len(doc.RobotsDisallow) > 0 || len(doc.RobotsExtra) > 0 {
		disallow, err := compileRules(doc.RobotsDisallow)
		if err != nil {
			return nil, err
		}
		cfg.Robots = &RobotsPolicy{Disallow: disallow, Directives: doc.RobotsExtra}
	}
	return cfg, nil
}

func compileRules(raw []string) ([]PathRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]PathRule, 0, len(raw))
	for _, r := range raw {
		rule, err := CompilePathRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// Schema is the DDL a fresh deployment applies before the store is used.
const Schema = `
CREATE TABLE IF NOT EXISTS site_configs (
	host     TEXT PRIMARY KEY,
	document JSONB NOT NULL
);
`
