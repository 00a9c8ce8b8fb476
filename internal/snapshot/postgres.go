package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by Get when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot: not found")

// PostgresConfig controls the connection pool backing a PostgresStore.
type PostgresConfig struct {
	DSN      string
	Table    string
	PoolSize int32
}

// execQueryCloser is the subset of *pgxpool.Pool the store needs, narrowed
// so tests can substitute pgxmock without touching real Postgres.
type execQueryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresStore is the document-backed Snapshot store. One row per Key,
// with the Snapshot body stored as JSONB and the fields the freshness
// machine and janitor scan by promoted to real columns.
type PostgresStore struct {
	pool  execQueryCloser
	table string
}

// NewPostgresStore dials Postgres using cfg and returns a ready store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("snapshot: store.url is required")
	}
	table := cfg.Table
	if table == "" {
		table = "snapshots"
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse dsn: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = cfg.PoolSize
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("snapshot: connect: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool wires a store against an already-constructed pool,
// primarily so tests can hand it a pgxmock.Pool.
func NewPostgresStoreWithPool(pool execQueryCloser, table string) *PostgresStore {
	if table == "" {
		table = "snapshots"
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

type document struct {
	Status            int       `json:"status"`
	Redirect          string    `json:"redirect,omitempty"`
	Meta              Meta      `json:"meta"`
	OpenGraph         OpenGraph `json:"openGraph"`
	Links             []string  `json:"links,omitempty"`
	Content           []byte    `json:"content,omitempty"`
	ContentCompressed bool      `json:"contentCompressed,omitempty"`
	Error             string    `json:"error,omitempty"`
}

func documentFromSnapshot(snap *Snapshot) document {
	content, compressed := compressContent(snap.Content)
	return document{
		Status:            snap.Status,
		Redirect:          snap.Redirect,
		Meta:              snap.Meta,
		OpenGraph:         snap.OpenGraph,
		Links:             snap.Links,
		Content:           content,
		ContentCompressed: compressed,
		Error:             snap.Error,
	}
}

// Get loads the snapshot for key, touching lastAccessedAt. Returns
// ErrNotFound when no row exists.
func (s *PostgresStore) Get(ctx context.Context, key Key) (*Snapshot, error) {
	query := fmt.Sprintf(`
SELECT document, private_expires, shared_expires, rendered_at, updated_at, last_accessed_at
FROM %s
WHERE site = $1 AND path = $2 AND device_type = $3 AND kind = $4`, s.table)

	row := s.pool.QueryRow(ctx, query, key.Site, key.Path, string(key.DeviceType), string(key.Type))

	var (
		raw                                             []byte
		privateExpires, sharedExpires, renderedAt        time.Time
		updatedAt, lastAccessedAt                        time.Time
	)
	if err := row.Scan(&raw, &privateExpires, &sharedExpires, &renderedAt, &updatedAt, &lastAccessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: get: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("snapshot: decode document: %w", err)
	}
	content, err := decompressContent(doc.Content, doc.ContentCompressed)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Key:            key,
		Status:         doc.Status,
		Redirect:       doc.Redirect,
		Meta:           doc.Meta,
		OpenGraph:      doc.OpenGraph,
		Links:          doc.Links,
		Content:        content,
		Error:          doc.Error,
		PrivateExpires: privateExpires,
		SharedExpires:  sharedExpires,
		Times: Times{
			RenderedAt:     renderedAt,
			UpdatedAt:      updatedAt,
			LastAccessedAt: lastAccessedAt,
		},
	}

	touch := fmt.Sprintf(`UPDATE %s SET last_accessed_at = $5 WHERE site = $1 AND path = $2 AND device_type = $3 AND kind = $4`, s.table)
	if _, err := s.pool.Exec(ctx, touch, key.Site, key.Path, string(key.DeviceType), string(key.Type), time.Now().UTC()); err != nil {
		return snap, fmt.Errorf("snapshot: touch access time: %w", err)
	}

	return snap, nil
}

// Put upserts snap, replacing any existing row for its Key atomically.
// renderedAt is preserved from the incoming snapshot; updatedAt is always
// stamped with now.
func (s *PostgresStore) Put(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot: nil snapshot")
	}
	doc := documentFromSnapshot(snap)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("snapshot: encode document: %w", err)
	}

	now := time.Now().UTC()
	renderedAt := snap.Times.RenderedAt
	if renderedAt.IsZero() {
		renderedAt = now
	}
	lastAccessedAt := snap.Times.LastAccessedAt
	if lastAccessedAt.IsZero() {
		lastAccessedAt = now
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	site, path, device_type, kind,
	document, private_expires, shared_expires,
	rendered_at, updated_at, last_accessed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (site, path, device_type, kind) DO UPDATE SET
	document        = EXCLUDED.document,
	private_expires = EXCLUDED.private_expires,
	shared_expires  = EXCLUDED.shared_expires,
	rendered_at     = EXCLUDED.rendered_at,
	updated_at      = EXCLUDED.updated_at`, s.table)

	_, err = s.pool.Exec(ctx, query,
		snap.Key.Site, snap.Key.Path, string(snap.Key.DeviceType), string(snap.Key.Type),
		raw, snap.PrivateExpires, snap.SharedExpires,
		renderedAt, now, lastAccessedAt,
	)
	if err != nil {
		return fmt.Errorf("snapshot: put: %w", err)
	}
	return nil
}

// Page is one keyset-paginated slice returned by ScanBySite.
type Page struct {
	Snapshots []*Snapshot
	NextCursor string
}

const scanPageSize = 1000

// cursorSep separates the three fields packed into an opaque ScanBySite
// cursor. Unlikely to appear in a path, device type or kind; chosen purely
// because it can't come from user input through any other field here.
const cursorSep = "\x00"

// encodeCursor packs the composite keyset position into the opaque string
// Page.NextCursor carries between calls.
func encodeCursor(path, deviceType, kind string) string {
	return path + cursorSep + deviceType + cursorSep + kind
}

// decodeCursor unpacks a cursor built by encodeCursor. The empty string
// decodes to the zero value, meaning "start from the beginning".
func decodeCursor(cursor string) (path, deviceType, kind string) {
	if cursor == "" {
		return "", "", ""
	}
	parts := strings.SplitN(cursor, cursorSep, 3)
	if len(parts) != 3 {
		return cursor, "", ""
	}
	return parts[0], parts[1], parts[2]
}

// ScanBySite lists snapshots for site in (path, device_type, kind) order,
// starting strictly after cursor (the empty string starts from the
// beginning). The table's primary key is (site, path, device_type, kind),
// not path alone, so the cursor must carry all three fields: a path-only
// cursor would silently drop rows when a page boundary lands in the middle
// of a run of same-path rows (e.g. desktop and mobile variants of one
// path).
func (s *PostgresStore) ScanBySite(ctx context.Context, site string, cursor string) (Page, error) {
	cursorPath, cursorDeviceType, cursorKind := decodeCursor(cursor)

	query := fmt.Sprintf(`
SELECT path, device_type, kind, document, private_expires, shared_expires, rendered_at, updated_at, last_accessed_at
FROM %s
WHERE site = $1 AND (path, device_type, kind) > ($2, $3, $4)
ORDER BY path ASC, device_type ASC, kind ASC
LIMIT %d`, s.table, scanPageSize)

	rows, err := s.pool.Query(ctx, query, site, cursorPath, cursorDeviceType, cursorKind)
	if err != nil {
		return Page{}, fmt.Errorf("snapshot: scan: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var (
			path, deviceType, kind                    string
			raw                                        []byte
			privateExpires, sharedExpires, renderedAt time.Time
			updatedAt, lastAccessedAt                  time.Time
		)
		if err := rows.Scan(&path, &deviceType, &kind, &raw, &privateExpires, &sharedExpires, &renderedAt, &updatedAt, &lastAccessedAt); err != nil {
			return Page{}, fmt.Errorf("snapshot: scan row: %w", err)
		}
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Page{}, fmt.Errorf("snapshot: decode document: %w", err)
		}
		content, err := decompressContent(doc.Content, doc.ContentCompressed)
		if err != nil {
			return Page{}, err
		}
		page.Snapshots = append(page.Snapshots, &Snapshot{
			Key: Key{Site: site, Path: path, DeviceType: DeviceType(deviceType), Type: Kind(kind)},
			Status:    doc.Status,
			Redirect:  doc.Redirect,
			Meta:      doc.Meta,
			OpenGraph: doc.OpenGraph,
			Links:     doc.Links,
			Content:   content,
			Error:     doc.Error,
			PrivateExpires: privateExpires,
			SharedExpires:  sharedExpires,
			Times: Times{
				RenderedAt:     renderedAt,
				UpdatedAt:      updatedAt,
				LastAccessedAt: lastAccessedAt,
			},
		})
		page.NextCursor = encodeCursor(path, deviceType, kind)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("snapshot: scan rows: %w", err)
	}
	if len(page.Snapshots) < scanPageSize {
		page.NextCursor = ""
	}
	return page, nil
}

// Delete removes the row for key, if any. Used by explicit invalidation
// (spec.md §3: a snapshot is removed "by explicit invalidation" as well
// as by expiry).
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE site = $1 AND path = $2 AND device_type = $3 AND kind = $4`, s.table)
	if _, err := s.pool.Exec(ctx, query, key.Site, key.Path, string(key.DeviceType), string(key.Type)); err != nil {
		return fmt.Errorf("snapshot: delete: %w", err)
	}
	return nil
}

// ExpireBefore deletes every snapshot whose updatedAt is older than t,
// returning the keys removed so the caller can drop them from any front
// cache too.
func (s *PostgresStore) ExpireBefore(ctx context.Context, t time.Time) ([]Key, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1 RETURNING site, path, device_type, kind`, s.table)
	rows, err := s.pool.Query(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("snapshot: expire: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var site, path, deviceType, kind string
		if err := rows.Scan(&site, &path, &deviceType, &kind); err != nil {
			return nil, fmt.Errorf("snapshot: expire row: %w", err)
		}
		keys = append(keys, Key{Site: site, Path: path, DeviceType: DeviceType(deviceType), Type: Kind(kind)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: expire rows: %w", err)
	}
	return keys, nil
}

// Schema is the DDL a fresh deployment applies before the store is used.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	site             TEXT NOT NULL,
	path             TEXT NOT NULL,
	device_type      TEXT NOT NULL,
	kind             TEXT NOT NULL,
	document         JSONB NOT NULL,
	private_expires  TIMESTAMPTZ NOT NULL,
	shared_expires   TIMESTAMPTZ NOT NULL,
	rendered_at      TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (site, path, device_type, kind)
);
CREATE INDEX IF NOT EXISTS snapshots_site_path_idx ON snapshots (site, path);
CREATE INDEX IF NOT EXISTS snapshots_updated_at_idx ON snapshots (updated_at);
`
