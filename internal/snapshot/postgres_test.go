package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorePutUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "snapshots")

	snap := &Snapshot{
		Key:            Key{Site: "example.com", Path: "/widgets", DeviceType: DeviceDesktop, Type: KindHTML},
		Status:         200,
		Meta:           Meta{Title: "Widgets"},
		PrivateExpires: time.Unix(1700000100, 0).UTC(),
		SharedExpires:  time.Unix(1700000600, 0).UTC(),
	}

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(
			snap.Key.Site, snap.Key.Path, "desktop", "html",
			pgxmock.AnyArg(), snap.PrivateExpires, snap.SharedExpires,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Put(context.Background(), snap)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "snapshots")

	mock.ExpectQuery("SELECT document").
		WithArgs("example.com", "/missing", "desktop", "html").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), Key{Site: "example.com", Path: "/missing", DeviceType: DeviceDesktop, Type: KindHTML})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreGetReturnsDecodedDocument(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "snapshots")

	now := time.Unix(1700000000, 0).UTC()
	doc, err := json.Marshal(document{Status: 200, Meta: Meta{Title: "Widgets"}})
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"document", "private_expires", "shared_expires", "rendered_at", "updated_at", "last_accessed_at"}).
		AddRow(doc, now.Add(time.Minute), now.Add(time.Hour), now, now, now)

	mock.ExpectQuery("SELECT document").
		WithArgs("example.com", "/widgets", "desktop", "html").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE snapshots SET last_accessed_at").
		WithArgs("example.com", "/widgets", "desktop", "html", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	snap, err := store.Get(context.Background(), Key{Site: "example.com", Path: "/widgets", DeviceType: DeviceDesktop, Type: KindHTML})
	require.NoError(t, err)
	require.Equal(t, "Widgets", snap.Meta.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreDeleteRemovesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "snapshots")

	mock.ExpectExec("DELETE FROM snapshots").
		WithArgs("example.com", "/widgets", "desktop", "html").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err = store.Delete(context.Background(), Key{Site: "example.com", Path: "/widgets", DeviceType: DeviceDesktop, Type: KindHTML})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreScanBySiteAdvancesCompositeCursor(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "snapshots")

	now := time.Unix(1700000000, 0).UTC()
	doc, err := json.Marshal(document{Status: 200})
	require.NoError(t, err)
	cols := []string{"path", "device_type", "kind", "document", "private_expires", "shared_expires", "rendered_at", "updated_at", "last_accessed_at"}

	// Two rows sharing one path (desktop and mobile variants) must both be
	// returned, and the cursor handed back must carry the device type and
	// kind alongside the path so a same-path row is never skipped across a
	// page boundary.
	rows := pgxmock.NewRows(cols).
		AddRow("/widgets", "desktop", "html", doc, now, now, now, now, now).
		AddRow("/widgets", "mobile", "html", doc, now, now, now, now, now)

	mock.ExpectQuery("SELECT path, device_type, kind, document").
		WithArgs("example.com", "", "", "").
		WillReturnRows(rows)

	page, err := store.ScanBySite(context.Background(), "example.com", "")
	require.NoError(t, err)
	require.Len(t, page.Snapshots, 2)
	require.Equal(t, encodeCursor("/widgets", "mobile", "html"), page.NextCursor)

	cursorPath, cursorDeviceType, cursorKind := decodeCursor(page.NextCursor)
	require.Equal(t, "/widgets", cursorPath)
	require.Equal(t, "mobile", cursorDeviceType)
	require.Equal(t, "html", cursorKind)

	mock.ExpectQuery("SELECT path, device_type, kind, document").
		WithArgs("example.com", cursorPath, cursorDeviceType, cursorKind).
		WillReturnRows(pgxmock.NewRows(cols))

	next, err := store.ScanBySite(context.Background(), "example.com", page.NextCursor)
	require.NoError(t, err)
	require.Empty(t, next.Snapshots)
	require.Empty(t, next.NextCursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreExpireBeforeReturnsKeys(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "snapshots")

	cutoff := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"site", "path", "device_type", "kind"}).
		AddRow("example.com", "/widgets", "desktop", "html").
		AddRow("example.com", "/widgets", "mobile", "html").
		AddRow("example.com", "/about", "desktop", "html")
	mock.ExpectQuery("DELETE FROM snapshots").
		WithArgs(cutoff).
		WillReturnRows(rows)

	keys, err := store.ExpireBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Equal(t, Key{Site: "example.com", Path: "/widgets", DeviceType: DeviceDesktop, Type: KindHTML}, keys[0])
	require.NoError(t, mock.ExpectationsWereMet())
}
