package siteconfig

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "site_configs")

	mock.ExpectQuery("SELECT document").
		WithArgs("missing.example.com").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), "missing.example.com")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "site_configs")

	deny, err := CompilePathRule("/admin/*")
	require.NoError(t, err)
	cfg := &SiteConfig{
		Host:            "example.com",
		DefaultProtocol: "https",
		Deny:            []PathRule{deny},
	}

	mock.ExpectExec("INSERT INTO site_configs").
		WithArgs("example.com", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Put(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
