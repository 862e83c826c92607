package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPostgresConfig(t *testing.T) {
	cfg := DefaultPostgresConfig()
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Empty(t, cfg.URL)
}

func TestOpenPostgres_Errors(t *testing.T) {
	t.Run("missing URL", func(t *testing.T) {
		_, err := OpenPostgres(context.Background(), PostgresConfig{})
		assert.EqualError(t, err, "postgres URL is required")
	})

	t.Run("unreachable", func(t *testing.T) {
		cfg := DefaultPostgresConfig()
		cfg.URL = "postgres://tenantauth@127.0.0.1:1/tenantauth?sslmode=disable&connect_timeout=1"
		cfg.ConnectTimeout = time.Second

		_, err := OpenPostgres(context.Background(), cfg)
		assert.ErrorContains(t, err, "failed to ping postgres")
	})
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, EnsureSchema(context.Background(), db))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("permission denied"))
	err = EnsureSchema(context.Background(), db)
	assert.ErrorContains(t, err, "failed to apply schema")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaCoversStores(t *testing.T) {
	for _, table := range []string{
		"users", "organizations", "memberships", "permission_overrides",
		"custom_roles", "refresh_token_families", "refresh_tokens", "security_audit_events",
	} {
		assert.Contains(t, Schema(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
