package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres returns a DSN for an integration database. STRATA_PG_DSN reuses an
// existing database; otherwise a Postgres 16 container is started when
// STRATA_PG_IT=1.
func startPostgres(t *testing.T) string {
	t.Helper()

	if dsn := os.Getenv("STRATA_PG_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("STRATA_PG_IT") != "1" {
		t.Skip("set STRATA_PG_IT=1 or STRATA_PG_DSN to run Postgres integration tests")
	}

	ctx := context.Background()
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("strata"),
		postgres.WithUsername("strata"),
		postgres.WithPassword("strata"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresCollection(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	factory := func(t *testing.T) (DocumentStore, Importer) {
		t.Helper()
		_, err := store.pool.Exec(ctx, `DELETE FROM documents`)
		require.NoError(t, err)
		return store, store
	}
	runConformance(t, factory)
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@h:5432/db", migrateURL("postgres://u:p@h:5432/db"))
	require.Equal(t, "pgx5://u:p@h/db?sslmode=disable", migrateURL("postgresql://u:p@h/db?sslmode=disable"))
}
