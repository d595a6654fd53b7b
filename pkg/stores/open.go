package stores

import (
	"context"
	"fmt"
	"strings"
)

// Open opens a DocumentStore from a DSN:
//
//	memory://               in-process store
//	sqlite://PATH           SQLite file (sqlite://:memory: for a private in-memory database)
//	PATH.db | PATH.sqlite   SQLite file
//	postgres://... | postgresql://...
func Open(ctx context.Context, dsn string) (DocumentStore, error) {
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"), dsn == ":memory:":
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store DSN: %q", dsn)
	}
}

// Compile-time interface checks.
var (
	_ DocumentStore = (*MemoryStore)(nil)
	_ DocumentStore = (*SQLiteStore)(nil)
	_ DocumentStore = (*PostgresStore)(nil)
	_ Importer      = (*MemoryStore)(nil)
	_ Importer      = (*SQLiteStore)(nil)
	_ Importer      = (*PostgresStore)(nil)
	_ RunHistory    = (*SQLiteStore)(nil)
	_ Collection    = (*memoryCollection)(nil)
	_ Collection    = (*sqliteCollection)(nil)
	_ Collection    = (*postgresCollection)(nil)
)
