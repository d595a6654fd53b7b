package stores

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// PostgresStore is a DocumentStore keeping documents in a JSONB column.
type PostgresStore struct {
	pool *pgxpool.Pool
	dsn  string
}

// OpenPostgres connects to Postgres, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, dsn: dsn}
	if err := s.Migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded Postgres migrations.
func (s *PostgresStore) Migrate() error {
	sourceDriver, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, migrateURL(s.dsn))
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a libpq URL to the scheme registered by the pgx/v5 migrate driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// HealthCheck pings the pool.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Collection returns a handle on the named collection.
func (s *PostgresStore) Collection(name string) (Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	return &postgresCollection{pool: s.pool, name: name}, nil
}

// Insert upserts documents in one transaction.
func (s *PostgresStore) Insert(ctx context.Context, collection string, docs []Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document id is required")
		}
		body, err := json.Marshal(normalizeFields(doc.Fields))
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		batch.Queue(`
			INSERT INTO documents (collection, id, doc, updated_at)
			VALUES ($1, $2, $3::jsonb, now())
			ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, updated_at = now()
		`, collection, doc.ID, json.RawMessage(body))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit documents: %w", err)
	}
	return nil
}

type postgresCollection struct {
	pool *pgxpool.Pool
	name string
}

func (c *postgresCollection) Name() string { return c.name }

// pgQuery accumulates positional arguments.
type pgQuery struct {
	args []any
}

func (q *pgQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *pgQuery) where(collection string, filter Filter) (string, error) {
	if err := filter.Validate(); err != nil {
		return "", err
	}
	clauses := []string{"collection = " + q.arg(collection)}
	for _, p := range filter {
		clause, err := q.predicate(p)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return strings.Join(clauses, " AND "), nil
}

func (q *pgQuery) unsetExpr(field string) string {
	f := q.arg(field) + "::text"
	return fmt.Sprintf(`(doc -> %[1]s IS NULL OR jsonb_typeof(doc -> %[1]s) = 'null' OR `+
		`(jsonb_typeof(doc -> %[1]s) = 'string' AND btrim(doc ->> %[1]s, E' \t\n\r\f\v') = ''))`, f)
}

func (q *pgQuery) predicate(p Predicate) (string, error) {
	switch p.Op {
	case OpEq, OpNe:
		body, err := json.Marshal(map[string]any{p.Field: NormalizeValue(p.Value)})
		if err != nil {
			return "", fmt.Errorf("failed to encode predicate: %w", err)
		}
		expr := "doc @> " + q.arg(json.RawMessage(body)) + "::jsonb"
		if p.Op == OpNe {
			expr = "NOT (" + expr + ")"
		}
		return expr, nil
	case OpUnset:
		return q.unsetExpr(p.Field), nil
	default: // OpSet
		return "NOT " + q.unsetExpr(p.Field), nil
	}
}

func (c *postgresCollection) Count(ctx context.Context, filter Filter) (int64, error) {
	q := &pgQuery{}
	where, err := q.where(c.name, filter)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (c *postgresCollection) FindIDs(ctx context.Context, filter Filter) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := &pgQuery{}
		where, err := q.where(c.name, filter)
		if err != nil {
			yield("", err)
			return
		}

		rows, err := c.pool.Query(ctx, `SELECT id FROM documents WHERE `+where+` ORDER BY id`, q.args...)
		if err != nil {
			yield("", fmt.Errorf("failed to find documents: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				yield("", fmt.Errorf("failed to scan document id: %w", err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", fmt.Errorf("error iterating documents: %w", err))
		}
	}
}

func (c *postgresCollection) Claim(ctx context.Context, id, field string, value any) (ClaimOutcome, error) {
	if err := ValidateField(field); err != nil {
		return "", err
	}
	body, err := json.Marshal(NormalizeValue(value))
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}

	q := &pgQuery{}
	set := fmt.Sprintf("jsonb_set(doc, ARRAY[%s::text], %s::jsonb, true)", q.arg(field), q.arg(json.RawMessage(body)))
	stmt := fmt.Sprintf(`UPDATE documents SET doc = %s, updated_at = now() WHERE collection = %s AND id = %s AND %s`,
		set, q.arg(c.name), q.arg(id), q.unsetExpr(field))

	tag, err := c.pool.Exec(ctx, stmt, q.args...)
	if err != nil {
		return "", fmt.Errorf("failed to claim document: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ClaimApplied, nil
	}

	var current []byte
	err = c.pool.QueryRow(ctx,
		`SELECT doc -> $1::text FROM documents WHERE collection = $2 AND id = $3`, field, c.name, id,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read claimed field: %w", err)
	}

	if current != nil {
		var v any
		if err := decodeJSON(current, &v); err == nil && ValuesEqual(v, value) {
			return ClaimUnchanged, nil
		}
	}
	return ClaimConflict, nil
}

func (c *postgresCollection) Set(ctx context.Context, id, field string, value any) error {
	n, err := c.update(ctx, Filter{}, field, value, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (c *postgresCollection) UpdateMany(ctx context.Context, filter Filter, field string, value any) (int64, error) {
	return c.update(ctx, filter, field, value, "")
}

func (c *postgresCollection) update(ctx context.Context, filter Filter, field string, value any, id string) (int64, error) {
	if err := ValidateField(field); err != nil {
		return 0, err
	}
	body, err := json.Marshal(NormalizeValue(value))
	if err != nil {
		return 0, fmt.Errorf("failed to encode value: %w", err)
	}

	q := &pgQuery{}
	set := fmt.Sprintf("jsonb_set(doc, ARRAY[%s::text], %s::jsonb, true)", q.arg(field), q.arg(json.RawMessage(body)))
	where, err := q.where(c.name, filter)
	if err != nil {
		return 0, err
	}
	if id != "" {
		where += " AND id = " + q.arg(id)
	}

	tag, err := c.pool.Exec(ctx, `UPDATE documents SET doc = `+set+`, updated_at = now() WHERE `+where, q.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *postgresCollection) Unset(ctx context.Context, filter Filter, field string) (int64, error) {
	if err := ValidateField(field); err != nil {
		return 0, err
	}

	q := &pgQuery{}
	f := q.arg(field) + "::text"
	where, err := q.where(c.name, filter)
	if err != nil {
		return 0, err
	}

	tag, err := c.pool.Exec(ctx,
		`UPDATE documents SET doc = doc - `+f+`, updated_at = now() WHERE `+where+` AND doc ? `+f, q.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to unset field: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *postgresCollection) AggregateGroupCount(ctx context.Context, filter Filter, field string) ([]GroupCount, error) {
	if err := ValidateField(field); err != nil {
		return nil, err
	}

	q := &pgQuery{}
	f := q.arg(field) + "::text"
	where, err := q.where(c.name, filter)
	if err != nil {
		return nil, err
	}

	rows, err := c.pool.Query(ctx,
		`SELECT doc -> `+f+`, COUNT(*) FROM documents WHERE `+where+` GROUP BY 1`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]*GroupCount)
	for rows.Next() {
		var raw []byte
		var n int64
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		addGroup(counts, string(raw), raw != nil, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return sortedGroups(counts), nil
}
