package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteStore implements DocumentStore, RunHistory and run locks on a single
// SQLite database. Documents are stored as JSON text and queried with the JSON1
// functions.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens a private database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// OpenSQLite creates, initializes and migrates a SQLite store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if !isMemoryPath(s.path) {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	sep := "?"
	if strings.Contains(s.path, "?") {
		sep = "&"
	}
	dsn := s.path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=") + "&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Collection returns a handle on the named document collection.
func (s *SQLiteStore) Collection(name string) (Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &sqliteCollection{db: s.db, name: name}, nil
}

// Insert upserts documents into a collection in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, collection string, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (collection, id, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document id is required")
		}
		body, err := json.Marshal(normalizeFields(doc.Fields))
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, doc.ID, string(body), now); err != nil {
			return fmt.Errorf("failed to insert document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit documents: %w", err)
	}
	return nil
}

func normalizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = NormalizeValue(v)
	}
	return out
}

// Get returns one document.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document: %w", err)
	}

	fields := map[string]any{}
	if err := decodeJSON([]byte(body), &fields); err != nil {
		return Document{}, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return Document{ID: id, Fields: normalizeFields(fields)}, nil
}

type sqliteCollection struct {
	db   *sql.DB
	name string
}

func (c *sqliteCollection) Name() string { return c.name }

func (c *sqliteCollection) where(filter Filter) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	clauses := []string{"collection = ?"}
	args := []any{c.name}
	for _, p := range filter {
		clause, pargs := sqlitePredicate(p)
		clauses = append(clauses, clause)
		args = append(args, pargs...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

const sqliteBlank = `' ' || char(9, 10, 11, 12, 13)`

func sqliteUnsetExpr(path string) (string, []any) {
	expr := `(json_type(doc, ?) IS NULL OR json_type(doc, ?) = 'null' OR ` +
		`(json_type(doc, ?) = 'text' AND trim(json_extract(doc, ?), ` + sqliteBlank + `) = ''))`
	return expr, []any{path, path, path, path}
}

func sqlitePredicate(p Predicate) (string, []any) {
	path := "$." + p.Field
	switch p.Op {
	case OpEq:
		return sqliteMatch(path, p.Value)
	case OpNe:
		expr, args := sqliteMatch(path, p.Value)
		return "NOT coalesce(" + expr + ", 0)", args
	case OpUnset:
		return sqliteUnsetExpr(path)
	default: // OpSet
		expr, args := sqliteUnsetExpr(path)
		return "NOT " + expr, args
	}
}

// sqliteMatch matches documents whose field equals v. json_extract returns 1
// and 0 for JSON booleans, so booleans match on json_type and every other
// value excludes the boolean types.
func sqliteMatch(path string, v any) (string, []any) {
	switch val := NormalizeValue(v).(type) {
	case bool:
		return `json_type(doc, ?) = ?`, []any{path, strconv.FormatBool(val)}
	default:
		return `(json_extract(doc, ?) = ? AND json_type(doc, ?) NOT IN ('true', 'false'))`,
			[]any{path, val, path}
	}
}

func (c *sqliteCollection) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := c.where(filter)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (c *sqliteCollection) FindIDs(ctx context.Context, filter Filter) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		where, args, err := c.where(filter)
		if err != nil {
			yield("", err)
			return
		}

		rows, err := c.db.QueryContext(ctx, `SELECT id FROM documents WHERE `+where+` ORDER BY id`, args...)
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

func (c *sqliteCollection) Claim(ctx context.Context, id, field string, value any) (ClaimOutcome, error) {
	if err := ValidateField(field); err != nil {
		return "", err
	}
	body, err := json.Marshal(NormalizeValue(value))
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}

	path := "$." + field
	unset, unsetArgs := sqliteUnsetExpr(path)
	args := []any{path, string(body), time.Now().UTC(), c.name, id}
	args = append(args, unsetArgs...)

	result, err := c.db.ExecContext(ctx, `
		UPDATE documents SET doc = json_set(doc, ?, json(?)), updated_at = ?
		WHERE collection = ? AND id = ? AND `+unset, args...)
	if err != nil {
		return "", fmt.Errorf("failed to claim document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return ClaimApplied, nil
	}

	var current sql.NullString
	err = c.db.QueryRowContext(ctx,
		`SELECT doc -> ? FROM documents WHERE collection = ? AND id = ?`, path, c.name, id,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read claimed field: %w", err)
	}

	if current.Valid {
		var v any
		if err := decodeJSON([]byte(current.String), &v); err == nil && ValuesEqual(v, value) {
			return ClaimUnchanged, nil
		}
	}
	return ClaimConflict, nil
}

func (c *sqliteCollection) Set(ctx context.Context, id, field string, value any) error {
	n, err := c.update(ctx, Filter{}, field, value, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (c *sqliteCollection) UpdateMany(ctx context.Context, filter Filter, field string, value any) (int64, error) {
	return c.update(ctx, filter, field, value, "")
}

// update sets field on matching documents, optionally restricted to one id.
func (c *sqliteCollection) update(ctx context.Context, filter Filter, field string, value any, id string) (int64, error) {
	if err := ValidateField(field); err != nil {
		return 0, err
	}
	where, args, err := c.where(filter)
	if err != nil {
		return 0, err
	}
	if id != "" {
		where += " AND id = ?"
		args = append(args, id)
	}
	body, err := json.Marshal(NormalizeValue(value))
	if err != nil {
		return 0, fmt.Errorf("failed to encode value: %w", err)
	}

	args = append([]any{"$." + field, string(body), time.Now().UTC()}, args...)
	result, err := c.db.ExecContext(ctx,
		`UPDATE documents SET doc = json_set(doc, ?, json(?)), updated_at = ? WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update documents: %w", err)
	}
	return result.RowsAffected()
}

func (c *sqliteCollection) Unset(ctx context.Context, filter Filter, field string) (int64, error) {
	if err := ValidateField(field); err != nil {
		return 0, err
	}
	where, args, err := c.where(filter)
	if err != nil {
		return 0, err
	}

	path := "$." + field
	args = append([]any{path, time.Now().UTC()}, args...)
	args = append(args, path)
	result, err := c.db.ExecContext(ctx,
		`UPDATE documents SET doc = json_remove(doc, ?), updated_at = ? WHERE `+where+
			` AND json_type(doc, ?) IS NOT NULL`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to unset field: %w", err)
	}
	return result.RowsAffected()
}

func (c *sqliteCollection) AggregateGroupCount(ctx context.Context, filter Filter, field string) ([]GroupCount, error) {
	if err := ValidateField(field); err != nil {
		return nil, err
	}
	where, args, err := c.where(filter)
	if err != nil {
		return nil, err
	}

	args = append([]any{"$." + field}, args...)
	rows, err := c.db.QueryContext(ctx,
		`SELECT doc -> ?, COUNT(*) FROM documents WHERE `+where+` GROUP BY 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]*GroupCount)
	for rows.Next() {
		var raw sql.NullString
		var n int64
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		addGroup(counts, raw.String, raw.Valid, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return sortedGroups(counts), nil
}

// addGroup folds one raw JSON group into counts, merging all unset
// representations into the nil group.
func addGroup(counts map[string]*GroupCount, raw string, valid bool, n int64) {
	var v any
	if valid {
		if err := decodeJSON([]byte(raw), &v); err != nil {
			v = raw
		}
	}
	v = NormalizeValue(v)
	if IsUnset(v, valid) {
		v = nil
	}
	key := ValueKey(v)
	gc, ok := counts[key]
	if !ok {
		gc = &GroupCount{Value: v}
		counts[key] = gc
	}
	gc.Count += n
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	return dec.Decode(v)
}
