package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrLockHeld is returned by AcquireLock when another owner holds an unexpired lock.
var ErrLockHeld = errors.New("stores: lock held by another owner")

// SaveRun upserts a run record and replaces its cells.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord, cells []RunCell) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO runs (id, collection, label_field, mode, state, outcome, seed, quota_digest,
			requested, assigned, shortfall, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			quota_digest = excluded.quota_digest,
			outcome = excluded.outcome,
			requested = excluded.requested,
			assigned = excluded.assigned,
			shortfall = excluded.shortfall,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err = tx.ExecContext(ctx, query,
		run.ID,
		run.Collection,
		run.LabelField,
		run.Mode,
		run.State,
		run.Outcome,
		strconv.FormatUint(run.Seed, 10),
		run.QuotaDigest,
		run.Requested,
		run.Assigned,
		run.Shortfall,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_cells WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear run cells: %w", err)
	}

	for _, cell := range cells {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_cells (run_id, partition, value, requested, available, assigned,
				shortfall, conflicts, actual, delta, skipped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			cell.Partition,
			cell.Value,
			cell.Requested,
			cell.Available,
			cell.Assigned,
			cell.Shortfall,
			cell.Conflicts,
			cell.Actual,
			cell.Delta,
			cell.Skipped,
		)
		if err != nil {
			return fmt.Errorf("failed to save run cell: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its cells by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, []RunCell, error) {
	query := `
		SELECT id, collection, label_field, mode, state, outcome, seed, quota_digest,
			requested, assigned, shortfall, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, partition, value, requested, available, assigned, shortfall, conflicts,
			actual, delta, skipped
		FROM run_cells
		WHERE run_id = ?
		ORDER BY partition, value
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run cells: %w", err)
	}
	defer rows.Close()

	cells := []RunCell{}
	for rows.Next() {
		var c RunCell
		if err := rows.Scan(
			&c.RunID,
			&c.Partition,
			&c.Value,
			&c.Requested,
			&c.Available,
			&c.Assigned,
			&c.Shortfall,
			&c.Conflicts,
			&c.Actual,
			&c.Delta,
			&c.Skipped,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan run cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating run cells: %w", err)
	}

	return run, cells, nil
}

// ListRuns lists runs newest first, optionally restricted to one collection.
func (s *SQLiteStore) ListRuns(ctx context.Context, collection string, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, collection, label_field, mode, state, outcome, seed, quota_digest,
			requested, assigned, shortfall, error, started_at, completed_at
		FROM runs
		WHERE (? = '' OR collection = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, collection, collection, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	var seed string
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Collection,
		&run.LabelField,
		&run.Mode,
		&run.State,
		&run.Outcome,
		&seed,
		&run.QuotaDigest,
		&run.Requested,
		&run.Assigned,
		&run.Shortfall,
		&run.Error,
		&run.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	// Seeds span the full uint64 range, which INTEGER columns cannot hold.
	if run.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid seed %q for run %s: %w", seed, run.ID, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// AppendEvent appends a new event to the run log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	query := `
		INSERT INTO run_events (run_id, level, type, partition, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Level,
		event.Type,
		event.Partition,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves the events of a run in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]*RunEvent, error) {
	query := `
		SELECT id, run_id, level, type, partition, message, details, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*RunEvent{}
	for rows.Next() {
		event := &RunEvent{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Level,
			&event.Type,
			&event.Partition,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// AcquireLock takes the named lock for owner until ttl elapses. Expired locks
// are taken over. Re-acquiring a lock already held by owner extends it.
func (s *SQLiteStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_locks WHERE key = ? AND (expires_at < ? OR owner = ?)`,
		key, now.UnixNano(), owner,
	); err != nil {
		return fmt.Errorf("failed to expire lock: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO run_locks (key, owner, expires_at) VALUES (?, ?, ?) ON CONFLICT (key) DO NOTHING`,
		key, owner, now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("lock %s: %w", key, ErrLockHeld)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock: %w", err)
	}
	return nil
}

// ReleaseLock drops the named lock if owner still holds it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_locks WHERE key = ? AND owner = ?`, key, owner,
	); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
