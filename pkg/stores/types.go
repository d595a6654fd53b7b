package stores

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned when a document or run does not exist.
	ErrNotFound = errors.New("stores: not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("stores: store closed")
)

// ClaimOutcome is the result of a conditional claim.
type ClaimOutcome string

const (
	// ClaimApplied means the field was unset and now holds the claimed value.
	ClaimApplied ClaimOutcome = "applied"

	// ClaimUnchanged means the field already held the claimed value. Nothing was written.
	ClaimUnchanged ClaimOutcome = "unchanged"

	// ClaimConflict means the field holds a different value.
	ClaimConflict ClaimOutcome = "conflict"
)

// Succeeded reports whether the record carries the claimed value after the claim.
func (o ClaimOutcome) Succeeded() bool {
	return o == ClaimApplied || o == ClaimUnchanged
}

// Document is a record of a collection.
type Document struct {
	ID     string         `json:"_id"`
	Fields map[string]any `json:"fields"`
}

// GroupCount is one row of a group-and-count aggregation. Unset values are
// reported with a nil Value.
type GroupCount struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

// Collection is the document collection contract consumed by the engine.
// Implementations must make Claim atomic per document.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// FindIDs lazily yields the ids of matching documents in ascending order.
	// The sequence is restartable: ranging over it again re-runs the query.
	FindIDs(ctx context.Context, filter Filter) iter.Seq2[string, error]

	// Claim sets field to value only if field is currently unset.
	Claim(ctx context.Context, id, field string, value any) (ClaimOutcome, error)

	// Set unconditionally sets field on one document.
	Set(ctx context.Context, id, field string, value any) error

	// UpdateMany sets field to value on all matching documents.
	UpdateMany(ctx context.Context, filter Filter, field string, value any) (int64, error)

	// Unset removes field from all matching documents.
	Unset(ctx context.Context, filter Filter, field string) (int64, error)

	// AggregateGroupCount groups matching documents by field and counts them.
	AggregateGroupCount(ctx context.Context, filter Filter, field string) ([]GroupCount, error)
}

// DocumentStore hands out collections and owns the underlying connection.
type DocumentStore interface {
	Collection(name string) (Collection, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Importer is implemented by stores that can bulk load documents.
type Importer interface {
	Insert(ctx context.Context, collection string, docs []Document) error
}

// RunRecord is the persisted summary of an assignment run.
type RunRecord struct {
	ID          string     `json:"id"`
	Collection  string     `json:"collection"`
	LabelField  string     `json:"label_field"`
	Mode        string     `json:"mode"`
	State       string     `json:"state"`
	Outcome     string     `json:"outcome,omitempty"`
	Seed        uint64     `json:"seed"`
	QuotaDigest string     `json:"quota_digest"`
	Requested   int64      `json:"requested"`
	Assigned    int64      `json:"assigned"`
	Shortfall   int64      `json:"shortfall"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunCell is the persisted per-(partition, value) outcome of a run.
type RunCell struct {
	RunID     string `json:"run_id"`
	Partition string `json:"partition"`
	Value     string `json:"value"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Assigned  int64  `json:"assigned"`
	Shortfall int64  `json:"shortfall"`
	Conflicts int64  `json:"conflicts"`
	Actual    int64  `json:"actual"`
	Delta     int64  `json:"delta"`
	Skipped   bool   `json:"skipped"`
}

// RunEvent is an append-only log entry attached to a run.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	Partition string    `json:"partition,omitempty"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunHistory persists runs, their cells and events.
type RunHistory interface {
	SaveRun(ctx context.Context, run *RunRecord, cells []RunCell) error
	GetRun(ctx context.Context, id string) (*RunRecord, []RunCell, error)
	ListRuns(ctx context.Context, collection string, limit, offset int) ([]*RunRecord, error)
	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, runID string, limit, offset int) ([]*RunEvent, error)
}
