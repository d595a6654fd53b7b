package stores

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-process DocumentStore. It is used by tests and by
// `memory://` DSNs for dry experiments.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// Collection returns the named collection, creating it on first use.
func (s *MemoryStore) Collection(name string) (Collection, error) {
	return s.collection(name)
}

func (s *MemoryStore) collection(name string) (*memoryCollection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{name: name, store: s, docs: make(map[string]map[string]any)}
		s.collections[name] = c
	}
	return c, nil
}

// Insert adds or replaces documents.
func (s *MemoryStore) Insert(_ context.Context, collection string, docs []Document) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document id is required")
		}
		fields := make(map[string]any, len(doc.Fields))
		for k, v := range doc.Fields {
			fields[k] = NormalizeValue(v)
		}
		c.docs[doc.ID] = fields
	}
	return nil
}

// Get returns a copy of a document.
func (s *MemoryStore) Get(collection, id string) (Document, error) {
	c, err := s.collection(collection)
	if err != nil {
		return Document{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	fields, ok := c.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return Document{ID: id, Fields: maps.Clone(fields)}, nil
}

// HealthCheck reports whether the store is open.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *MemoryStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

type memoryCollection struct {
	name  string
	store *MemoryStore

	mu   sync.RWMutex
	docs map[string]map[string]any
}

func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) check(ctx context.Context, filter Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.store.isClosed() {
		return ErrClosed
	}
	return filter.Validate()
}

func (c *memoryCollection) Count(ctx context.Context, filter Filter) (int64, error) {
	if err := c.check(ctx, filter); err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for _, fields := range c.docs {
		if Matches(fields, filter) {
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) FindIDs(ctx context.Context, filter Filter) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := c.check(ctx, filter); err != nil {
			yield("", err)
			return
		}

		c.mu.RLock()
		ids := make([]string, 0)
		for id, fields := range c.docs {
			if Matches(fields, filter) {
				ids = append(ids, id)
			}
		}
		c.mu.RUnlock()

		slices.Sort(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (c *memoryCollection) Claim(ctx context.Context, id, field string, value any) (ClaimOutcome, error) {
	if err := c.check(ctx, Filter{Set(field)}); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fields, ok := c.docs[id]
	if !ok {
		return "", fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	current, present := fields[field]
	if IsUnset(current, present) {
		fields[field] = NormalizeValue(value)
		return ClaimApplied, nil
	}
	if ValuesEqual(current, value) {
		return ClaimUnchanged, nil
	}
	return ClaimConflict, nil
}

func (c *memoryCollection) Set(ctx context.Context, id, field string, value any) error {
	if err := c.check(ctx, Filter{Set(field)}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fields, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	fields[field] = NormalizeValue(value)
	return nil
}

func (c *memoryCollection) UpdateMany(ctx context.Context, filter Filter, field string, value any) (int64, error) {
	if err := c.check(ctx, filter.And(Set(field))); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, fields := range c.docs {
		if Matches(fields, filter) {
			fields[field] = NormalizeValue(value)
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) Unset(ctx context.Context, filter Filter, field string) (int64, error) {
	if err := c.check(ctx, filter.And(Set(field))); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, fields := range c.docs {
		if !Matches(fields, filter) {
			continue
		}
		if _, present := fields[field]; present {
			delete(fields, field)
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) AggregateGroupCount(ctx context.Context, filter Filter, field string) ([]GroupCount, error) {
	if err := c.check(ctx, filter.And(Set(field))); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]*GroupCount)
	for _, fields := range c.docs {
		if !Matches(fields, filter) {
			continue
		}
		v, present := fields[field]
		if IsUnset(v, present) {
			v = nil
		}
		key := ValueKey(v)
		gc, ok := counts[key]
		if !ok {
			gc = &GroupCount{Value: v}
			counts[key] = gc
		}
		gc.Count++
	}
	return sortedGroups(counts), nil
}

// sortedGroups orders aggregation rows by canonical value key so results are
// deterministic across stores.
func sortedGroups(counts map[string]*GroupCount) []GroupCount {
	keys := slices.Sorted(maps.Keys(counts))
	out := make([]GroupCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, *counts[k])
	}
	return out
}
