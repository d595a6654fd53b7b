// Package stores provides the document collection layer used by the strata engine.
// It defines the Collection contract consumed by the assignment engine (count, id
// enumeration, conditional claim, bulk set/unset and group-and-count aggregation)
// together with SQLite, Postgres (JSONB) and in-memory implementations, and the
// SQLite-backed run history and run locks.
package stores
