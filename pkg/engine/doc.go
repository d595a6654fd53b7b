// Package engine assigns categorical labels to records of a document
// collection so that every partition matches a quota table.
//
// # Overview
//
// A run moves strictly forward through these states:
//
//  1. Planned - options and lock
//  2. Normalizing - quota table to absolute per-cell targets (Normalizer),
//     then reset (fresh) or residuals (continuation) (Controller)
//  3. Sampling - one seeded permutation per partition (Sampler)
//  4. Writing - conditional claims with reserve redraws (Writer) and
//     derived field propagation (Propagator)
//  5. Verifying - recount and classify every cell (Reporter)
//
// It ends in Completed, PartiallyCompleted or Inconsistent. Any non-terminal
// state may fail. Runner sequences the components and persists history.
//
// # Partitions
//
// A partition is the set of records sharing the values of the partition
// fields. Missing, null and blank attributes resolve to Unspecified:
//
//	r := engine.NewResolver([]string{"channel", "message_count"})
//	key := r.Resolve(map[string]any{"message_count": 1.0})
//	key.String() // channel=__unspecified__|message_count=1
//
// # Quotas
//
// Counts tables carry absolute targets. Fractions tables are resolved with
// Allocate: floor(population * fraction) per value, with the remainder either
// left unlabeled (open) or added to the largest fraction (closed).
//
// # Error Classification
//
// Errors carry a class used for flow control:
//
//   - Connectivity: store failure, the run fails
//   - Validation: invalid table or options, raised before sampling
//   - Shortfall: too few eligible records, the run continues
//   - Conflict: a claim lost to a concurrent writer, redrawn from the reserve
//   - Inconsistency: verification drift or derived field mismatch
//   - Locked: another run holds the lock for the same label field
//
// # Concurrency
//
// Partitions are processed in parallel, bounded by Options.Parallelism.
// Values within a partition are written sequentially. A run never rolls back:
// a failed run leaves its applied claims in place for continuation.
package engine
