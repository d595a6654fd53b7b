// Package runlock provides the run locks that keep two runs from writing
// the same (collection, label field) pair at once.
//
// Three backends implement engine.Locker:
//
//   - MemoryLocker serializes runs inside one process.
//   - SQLiteLocker stores leases in the run history database, so runs
//     against one history file exclude each other.
//   - NATSLocker keeps leases in a JetStream key-value bucket whose TTL
//     frees the lock of a crashed run.
//
// Lock returns ErrLocked when another owner holds the key. SQLite and NATS
// leases are renewed every third of their TTL while held; both implement
// engine.Lease, whose Lost channel closes if a renewal fails.
package runlock
