// Package configlog is the durable, append-only log of configuration
// snapshots. Each record is one JSON line tagged with the resource path it
// belongs to ("workers" or "tasks") and the acting identity. At start-up the
// log is replayed one record at a time into the worker registry and the task
// scheduler.
//
// Drivers:
//   - "file":     JSON Lines file
//   - "sqlite":   SQLite database (modernc.org/sqlite, pure Go)
//   - "redis":    a Redis list (RPUSH / LRANGE)
//   - "postgres": a PostgreSQL table (pgx pool)
//
// An empty driver or "none" disables persistence.
package configlog
