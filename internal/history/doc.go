// Package history records task execution outcomes: a bounded in-memory ring
// for snapshots, and an optional SQLite store for post-mortem inspection
// across restarts.
package history
