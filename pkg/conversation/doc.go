// Package conversation owns durable direct-message history.
//
// Invariants:
//   - Message IDs are store-assigned, unique and never reused.
//   - CreatedAt is strictly increasing per store; history is ordered by
//     (CreatedAt, Seq).
//   - A conversation pair is unordered: ListByPair(a, b) == ListByPair(b, a).
//   - Edits touch Content and UpdatedAt only.
//   - Removal is permanent; a removed ID fails every later edit or removal.
//
// Three backends implement Store: an in-memory store for tests and ephemeral
// deployments, SQLite (mattn/go-sqlite3) and Badger.
//
// Usage:
//
//	store, _ := conversation.NewSQLiteStore("/tmp/courier/messages.db", zerolog.Nop())
//	msg, _ := store.Append(ctx, "alice", "bob", "hello")
//	history, _ := store.ListByPair(ctx, "bob", "alice", 0)
//	_ = history
package conversation
