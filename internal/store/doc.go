// Package store provides durable storage for replicated documents.
//
// Each document has three kinds of records:
//   - documents: the latest snapshot (encoded state plus state summary)
//   - updates: an append-only log of every novel update, ids strictly
//     increasing per database
//   - compactions: the state folded out of the log by Compact, and the
//     highest folded update id (the history floor)
//
// The file_index table is a derived, queryable projection of the workspace
// used by tools that list files without decoding any document.
//
// Three backends share one contract: Store (SQLite), Memory (in process,
// used by session rooms and tests) and pgstore.Store (Postgres).
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
package store
