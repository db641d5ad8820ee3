// Package journal is the SQLite write journal: every intent, every
// provider attempt, the single submission of a successful intent, and the
// confirmation outcome.
//
// # Rules
//
//   - Writes are idempotent: ON CONFLICT DO NOTHING.
//   - submissions.intent_id is UNIQUE. RecordSubmission reports
//     inserted=false for a second submission of the same intent.
//   - Rows are stamped by a logical Clock. Reads order by
//     seq ASC, id ASC COLLATE BINARY, never by wall time.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package journal
