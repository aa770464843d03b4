// Package mysql stores delivery records and reconciliation runs in MySQL 8.0+.
//
// Dispatch claims use:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY next_attempt_at, id
//   - a claimed_until lease written in the same transaction
//
// Every later write is a compare-and-swap on the version column. See Schema for the tables,
// Locker for GET_LOCK based single-worker locks and RunPruner for run history retention.
package mysql
