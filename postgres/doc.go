// Package postgres stores delivery records and reconciliation runs in PostgreSQL.
//
// The schema ships as embedded migrations applied with Migrate. Dispatch claims are a
// single UPDATE over a FOR UPDATE SKIP LOCKED selection, and single-worker locks use
// session advisory locks.
package postgres
