// Package delivery provides a transactional outbox for outbound integration calls.
//
// Typical flow:
//  1. Enqueue an Intent. Identical intents resolve to the same Record through a
//     content-derived idempotency key enforced by the store's unique index.
//  2. Run DispatchBatch from a scheduler. Due records are claimed with a lease,
//     partitioned by integration, paced to the integration's rate limit and handed
//     to the registered Adapter. Successes become sent, rate-limited calls are
//     rescheduled without consuming an attempt, other failures back off
//     exponentially and move to dead_letter after the final attempt.
//  3. Run Reconcile per integration to reset queued records that have been stuck
//     longer than the staleness threshold. Each sweep is recorded as a
//     ReconciliationRun.
//
// Storage backends live in the mysql, postgres and memory packages. Provider
// adapters live under adapter/.
package delivery
