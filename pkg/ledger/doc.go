// Package ledger is the validation layer over the append-only credit
// ledger: per-type argument rules (grant, refund, correction, usage
// debits) and sign conventions. Balance math, the running-sum
// invariant, and reference-ID idempotency live in the storage layer.
package ledger
