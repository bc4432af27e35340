/*
Package storage provides BoltDB-backed persistence for all coordinator
state: nodes and their audited transitions, bot instances and profiles,
recovery events and items, the credit ledger, snapshots, registration
tokens, and tenant status.

Each entity lives in its own bucket with JSON-serialized values. Bolt's
single-writer update transactions carry the two consistency-critical
operations:

  - TransitionNode pairs the state-machine check with a compare-and-swap
    on the caller-observed status and appends the audit record, all in one
    transaction. A stale observation surfaces as ConcurrentTransitionError.
  - AppendCredit performs the reference-ID idempotency lookup, the
    running-balance computation, the ledger insert, and the balance-cache
    upsert in one transaction, so the per-tenant running sum can never be
    observed torn.

Append-only buckets (node_transitions, credit_transactions,
recovery_items) have no update path in normal operation; recovery items
are the exception, rewritten only by the retry sweep.
*/
package storage
