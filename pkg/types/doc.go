/*
Package types defines the core data structures shared across the fleet
coordinator: nodes and their audited status transitions, tenant bot
instances and profiles, recovery events and per-tenant recovery items, the
credit ledger rows and balance cache, snapshots, registration tokens, and
the framed JSON messages exchanged with node agents.

All long-lived state is owned by the coordinator and persisted through
pkg/storage; node agents never write these records directly. Wire frames in
wire.go mirror the agent protocol byte-for-byte and are the only types with
JSON tags bound to the external contract.
*/
package types
