/*
Package nodestate implements the closed state machine over node statuses.

The state machine is a pure function with no I/O. The persistence layer
(pkg/storage) is the only caller that applies transitions, pairing the
validity check with a compare-and-swap write and an appended audit record.
*/
package nodestate
