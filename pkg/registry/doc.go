/*
Package registry handles the node registration handshake and its
single-use tokens. Unknown nodes are inserted and activated on first
registration; nodes coming back from a down state re-enter through the
returning path. Token-based registration mints the node's durable
secret, storing only its SHA-256 hash.
*/
package registry
