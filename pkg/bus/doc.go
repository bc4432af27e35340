/*
Package bus implements the coordinator side of the node-agent wire
protocol: one persistent WebSocket per registered node, framed JSON
messages, and a correlated request/response layer on top.

The Registry owns the sockets. The Bus assigns a UUID per command,
parks the caller on a buffered channel keyed by that UUID, and delivers
the matching command_result frame when the agent answers; a per-call
timer bounds the wait (default 30s). The LinkHandler authenticates
agents by hashing the presented bearer secret with SHA-256 and
comparing against the stored hash, then runs the read loop that
dispatches heartbeat, command_result, and health_event frames.
*/
package bus
