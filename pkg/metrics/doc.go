/*
Package metrics exposes Prometheus metrics for the fleet coordinator.
Gauges reflecting stored state (nodes, bots, recovery events) are
refreshed by a Collector polling every 15 seconds; counters are bumped
inline by the subsystems that own them.
*/
package metrics
