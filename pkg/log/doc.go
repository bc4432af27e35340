// Package log wraps zerolog with a global logger and helpers for
// attaching the coordinator's common fields (component, node_id,
// tenant_id, bot_id) to child loggers.
package log
