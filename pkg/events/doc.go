// Package events provides an in-process publish/subscribe broker for
// fleet lifecycle events. Components publish node, recovery, billing,
// and service-health events; subscribers receive them on buffered
// channels and slow subscribers are skipped rather than blocking the
// broker.
package events
