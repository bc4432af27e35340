// Package notify delivers operational events to administrators via
// structured logs and an optional webhook. Delivery is best-effort and
// never blocks or fails the calling operation.
package notify
