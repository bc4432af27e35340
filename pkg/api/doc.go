/*
Package api is the coordinator's HTTP surface: the admin credit
endpoints, node and recovery administration, registration-token minting,
the node-agent WebSocket mount, the event stream, and /metrics.
Handlers translate typed domain errors into the documented status codes
and JSON bodies; they contain no business logic of their own.
*/
package api
