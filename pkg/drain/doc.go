/*
Package drain migrates every tenant off a node before decommission.

The node is moved to draining before the first migration attempt, each
hosted bot is exported from the source and imported on a best-fit
target, and the node only goes offline when every migration succeeded.
Partial failure leaves the node draining so an operator can retry after
freeing capacity.
*/
package drain
