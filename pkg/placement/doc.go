// Package placement selects target nodes for new and migrating
// workloads: among active nodes with enough free memory, the one with
// the most slack wins.
package placement
