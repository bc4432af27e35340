/*
Package recovery rebuilds tenants off a dead node onto survivors.

TriggerRecovery brackets the node through offline and recovering, pulls
the tenant list from the assignment source (pre-sorted by tier
priority), and for each tenant downloads its snapshot onto a best-fit
target, imports the container with the tenant's stored profile, and
verifies it. Tenants that find no capacity are queued as waiting;
RetryWaiting reprocesses them once capacity returns. Every incident is
a persistent RecoveryEvent with one RecoveryItem per attempt.
*/
package recovery
