/*
Package billing gates tenant workloads on their credit balance.

A tenant whose balance reaches zero has every active bot suspended with
a 30-day destruction deadline; a positive balance reactivates the same
set. The daily cron charges runtime and storage per active bot with an
idempotent per-day reference ID, suspends newly broke tenants, and
destroys bots past their grace period.
*/
package billing
