/*
Package watchdog ingests node heartbeats and sweeps for dead nodes.
A node that misses heartbeats past the dead threshold is handed to the
recovery callback; in-flight recoveries are deduplicated so a slow
recovery is never triggered twice.
*/
package watchdog
