/*
Package kv provides the shared key-value cache backed by Redis.

The key space and TTL policy:

	repo:{owner}/{name}          canonical repo record (engine write, no TTL)
	cohesiveness:{owner}/{name}  score snapshot, 1h TTL
	skipped:{taskId}             notify-and-skip record, 7d TTL
	escalated:{taskId}           escalation record, no TTL
	cache:{jobId}                per-job scratch cache
	report:daily:{YYYY-MM-DD}    daily report, 30d TTL

Writes from multiple components to the same key are avoided by contract:
every canonical key has exactly one owning component.
*/
package kv
