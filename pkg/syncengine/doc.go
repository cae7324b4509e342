/*
Package syncengine implements the repo sync engine: the mirror of repository
metadata from the code host, the cohesiveness scorer, and the fan-out of
remediation work.

The engine is a single-writer actor over one durable state blob (repo map,
known list, sync position, recent errors). It never talks to the code host
itself: sync triggers only enqueue scrape tasks, and the scrape processor
feeds results back through UpdateRepo. The engine owns the canonical
repo:{fullName} cache keys; every other repo-derived key is best-effort
cache with a TTL.
*/
package syncengine
