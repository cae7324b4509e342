/*
Package types defines the shared data model for repowarden.

Types here are pure data: jobs and their lifecycle states, scrape tasks,
normalized repository records with cohesiveness scores, and healing tasks
with their strategy/escalation fields. All state-bearing components persist
these structures as JSON, so field tags are part of the storage format.
*/
package types
