/*
Package healer implements the self-healer: it takes healing tasks off the
healing queue, runs the task's current strategy, and on repeated failure
advances the task through a fixed escalation graph that ends at human
review.

The graph is a static table (strategy.go): each strategy has an attempt
budget, a per-attempt backoff schedule, and a successor. Attempt counters
reset on every strategy transition. Terminal statuses are resolved and
escalated; escalation is never counted as a success.

The healer is a single-writer actor over one durable state blob (task
registry plus lifetime metrics). Strategy execution, including backoff
sleeps, happens outside the mutex on a working copy of the task.
*/
package healer
