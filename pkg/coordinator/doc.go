/*
Package coordinator implements the job coordinator: the authoritative
registry of jobs, their status lifecycle, retry accounting, metrics, and
garbage collection.

The coordinator is a single-writer actor. Its whole state (job map plus
lifetime counters) is one durable blob; every mutating operation rewrites it
under the component mutex. The coordinator records the transitions that
queue processors report, it never decides retries itself.

Job status is monotone with one sanctioned exception: a failed job may be
reopened through healing (failed -> healing -> pending) when the self-healer
re-enqueues it.
*/
package coordinator
