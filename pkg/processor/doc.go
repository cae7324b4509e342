/*
Package processor holds the queue consumers that glue the durable queues to
the stateful components. Processors are the boundary where "something is
broken" becomes a healing task: components report errors, processors decide
between redelivery, retry accounting, and filing remediation work.
*/
package processor
