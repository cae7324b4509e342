/*
Package queue implements the three durable work queues (jobs, scrape tasks,
healing tasks) on BoltDB buckets shared with the state store.

Messages are JSON envelopes keyed by a monotonically increasing sequence
number, so dequeue order is enqueue order. Delivery is at-least-once:

	q, _ := queue.New(db, "jobs")
	id, _ := q.Enqueue(job)

	deliveries, _ := q.Dequeue(10)
	for _, d := range deliveries {
		var job types.Job
		_ = d.Decode(&job)
		// ... process, then exactly one of:
		_ = d.Ack()   // consume
		_ = d.Retry() // bump attempts, leave queued
	}

Consumer wraps this in a ticker-driven poll loop with a stop channel.
*/
package queue
