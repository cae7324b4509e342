/*
Package storage provides durable state persistence for repowarden components
using BoltDB.

Each stateful component (coordinator, sync engine, healer) keeps its entire
state as a single JSON blob under its component name in the "state" bucket.
Writes are full-state writes inside one BoltDB transaction, so a component's
persisted state is always internally consistent. Cross-component transactions
are deliberately not offered.

The underlying database file is shared with the durable queues (see package
queue), which maintain their own buckets.
*/
package storage
