package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Message is the durable envelope around a queued payload.
type Message struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Queue is a durable FIFO work queue backed by a BoltDB bucket.
//
// Delivery is at-least-once: Dequeue returns messages without removing them,
// and a message only leaves the queue when its Delivery is acked. Consumers
// must therefore be idempotent per message ID.
type Queue struct {
	db     *bolt.DB
	name   string
	bucket []byte
}

// New creates (or reopens) the named queue on the shared database.
func New(db *bolt.DB, name string) (*Queue, error) {
	bucket := []byte("queue:" + name)
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	return &Queue{db: db, name: name, bucket: bucket}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue appends a payload to the queue and returns the message ID.
func (q *Queue) Enqueue(v interface{}) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := Message{
		ID:         uuid.New().String(),
		Body:       body,
		EnqueuedAt: time.Now(),
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return "", err
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(q.bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue on %s: %w", q.name, err)
	}
	return msg.ID, nil
}

// Dequeue returns up to max messages in FIFO order. Messages stay in the
// queue until acked; an unacked message is redelivered on the next call.
func (q *Queue) Dequeue(max int) ([]*Delivery, error) {
	var deliveries []*Delivery
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(q.bucket).Cursor()
		for k, v := c.First(); k != nil && len(deliveries) < max; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			deliveries = append(deliveries, &Delivery{Message: msg, queue: q, key: key})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", q.name, err)
	}
	return deliveries, nil
}

// Depth returns the number of messages currently in the queue.
func (q *Queue) Depth() (int, error) {
	depth := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(q.bucket).Stats().KeyN
		return nil
	})
	return depth, err
}

// Delivery is one dequeued message plus its ack/retry handle.
type Delivery struct {
	Message

	queue *Queue
	key   []byte
}

// Ack removes the message from the queue.
func (d *Delivery) Ack() error {
	return d.queue.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.queue.bucket).Delete(d.key)
	})
}

// Retry records a failed attempt and leaves the message queued for
// redelivery.
func (d *Delivery) Retry() error {
	d.Attempts++
	data, err := json.Marshal(&d.Message)
	if err != nil {
		return err
	}
	return d.queue.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.queue.bucket).Put(d.key, data)
	})
}

// Decode unmarshals the message body into v.
func (d *Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
