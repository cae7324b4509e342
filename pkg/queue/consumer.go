package queue

import (
	"context"
	"time"

	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/rs/zerolog"
)

// Handler processes one delivery. The handler owns the ack/retry decision:
// it must call d.Ack() to consume the message or d.Retry() to request
// redelivery.
type Handler func(ctx context.Context, d *Delivery)

// Consumer polls a queue on a fixed interval and hands batches to a Handler.
type Consumer struct {
	queue     *Queue
	handler   Handler
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// NewConsumer creates a batch consumer for the queue.
func NewConsumer(q *Queue, batchSize int, interval time.Duration, handler Handler) *Consumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{
		queue:     q,
		handler:   handler,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.WithComponent("queue." + q.Name()),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the consume loop
func (c *Consumer) Start() {
	go c.run()
}

// Stop stops the consumer
func (c *Consumer) Stop() {
	close(c.stopCh)
}

func (c *Consumer) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.consume(); err != nil {
				c.logger.Error().Err(err).Msg("consume cycle failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// consume performs one poll cycle. Messages within a batch are processed
// sequentially; serialization across components happens inside the
// components themselves.
func (c *Consumer) consume() error {
	deliveries, err := c.queue.Dequeue(c.batchSize)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, d := range deliveries {
		select {
		case <-c.stopCh:
			return nil
		default:
		}
		c.handler(ctx, d)
	}
	return nil
}
