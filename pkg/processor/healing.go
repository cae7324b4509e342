package processor

import (
	"context"

	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/rs/zerolog"
)

// HealingProcessor consumes the healing queue and forwards each task to the
// self-healer. Strategy progression is entirely the healer's business: a
// failed attempt comes back as a fresh pending message, so the delivery is
// acked whenever the healer ran at all. Redelivery is requested only when
// the healer's own infrastructure failed.
type HealingProcessor struct {
	healer *healer.Healer
	logger zerolog.Logger
}

// NewHealingProcessor creates a healing consumer.
func NewHealingProcessor(h *healer.Healer) *HealingProcessor {
	return &HealingProcessor{
		healer: h,
		logger: log.WithComponent("healingprocessor"),
	}
}

// Handle processes one delivery from the healing queue.
func (p *HealingProcessor) Handle(ctx context.Context, d *queue.Delivery) {
	var task types.HealingTask
	if err := d.Decode(&task); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("dropping undecodable healing message")
		p.ack(d)
		return
	}

	if _, err := p.healer.Heal(ctx, &task); err != nil {
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("healing attempt could not run")
		if rerr := d.Retry(); rerr != nil {
			p.logger.Error().Err(rerr).Str("message_id", d.ID).Msg("failed to mark message for redelivery")
		}
		return
	}
	p.ack(d)
}

func (p *HealingProcessor) ack(d *queue.Delivery) {
	if err := d.Ack(); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("failed to ack message")
	}
}
