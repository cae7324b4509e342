package processor

import (
	"context"

	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/metrics"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/scraper"
	"github.com/blackroad-os/repowarden/pkg/syncengine"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/rs/zerolog"
)

// scrapeHealMaxAttempts caps retry_with_backoff for scrape failures below
// the strategy's default budget.
const scrapeHealMaxAttempts = 3

// scrapeDeliveryLimit bounds how often a failing scrape message is
// redelivered; past it the healing task is the only recovery path.
const scrapeDeliveryLimit = 3

// ScrapeProcessor consumes the scrape queue: it runs the scraper and feeds
// results into the sync engine. The engine's UpdateRepo is the canonical
// cache write, so the processor writes nothing to the KV store itself.
type ScrapeProcessor struct {
	engine       *syncengine.Engine
	scraper      scraper.Scraper
	healingQueue *queue.Queue
	clock        clock.Clock
	logger       zerolog.Logger
}

// NewScrapeProcessor creates a scrape consumer.
func NewScrapeProcessor(engine *syncengine.Engine, sc scraper.Scraper, healingQueue *queue.Queue, clk clock.Clock) *ScrapeProcessor {
	return &ScrapeProcessor{
		engine:       engine,
		scraper:      sc,
		healingQueue: healingQueue,
		clock:        clk,
		logger:       log.WithComponent("scrapeprocessor"),
	}
}

// Handle processes one delivery from the scrape queue.
func (p *ScrapeProcessor) Handle(ctx context.Context, d *queue.Delivery) {
	var task types.ScrapeTask
	if err := d.Decode(&task); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("dropping undecodable scrape message")
		p.ack(d)
		return
	}
	logger := p.logger.With().Str("repo", task.Repo).Str("task_id", task.ID).Logger()

	data, err := p.scraper.Scrape(ctx, &task)
	if err != nil {
		metrics.ScrapesTotal.WithLabelValues("failure").Inc()
		p.engine.RecordSyncError(task.Repo, err.Error())

		heal := healer.NewTask("scrape-"+task.ID, types.HealingIssue{
			Type:        "scrape_failure",
			Severity:    "high",
			Description: "scrape of " + task.Repo + " failed",
			Context:     map[string]string{"repoName": task.Repo},
			Error:       err.Error(),
		}, types.StrategyRetryWithBackoff, p.clock.Now())
		heal.MaxAttempts = scrapeHealMaxAttempts

		if _, qerr := p.healingQueue.Enqueue(heal); qerr != nil {
			logger.Error().Err(qerr).Msg("failed to enqueue healing task")
		}

		if d.Attempts+1 >= scrapeDeliveryLimit {
			logger.Error().Err(err).Msg("scrape failed, delivery limit reached")
			p.ack(d)
			return
		}
		logger.Warn().Err(err).Msg("scrape failed, redelivering")
		p.retry(d)
		return
	}

	if data == nil {
		// ETag match: nothing changed upstream.
		metrics.ScrapesTotal.WithLabelValues("not_modified").Inc()
		p.ack(d)
		return
	}

	if err := p.engine.UpdateRepo(ctx, data); err != nil {
		logger.Error().Err(err).Msg("failed to record scraped repo")
		p.retry(d)
		return
	}

	metrics.ScrapesTotal.WithLabelValues("success").Inc()
	logger.Info().Msg("repo scraped")
	p.ack(d)
}

func (p *ScrapeProcessor) ack(d *queue.Delivery) {
	if err := d.Ack(); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("failed to ack message")
	}
}

func (p *ScrapeProcessor) retry(d *queue.Delivery) {
	if err := d.Retry(); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("failed to mark message for redelivery")
	}
}
