package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/coordinator"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/rs/zerolog"
)

// ErrValidation marks permanent input errors. A job failing with it goes
// straight to failed: retries and healing cannot fix a bad payload.
var ErrValidation = errors.New("invalid job payload")

// JobHandler executes one job and returns its result payload.
type JobHandler func(ctx context.Context, job *types.Job) (string, error)

// Notifier is the sink for notify jobs raised by escalations.
type Notifier interface {
	Notify(ctx context.Context, job *types.Job)
}

// logNotifier is the default sink: the structured warning log line is the
// notification channel.
type logNotifier struct {
	logger zerolog.Logger
}

func (n logNotifier) Notify(ctx context.Context, job *types.Job) {
	n.logger.Warn().
		Str("job_id", job.ID).
		Interface("payload", job.Payload).
		Msg("notification")
}

// JobProcessor consumes the job queue: it dispatches each job to the
// handler registered for its type, reports the outcome to the coordinator,
// and promotes jobs that exhausted their retry budget into healing tasks.
type JobProcessor struct {
	coord        *coordinator.Coordinator
	healingQueue *queue.Queue
	clock        clock.Clock
	logger       zerolog.Logger
	notifier     Notifier

	mu       sync.RWMutex
	handlers map[types.JobType]JobHandler
}

// NewJobProcessor creates a processor with an empty handler registry.
func NewJobProcessor(coord *coordinator.Coordinator, healingQueue *queue.Queue, clk clock.Clock) *JobProcessor {
	return &JobProcessor{
		coord:        coord,
		healingQueue: healingQueue,
		clock:        clk,
		logger:       log.WithComponent("jobprocessor"),
		notifier:     logNotifier{logger: log.WithComponent("notifier")},
		handlers:     make(map[types.JobType]JobHandler),
	}
}

// SetNotifier replaces the default log-based notification sink.
func (p *JobProcessor) SetNotifier(n Notifier) {
	if n != nil {
		p.notifier = n
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (p *JobProcessor) Register(t types.JobType, h JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

func (p *JobProcessor) handlerFor(t types.JobType) (JobHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[t]
	return h, ok
}

// Handle processes one delivery from the job queue.
func (p *JobProcessor) Handle(ctx context.Context, d *queue.Delivery) {
	var job types.Job
	if err := d.Decode(&job); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("dropping undecodable job message")
		p.ack(d)
		return
	}
	logger := p.logger.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()

	// The coordinator's record is authoritative when it has one; jobs
	// requeued by the healer are known only to the queue.
	tracked := true
	if current, err := p.coord.GetJob(job.ID); err == nil {
		job = *current
	} else if errors.Is(err, coordinator.ErrNotFound) {
		tracked = false
	} else {
		logger.Error().Err(err).Msg("failed to load job")
		p.retry(d)
		return
	}

	p.setStatus(tracked, job.ID, types.JobStatusRunning, nil)

	handler, ok := p.handlerFor(job.Type)
	if !ok {
		p.fail(ctx, d, &job, tracked, fmt.Errorf("no handler for job type %s", job.Type))
		return
	}

	result, err := handler(ctx, &job)
	if err != nil {
		p.fail(ctx, d, &job, tracked, err)
		return
	}

	completed := types.JobStatusCompleted
	p.update(tracked, job.ID, coordinator.Patch{Status: &completed, Result: &result})
	logger.Info().Msg("job completed")
	p.ack(d)
}

// fail applies the retry policy: while budget remains, bump retryCount and
// redeliver; once it is spent, hand the job to the self-healer. The budget
// is evaluated against the current retryCount at the start of each failure.
func (p *JobProcessor) fail(ctx context.Context, d *queue.Delivery, job *types.Job, tracked bool, cause error) {
	logger := p.logger.With().Str("job_id", job.ID).Logger()
	msg := cause.Error()

	if errors.Is(cause, ErrValidation) {
		failed := types.JobStatusFailed
		p.update(tracked, job.ID, coordinator.Patch{Status: &failed, Error: &msg})
		logger.Error().Err(cause).Msg("job rejected")
		p.ack(d)
		return
	}

	if job.RetryCount < job.MaxRetries {
		pending := types.JobStatusPending
		bumped := job.RetryCount + 1
		p.update(tracked, job.ID, coordinator.Patch{Status: &pending, RetryCount: &bumped, Error: &msg})
		logger.Warn().Err(cause).Int("retry", bumped).Int("max", job.MaxRetries).Msg("job failed, retrying")
		p.retry(d)
		return
	}

	healing := types.JobStatusHealing
	p.update(tracked, job.ID, coordinator.Patch{Status: &healing, Error: &msg})

	task := healer.NewTask(job.ID, types.HealingIssue{
		Type:        "job_failure",
		Severity:    "high",
		Description: fmt.Sprintf("job %s failed after %d retries", job.ID, job.RetryCount),
		Context:     job.Payload,
		Error:       msg,
	}, types.StrategyRetryWithBackoff, p.clock.Now())

	if _, err := p.healingQueue.Enqueue(task); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue healing task")
		p.retry(d)
		return
	}

	logger.Warn().Err(cause).Str("healing_task_id", task.ID).Msg("retries exhausted, healing")
	p.ack(d)
}

func (p *JobProcessor) setStatus(tracked bool, id string, status types.JobStatus, errMsg *string) {
	p.update(tracked, id, coordinator.Patch{Status: &status, Error: errMsg})
}

// update reports a transition to the coordinator. Untracked jobs are
// processed but not recorded.
func (p *JobProcessor) update(tracked bool, id string, patch coordinator.Patch) {
	if !tracked {
		return
	}
	if _, err := p.coord.UpdateJob(id, patch); err != nil {
		p.logger.Error().Err(err).Str("job_id", id).Msg("failed to update job")
	}
}

func (p *JobProcessor) ack(d *queue.Delivery) {
	if err := d.Ack(); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("failed to ack message")
	}
}

func (p *JobProcessor) retry(d *queue.Delivery) {
	if err := d.Retry(); err != nil {
		p.logger.Error().Err(err).Str("message_id", d.ID).Msg("failed to mark message for redelivery")
	}
}
