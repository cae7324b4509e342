package healer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/kv"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/metrics"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/storage"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const componentName = "healer"

const (
	defaultBatchSize = 10

	// pendingWarningAge is how long a task may sit pending before the
	// health check flags it.
	pendingWarningAge = 30 * time.Minute

	// Escalation rate above this fraction is critical once enough attempts
	// have accumulated.
	escalationRateThreshold   = 0.3
	escalationRateMinAttempts = 10
)

// ErrTaskNotFound is returned for lookups of unknown healing task IDs
var ErrTaskNotFound = errors.New("healing task not found")

// state is the healer's durable state blob.
type state struct {
	Tasks   map[string]*types.HealingTask `json:"tasks"`
	Metrics types.HealingMetrics          `json:"metrics"`
}

// Config carries the healer's tunables.
type Config struct {
	// Enabled gates strategy execution. When false every task goes
	// straight to escalate_to_agent.
	Enabled bool

	// Prober checks the backup upstream for switch_endpoint. Nil means the
	// strategy always fails.
	Prober EndpointProber
}

// Healer drives healing tasks through the strategy escalation graph. It is
// a single-writer actor over one durable state blob (task registry plus
// lifetime metrics); strategy execution happens outside the mutex on a
// working copy so backoff sleeps never block readers.
//
// The healer and the coordinator share nothing but queues: recovered jobs
// go back out as job-queue messages, and the job processor is the one who
// reports their fate to the coordinator.
type Healer struct {
	mu           sync.Mutex
	store        storage.Store
	jobQueue     *queue.Queue
	scrapeQueue  *queue.Queue
	healingQueue *queue.Queue
	cache        kv.Cache
	clock        clock.Clock
	logger       zerolog.Logger
	enabled      bool
	prober       EndpointProber

	state state
}

// New creates a Healer and hydrates its state from the store.
func New(store storage.Store, jobQueue, scrapeQueue, healingQueue *queue.Queue, cache kv.Cache, clk clock.Clock, cfg Config) (*Healer, error) {
	h := &Healer{
		store:        store,
		jobQueue:     jobQueue,
		scrapeQueue:  scrapeQueue,
		healingQueue: healingQueue,
		cache:        cache,
		clock:        clk,
		logger:       log.WithComponent(componentName),
		enabled:      cfg.Enabled,
		prober:       cfg.Prober,
	}

	found, err := store.LoadState(componentName, &h.state)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate healer: %w", err)
	}
	if !found || h.state.Tasks == nil {
		h.state.Tasks = make(map[string]*types.HealingTask)
	}
	if h.state.Metrics.StrategyUse == nil {
		h.state.Metrics.StrategyUse = make(map[types.Strategy]int)
	}
	if h.state.Metrics.StrategySuccess == nil {
		h.state.Metrics.StrategySuccess = make(map[types.Strategy]int)
	}

	return h, nil
}

// Heal runs one attempt of the task's current strategy and advances the
// task through the escalation graph on failure. The returned task reflects
// the post-attempt state; a non-nil error means infrastructure failed and
// the caller should redeliver.
func (h *Healer) Heal(ctx context.Context, incoming *types.HealingTask) (*types.HealingTask, error) {
	task := h.adopt(incoming)
	if task.Status == types.HealingStatusResolved || task.Status == types.HealingStatusEscalated {
		// Redelivery of a finished task.
		return task, nil
	}

	h.mu.Lock()
	if !h.enabled && task.Strategy != types.StrategyEscalateToAgent {
		task.Strategy = types.StrategyEscalateToAgent
		task.Attempts = 0
		task.MaxAttempts = MaxAttempts(task.Strategy)
	}
	strategy := task.Strategy
	task.Status = types.HealingStatusAttempting
	task.Attempts++
	task.UpdatedAt = h.clock.Now()
	h.state.Metrics.TotalAttempts++
	h.state.Metrics.StrategyUse[strategy]++
	h.state.Tasks[task.ID] = cloneTask(task)
	if err := h.persistLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.mu.Unlock()

	metrics.HealingAttempts.WithLabelValues(string(strategy)).Inc()
	h.logger.Info().
		Str("task_id", task.ID).
		Str("strategy", string(strategy)).
		Int("attempt", task.Attempts).
		Msg("healing attempt")

	if strategy == types.StrategyEscalateToAgent {
		return h.escalate(ctx, task)
	}

	start := h.clock.Now()
	execErr := h.execute(ctx, task, strategy)
	return h.settle(task, strategy, start, execErr)
}

// execute runs one strategy attempt against the working copy. The backoff
// for the current attempt index is slept first.
func (h *Healer) execute(ctx context.Context, task *types.HealingTask, strategy types.Strategy) error {
	h.clock.Sleep(backoffFor(strategy, task.Attempts))

	switch strategy {
	case types.StrategyRetryWithBackoff:
		return h.requeueJob(task, nil)

	case types.StrategyClearCacheRetry:
		var keys []string
		if repo := task.Issue.Context["repoName"]; repo != "" {
			keys = append(keys, kv.RepoKey(repo), kv.CohesivenessKey(repo))
		}
		if task.JobID != "" {
			keys = append(keys, kv.JobCacheKey(task.JobID))
		}
		if err := h.cache.Delete(ctx, keys...); err != nil {
			return err
		}
		return h.requeueJob(task, nil)

	case types.StrategySwitchEndpoint:
		if h.prober == nil {
			return errors.New("no backup endpoint configured")
		}
		return h.prober.Probe(ctx)

	case types.StrategyReduceBatchSize:
		size := defaultBatchSize
		if n, err := strconv.Atoi(task.Issue.Context["batchSize"]); err == nil && n > 0 {
			size = n
		}
		size /= 2
		if size < 1 {
			size = 1
		}
		if task.Issue.Context == nil {
			task.Issue.Context = make(map[string]string)
		}
		task.Issue.Context["batchSize"] = strconv.Itoa(size)
		return h.requeueJob(task, map[string]string{"batchSize": strconv.Itoa(size)})

	case types.StrategyNotifyAndSkip:
		return h.cache.SetJSON(ctx, kv.SkippedKey(task.ID), task, kv.TTLSkipped)

	case types.StrategyFullReset:
		repo := task.Issue.Context["repoName"]
		if repo == "" {
			return errors.New("full reset requires a repo name")
		}
		if err := h.cache.Delete(ctx, kv.RepoKey(repo), kv.CohesivenessKey(repo)); err != nil {
			return err
		}
		_, err := h.scrapeQueue.Enqueue(&types.ScrapeTask{
			ID:         uuid.New().String(),
			Repo:       repo,
			ScrapeType: types.ScrapeTypeFull,
			Priority:   types.JobPriorityCritical,
			CreatedAt:  h.clock.Now(),
		})
		return err

	default:
		return fmt.Errorf("unknown strategy: %s", strategy)
	}
}

// settle records the attempt outcome and, on failure, advances the task
// through the escalation graph.
func (h *Healer) settle(task *types.HealingTask, strategy types.Strategy, start time.Time, execErr error) (*types.HealingTask, error) {
	h.mu.Lock()
	now := h.clock.Now()
	task.UpdatedAt = now

	if execErr == nil {
		elapsed := now.Sub(start).Milliseconds()
		task.Status = types.HealingStatusResolved
		task.Resolution = &types.Resolution{
			Strategy:   strategy,
			Success:    true,
			Message:    "resolved by " + string(strategy),
			Attempt:    task.Attempts,
			ResolvedAt: now,
			Metrics:    types.ResolutionMetrics{TimeToResolveMS: elapsed},
		}

		m := &h.state.Metrics
		m.SuccessfulResolutions++
		m.StrategySuccess[strategy]++
		n := int64(m.SuccessfulResolutions)
		m.AverageTimeToResolve = (m.AverageTimeToResolve*(n-1) + elapsed + n/2) / n

		h.state.Tasks[task.ID] = cloneTask(task)
		err := h.persistLocked()
		h.mu.Unlock()

		metrics.HealingResolutions.WithLabelValues(string(strategy), "success").Inc()
		h.logger.Info().Str("task_id", task.ID).Str("strategy", string(strategy)).Msg("healing resolved")
		return task, err
	}

	h.state.Metrics.FailedResolutions++
	task.Resolution = &types.Resolution{
		Strategy:   strategy,
		Success:    false,
		Message:    execErr.Error(),
		Attempt:    task.Attempts,
		ResolvedAt: now,
	}

	exhausted := task.Attempts >= task.MaxAttempts
	if exhausted {
		next := NextStrategy(strategy)
		if next == "" {
			task.Status = types.HealingStatusEscalated
			h.state.Metrics.Escalations++
			h.state.Tasks[task.ID] = cloneTask(task)
			err := h.persistLocked()
			h.mu.Unlock()

			metrics.HealingResolutions.WithLabelValues(string(strategy), "failure").Inc()
			metrics.HealingEscalations.Inc()
			return task, err
		}
		task.Strategy = next
		task.Attempts = 0
		task.MaxAttempts = MaxAttempts(next)
		h.logger.Warn().
			Str("task_id", task.ID).
			Str("from", string(strategy)).
			Str("to", string(next)).
			Msg("strategy exhausted, escalating")
	}

	task.Status = types.HealingStatusPending
	h.state.Tasks[task.ID] = cloneTask(task)
	if err := h.persistLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.mu.Unlock()

	metrics.HealingResolutions.WithLabelValues(string(strategy), "failure").Inc()
	if _, err := h.healingQueue.Enqueue(task); err != nil {
		return nil, fmt.Errorf("failed to requeue healing task %s: %w", task.ID, err)
	}
	return task, nil
}

// escalate persists the task for human review, files a notify job, and
// marks the task escalated. Escalation never counts as a success.
func (h *Healer) escalate(ctx context.Context, task *types.HealingTask) (*types.HealingTask, error) {
	if err := h.cache.SetJSON(ctx, kv.EscalatedKey(task.ID), task, 0); err != nil {
		h.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist escalated task")
	}

	now := h.clock.Now()
	notify := &types.Job{
		ID:       uuid.New().String(),
		Type:     types.JobTypeNotify,
		Status:   types.JobStatusPending,
		Priority: types.JobPriorityCritical,
		Payload: map[string]string{
			"healingTaskId": task.ID,
			"jobId":         task.JobID,
			"issueType":     task.Issue.Type,
			"severity":      task.Issue.Severity,
			"description":   task.Issue.Description,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := h.jobQueue.Enqueue(notify); err != nil {
		h.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to enqueue notify job")
	}

	h.mu.Lock()
	now = h.clock.Now()
	task.Status = types.HealingStatusEscalated
	task.UpdatedAt = now
	task.Resolution = &types.Resolution{
		Strategy:   types.StrategyEscalateToAgent,
		Success:    false,
		Message:    "escalated for human review",
		Attempt:    task.Attempts,
		ResolvedAt: now,
	}
	h.state.Metrics.Escalations++
	h.state.Tasks[task.ID] = cloneTask(task)
	err := h.persistLocked()
	h.mu.Unlock()

	metrics.HealingEscalations.Inc()
	h.logger.Warn().Str("task_id", task.ID).Str("job_id", task.JobID).Msg("task escalated")
	return task, err
}

// requeueJob puts the task's originating job back onto the job queue as a
// sync_content message at high priority, with retryCount mirroring the
// healing attempts. The coordinator learns about the reopened job from the
// job processor, not from the healer.
func (h *Healer) requeueJob(task *types.HealingTask, payloadPatch map[string]string) error {
	now := h.clock.Now()
	payload := make(map[string]string, len(task.Issue.Context)+len(payloadPatch))
	for k, v := range task.Issue.Context {
		payload[k] = v
	}
	for k, v := range payloadPatch {
		payload[k] = v
	}

	jobID := task.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	job := &types.Job{
		ID:         jobID,
		Type:       types.JobTypeSyncContent,
		Status:     types.JobStatusPending,
		Priority:   types.JobPriorityHigh,
		Payload:    payload,
		RetryCount: task.Attempts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := h.jobQueue.Enqueue(job); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	return nil
}

// GetTask returns one healing task by ID.
func (h *Healer) GetTask(id string) (*types.HealingTask, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.state.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(task), nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (h *Healer) ListTasks(statusFilter types.HealingStatus) []*types.HealingTask {
	h.mu.Lock()
	defer h.mu.Unlock()

	var tasks []*types.HealingTask
	for _, task := range h.state.Tasks {
		if statusFilter != "" && task.Status != statusFilter {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks
}

// Metrics returns a copy of the lifetime healing counters.
func (h *Healer) Metrics() types.HealingMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.state.Metrics
	m.StrategyUse = make(map[types.Strategy]int, len(h.state.Metrics.StrategyUse))
	for k, v := range h.state.Metrics.StrategyUse {
		m.StrategyUse[k] = v
	}
	m.StrategySuccess = make(map[types.Strategy]int, len(h.state.Metrics.StrategySuccess))
	for k, v := range h.state.Metrics.StrategySuccess {
		m.StrategySuccess[k] = v
	}
	return m
}

// HealthReport summarizes the healer's own condition.
type HealthReport struct {
	Healthy        bool     `json:"healthy"`
	PendingOverdue []string `json:"pendingOverdue,omitempty"`
	EscalationRate float64  `json:"escalationRate"`
	TotalTasks     int      `json:"totalTasks"`
}

// HealthCheck flags tasks pending longer than 30 minutes and reports
// unhealthy when the escalation rate exceeds 30% after enough attempts.
func (h *Healer) HealthCheck() HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := HealthReport{Healthy: true, TotalTasks: len(h.state.Tasks)}

	cutoff := h.clock.Now().Add(-pendingWarningAge)
	for id, task := range h.state.Tasks {
		if task.Status == types.HealingStatusPending && task.UpdatedAt.Before(cutoff) {
			report.PendingOverdue = append(report.PendingOverdue, id)
			h.logger.Warn().Str("task_id", id).Msg("healing task pending too long")
		}
	}
	sort.Strings(report.PendingOverdue)

	m := h.state.Metrics
	if m.TotalAttempts > 0 {
		report.EscalationRate = float64(m.Escalations) / float64(m.TotalAttempts)
	}
	if m.TotalAttempts > escalationRateMinAttempts && report.EscalationRate > escalationRateThreshold {
		report.Healthy = false
		h.logger.Error().Float64("rate", report.EscalationRate).Msg("escalation rate critical")
	}

	return report
}

// adopt returns a working copy of the task, registering it on first sight.
// Redelivered messages defer to the stored copy.
func (h *Healer) adopt(incoming *types.HealingTask) *types.HealingTask {
	h.mu.Lock()
	defer h.mu.Unlock()

	if incoming.ID != "" {
		if stored, ok := h.state.Tasks[incoming.ID]; ok {
			return cloneTask(stored)
		}
	}

	task := cloneTask(incoming)
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Strategy == "" {
		task.Strategy = types.StrategyRetryWithBackoff
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = MaxAttempts(task.Strategy)
	}
	if task.Status == "" {
		task.Status = types.HealingStatusPending
	}
	now := h.clock.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	h.state.Tasks[task.ID] = cloneTask(task)
	return task
}

func (h *Healer) persistLocked() error {
	if err := h.store.SaveState(componentName, &h.state); err != nil {
		return fmt.Errorf("failed to persist healer state: %w", err)
	}
	return nil
}

func cloneTask(t *types.HealingTask) *types.HealingTask {
	if t == nil {
		return &types.HealingTask{}
	}
	out := *t
	if t.Issue.Context != nil {
		out.Issue.Context = make(map[string]string, len(t.Issue.Context))
		for k, v := range t.Issue.Context {
			out.Issue.Context[k] = v
		}
	}
	if t.Resolution != nil {
		r := *t.Resolution
		out.Resolution = &r
	}
	return &out
}
