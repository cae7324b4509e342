package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/metrics"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/storage"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const componentName = "coordinator"

// DefaultListLimit bounds listJobs when no limit is given.
const DefaultListLimit = 100

// cleanupHorizon is how long terminal jobs are retained.
const cleanupHorizon = 24 * time.Hour

var (
	// ErrNotFound is returned for lookups of unknown job IDs
	ErrNotFound = errors.New("job not found")
)

// state is the coordinator's durable state blob.
type state struct {
	Jobs    map[string]*types.Job `json:"jobs"`
	Metrics types.JobMetrics      `json:"metrics"`
}

// Coordinator is the authoritative registry of jobs. All operations
// serialize on the coordinator's mutex; the component is the
// mutual-exclusion boundary for its state.
type Coordinator struct {
	mu         sync.Mutex
	store      storage.Store
	jobQueue   *queue.Queue
	clock      clock.Clock
	logger     zerolog.Logger
	maxRetries int

	state state
}

// New creates a Coordinator and hydrates its state from the store.
func New(store storage.Store, jobQueue *queue.Queue, clk clock.Clock, maxRetries int) (*Coordinator, error) {
	c := &Coordinator{
		store:      store,
		jobQueue:   jobQueue,
		clock:      clk,
		logger:     log.WithComponent(componentName),
		maxRetries: maxRetries,
	}

	found, err := store.LoadState(componentName, &c.state)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate coordinator: %w", err)
	}
	if !found || c.state.Jobs == nil {
		c.state.Jobs = make(map[string]*types.Job)
	}

	return c, nil
}

// ListJobs returns jobs sorted by priority rank, tie-broken by creation
// time descending, truncated to limit. Empty filters match everything.
func (c *Coordinator) ListJobs(statusFilter types.JobStatus, typeFilter types.JobType, limit int) ([]*types.Job, MetricsReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	var jobs []*types.Job
	for _, job := range c.state.Jobs {
		if statusFilter != "" && job.Status != statusFilter {
			continue
		}
		if typeFilter != "" && job.Type != typeFilter {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		ri, rj := types.PriorityRank(jobs[i].Priority), types.PriorityRank(jobs[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, c.metricsReportLocked()
}

// CreateJob registers a new job, filling defaults for unset fields, and
// enqueues it onto the job queue.
func (c *Coordinator) CreateJob(partial *types.Job) (*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	job := cloneJob(partial)

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Type == "" {
		job.Type = types.JobTypeSyncContent
	}
	if job.Priority == "" {
		job.Priority = types.JobPriorityNormal
	}
	if job.Payload == nil {
		job.Payload = map[string]string{}
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = c.maxRetries
	}
	job.Status = types.JobStatusPending
	job.RetryCount = 0
	job.HealingAttempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CompletedAt = nil

	c.state.Jobs[job.ID] = job
	c.state.Metrics.TotalCreated++

	if err := c.persistLocked(); err != nil {
		delete(c.state.Jobs, job.ID)
		c.state.Metrics.TotalCreated--
		return nil, err
	}

	if _, err := c.jobQueue.Enqueue(job); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue job")
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.JobsCreated.Inc()
	c.logger.Info().Str("job_id", job.ID).Str("type", string(job.Type)).Msg("job created")
	return cloneJob(job), nil
}

// GetJob retrieves a job by ID
func (c *Coordinator) GetJob(id string) (*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.state.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

// DeleteJob removes a job unconditionally
func (c *Coordinator) DeleteJob(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.state.Jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.state.Jobs, id)
	return c.persistLocked()
}

// Patch describes a partial job update. Nil fields are left untouched.
type Patch struct {
	Status          *types.JobStatus
	Priority        *types.JobPriority
	Payload         map[string]string
	RetryCount      *int
	HealingAttempts *int
	Error           *string
	Result          *string
}

// UpdateJob applies a patch to a job. Transitions into completed, failed,
// and healing update the corresponding counters; completedAt is set when a
// job first reaches completed.
func (c *Coordinator) UpdateJob(id string, patch Patch) (*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.state.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := c.clock.Now()

	if patch.Status != nil && *patch.Status != job.Status {
		switch *patch.Status {
		case types.JobStatusCompleted:
			completed := now
			job.CompletedAt = &completed
			c.state.Metrics.TotalCompleted++
			metrics.JobsCompleted.Inc()
		case types.JobStatusFailed:
			c.state.Metrics.TotalFailed++
			metrics.JobsFailed.Inc()
		case types.JobStatusHealing:
			c.state.Metrics.TotalHealing++
			metrics.JobsHealing.Inc()
		}
		job.Status = *patch.Status
	}
	if patch.Priority != nil {
		job.Priority = *patch.Priority
	}
	if patch.Payload != nil {
		job.Payload = patch.Payload
	}
	if patch.RetryCount != nil {
		job.RetryCount = *patch.RetryCount
	}
	if patch.HealingAttempts != nil {
		job.HealingAttempts = *patch.HealingAttempts
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Result != nil {
		job.Result = *patch.Result
	}
	job.UpdatedAt = now

	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

// MetricsReport combines the lifetime counters with recomputed per-status
// counts.
type MetricsReport struct {
	types.JobMetrics
	StatusCounts map[types.JobStatus]int `json:"statusCounts"`
}

// Metrics returns the current counters and per-status counts
func (c *Coordinator) Metrics() MetricsReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsReportLocked()
}

// Cleanup deletes jobs in a terminal status whose effective completion time
// (completedAt, else updatedAt) is older than 24 hours. Returns the number
// cleaned and the number remaining.
func (c *Coordinator) Cleanup() (cleaned, remaining int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	horizon := c.clock.Now().Add(-cleanupHorizon)
	for id, job := range c.state.Jobs {
		if job.Status != types.JobStatusCompleted && job.Status != types.JobStatusFailed {
			continue
		}
		effective := job.UpdatedAt
		if job.CompletedAt != nil {
			effective = *job.CompletedAt
		}
		if effective.Before(horizon) {
			delete(c.state.Jobs, id)
			cleaned++
		}
	}

	remaining = len(c.state.Jobs)
	if cleaned > 0 {
		if err := c.persistLocked(); err != nil {
			return cleaned, remaining, err
		}
	}

	c.logger.Info().Int("cleaned", cleaned).Int("remaining", remaining).Msg("cleanup pass finished")
	return cleaned, remaining, nil
}

// StuckJobs returns jobs that have sat in running longer than maxAge.
// The cron health pass feeds these back as full_reset healing tasks.
func (c *Coordinator) StuckJobs(maxAge time.Duration) []*types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-maxAge)
	var stuck []*types.Job
	for _, job := range c.state.Jobs {
		if job.Status == types.JobStatusRunning && job.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, cloneJob(job))
		}
	}
	return stuck
}

func (c *Coordinator) metricsReportLocked() MetricsReport {
	counts := make(map[types.JobStatus]int)
	for _, job := range c.state.Jobs {
		counts[job.Status]++
	}
	for status, n := range counts {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	return MetricsReport{
		JobMetrics:   c.state.Metrics,
		StatusCounts: counts,
	}
}

func (c *Coordinator) persistLocked() error {
	if err := c.store.SaveState(componentName, &c.state); err != nil {
		return fmt.Errorf("failed to persist coordinator state: %w", err)
	}
	return nil
}

func cloneJob(job *types.Job) *types.Job {
	if job == nil {
		return &types.Job{}
	}
	out := *job
	if job.Payload != nil {
		out.Payload = make(map[string]string, len(job.Payload))
		for k, v := range job.Payload {
			out.Payload[k] = v
		}
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}
