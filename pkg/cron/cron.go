package cron

import (
	"context"
	"errors"
	"time"

	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/coordinator"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/kv"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/syncengine"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/rs/zerolog"
)

const (
	healingInterval      = 5 * time.Minute
	cohesivenessInterval = time.Hour

	// stuckJobAge is how long a job may sit in running before the health
	// pass feeds it back as a full_reset healing task.
	stuckJobAge = 10 * time.Minute
)

// Scheduler drives the periodic passes: healing check every 5 minutes,
// incremental scrape on the configured interval, cohesiveness hourly, and
// the daily full sync + cleanup + report at midnight UTC.
type Scheduler struct {
	coord          *coordinator.Coordinator
	engine         *syncengine.Engine
	healer         *healer.Healer
	healingQueue   *queue.Queue
	cache          kv.Cache
	clock          clock.Clock
	logger         zerolog.Logger
	scrapeInterval time.Duration
	stopCh         chan struct{}
}

// New creates a Scheduler. scrapeInterval is the incremental-scrape cadence.
func New(coord *coordinator.Coordinator, engine *syncengine.Engine, h *healer.Healer, healingQueue *queue.Queue, cache kv.Cache, clk clock.Clock, scrapeInterval time.Duration) *Scheduler {
	if scrapeInterval <= 0 {
		scrapeInterval = 30 * time.Minute
	}
	return &Scheduler{
		coord:          coord,
		engine:         engine,
		healer:         h,
		healingQueue:   healingQueue,
		cache:          cache,
		clock:          clk,
		logger:         log.WithComponent("cron"),
		scrapeInterval: scrapeInterval,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the four loops.
func (s *Scheduler) Start() {
	go s.loop(healingInterval, s.HealingPass)
	go s.loop(s.scrapeInterval, s.ScrapePass)
	go s.loop(cohesivenessInterval, s.CohesivenessPass)
	go s.dailyLoop()
	s.logger.Info().Dur("scrape_interval", s.scrapeInterval).Msg("scheduler started")
}

// Stop stops all loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) loop(interval time.Duration, pass func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pass(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// dailyLoop fires at every midnight UTC.
func (s *Scheduler) dailyLoop() {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			s.DailyPass(context.Background())
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// HealingPass runs the healer's health check and sweeps stuck jobs: any job
// running for more than 10 minutes is moved to healing and fed back as a
// full_reset task.
func (s *Scheduler) HealingPass(ctx context.Context) {
	report := s.healer.HealthCheck()
	if !report.Healthy {
		s.logger.Error().Float64("escalation_rate", report.EscalationRate).Msg("healer unhealthy")
	}

	for _, job := range s.coord.StuckJobs(stuckJobAge) {
		healing := types.JobStatusHealing
		if _, err := s.coord.UpdateJob(job.ID, coordinator.Patch{Status: &healing}); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark stuck job")
			continue
		}

		task := healer.NewTask("cron-stuck-"+job.ID, types.HealingIssue{
			Type:        "stuck_job",
			Severity:    "high",
			Description: "job stuck in running for over 10 minutes",
			Context: map[string]string{
				"jobId":    job.ID,
				"jobType":  string(job.Type),
				"repoName": job.Payload["repo"],
			},
		}, types.StrategyFullReset, s.clock.Now())

		if _, err := s.healingQueue.Enqueue(task); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue full reset")
			continue
		}
		s.logger.Warn().Str("job_id", job.ID).Str("task_id", task.ID).Msg("stuck job swept")
	}
}

// ScrapePass triggers an incremental sync of all known repos.
func (s *Scheduler) ScrapePass(ctx context.Context) {
	if _, err := s.engine.TriggerIncrementalSync(ctx); err != nil {
		s.logger.Error().Err(err).Msg("incremental sync failed")
	}
}

// CohesivenessPass rescores all tracked repos.
func (s *Scheduler) CohesivenessPass(ctx context.Context) {
	if _, err := s.engine.CheckCohesiveness(ctx); err != nil {
		s.logger.Error().Err(err).Msg("cohesiveness pass failed")
	}
}

// DailyReport is the midnight snapshot persisted under report:daily:{date}.
type DailyReport struct {
	Date         string                        `json:"date"`
	Jobs         coordinator.MetricsReport     `json:"jobs"`
	JobsCleaned  int                           `json:"jobsCleaned"`
	Cohesiveness syncengine.CohesivenessReport `json:"cohesiveness"`
	Healing      types.HealingMetrics          `json:"healing"`
	GeneratedAt  time.Time                     `json:"generatedAt"`
}

// DailyPass triggers a full sync, cleans up terminal jobs, and persists the
// daily report with a 30-day TTL.
func (s *Scheduler) DailyPass(ctx context.Context) {
	if _, err := s.engine.TriggerFullSync(ctx); err != nil && !errors.Is(err, syncengine.ErrSyncInProgress) {
		s.logger.Error().Err(err).Msg("daily full sync failed")
	}

	cleaned, remaining, err := s.coord.Cleanup()
	if err != nil {
		s.logger.Error().Err(err).Msg("daily cleanup failed")
	}

	now := s.clock.Now().UTC()
	report := DailyReport{
		Date:         now.Format("2006-01-02"),
		Jobs:         s.coord.Metrics(),
		JobsCleaned:  cleaned,
		Cohesiveness: s.engine.GetCohesivenessReport(),
		Healing:      s.healer.Metrics(),
		GeneratedAt:  now,
	}
	if err := s.cache.SetJSON(ctx, kv.DailyReportKey(report.Date), report, kv.TTLDailyReport); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist daily report")
	}

	s.logger.Info().
		Str("date", report.Date).
		Int("jobs_cleaned", cleaned).
		Int("jobs_remaining", remaining).
		Msg("daily pass finished")
}
