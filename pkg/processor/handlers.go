package processor

import (
	"context"
	"fmt"

	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/kv"
	"github.com/blackroad-os/repowarden/pkg/syncengine"
	"github.com/blackroad-os/repowarden/pkg/types"
)

// RegisterDefaults wires the built-in handler for every job type.
func (p *JobProcessor) RegisterDefaults(engine *syncengine.Engine, cache kv.Cache) {
	p.Register(types.JobTypeScrapeRepo, func(ctx context.Context, job *types.Job) (string, error) {
		repo := job.Payload["repo"]
		if repo == "" {
			return "", fmt.Errorf("%w: repo is required", ErrValidation)
		}
		taskID, err := engine.SyncRepo(ctx, repo)
		if err != nil {
			return "", err
		}
		return "scrape enqueued: " + taskID, nil
	})

	p.Register(types.JobTypeSyncContent, func(ctx context.Context, job *types.Job) (string, error) {
		if repo := job.Payload["repo"]; repo != "" {
			taskID, err := engine.SyncRepo(ctx, repo)
			if err != nil {
				return "", err
			}
			return "scrape enqueued: " + taskID, nil
		}
		n, err := engine.TriggerIncrementalSync(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("incremental sync enqueued %d scrapes", n), nil
	})

	p.Register(types.JobTypeCheckCohesiveness, func(ctx context.Context, job *types.Job) (string, error) {
		summary, err := engine.CheckCohesiveness(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("checked %d repos, %d healing tasks", summary.Checked, summary.HealingEnqueued), nil
	})

	p.Register(types.JobTypeFullSync, func(ctx context.Context, job *types.Job) (string, error) {
		n, err := engine.TriggerFullSync(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("full sync enqueued %d scrapes", n), nil
	})

	p.Register(types.JobTypeCleanup, func(ctx context.Context, job *types.Job) (string, error) {
		cleaned, remaining, err := p.coord.Cleanup()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("cleaned %d jobs, %d remaining", cleaned, remaining), nil
	})

	p.Register(types.JobTypeUpdateCache, func(ctx context.Context, job *types.Job) (string, error) {
		if len(job.Payload) == 0 {
			return "", fmt.Errorf("%w: payload is required", ErrValidation)
		}
		if err := cache.SetJSON(ctx, kv.JobCacheKey(job.ID), job.Payload, kv.TTLRepoMirror); err != nil {
			return "", err
		}
		return "cached", nil
	})

	p.Register(types.JobTypeSelfHeal, func(ctx context.Context, job *types.Job) (string, error) {
		strategy := types.Strategy(job.Payload["strategy"])
		if strategy == "" {
			strategy = types.StrategyRetryWithBackoff
		}
		task := healer.NewTask(job.ID, types.HealingIssue{
			Type:        "manual",
			Severity:    "high",
			Description: job.Payload["description"],
			Context:     job.Payload,
		}, strategy, p.clock.Now())
		if _, err := p.healingQueue.Enqueue(task); err != nil {
			return "", err
		}
		return "healing task enqueued: " + task.ID, nil
	})

	p.Register(types.JobTypeNotify, func(ctx context.Context, job *types.Job) (string, error) {
		p.notifier.Notify(ctx, job)
		return "notified", nil
	})
}
