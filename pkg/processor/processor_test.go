package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/coordinator"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/kv"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/storage"
	"github.com/blackroad-os/repowarden/pkg/syncengine"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

type fixture struct {
	coord   *coordinator.Coordinator
	engine  *syncengine.Engine
	healer  *healer.Healer
	jobs    *queue.Queue
	scrapes *queue.Queue
	healing *queue.Queue
	cache   kv.Cache
	clock   *clock.Fake
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db, err := bolt.Open(filepath.Join(dir, "queues.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs, err := queue.New(db, "jobs")
	require.NoError(t, err)
	scrapes, err := queue.New(db, "scrapes")
	require.NoError(t, err)
	healing, err := queue.New(db, "healing")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	cache := kv.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })

	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	coord, err := coordinator.New(store, jobs, clk, 3)
	require.NoError(t, err)
	engine, err := syncengine.New(store, scrapes, healing, cache, clk, "acme", nil)
	require.NoError(t, err)
	h, err := healer.New(store, jobs, scrapes, healing, cache, clk, healer.Config{Enabled: true})
	require.NoError(t, err)

	return &fixture{
		coord: coord, engine: engine, healer: h,
		jobs: jobs, scrapes: scrapes, healing: healing,
		cache: cache, clock: clk, redis: mr,
	}
}

func (f *fixture) nextJobDelivery(t *testing.T) *queue.Delivery {
	t.Helper()
	deliveries, err := f.jobs.Dequeue(1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func TestJobProcessorSuccess(t *testing.T) {
	f := newFixture(t)
	p := NewJobProcessor(f.coord, f.healing, f.clock)
	p.Register(types.JobTypeNotify, func(ctx context.Context, job *types.Job) (string, error) {
		return "done", nil
	})

	job, err := f.coord.CreateJob(&types.Job{Type: types.JobTypeNotify})
	require.NoError(t, err)

	p.Handle(context.Background(), f.nextJobDelivery(t))

	got, err := f.coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	require.NotNil(t, got.CompletedAt)

	depth, err := f.jobs.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestJobProcessorRetriesThenHeals(t *testing.T) {
	f := newFixture(t)
	p := NewJobProcessor(f.coord, f.healing, f.clock)
	p.Register(types.JobTypeSyncContent, func(ctx context.Context, job *types.Job) (string, error) {
		return "", errors.New("upstream down")
	})

	job, err := f.coord.CreateJob(&types.Job{Type: types.JobTypeSyncContent, MaxRetries: 2})
	require.NoError(t, err)
	ctx := context.Background()

	// First two failures consume the retry budget.
	for want := 1; want <= 2; want++ {
		p.Handle(ctx, f.nextJobDelivery(t))

		got, err := f.coord.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusPending, got.Status)
		assert.Equal(t, want, got.RetryCount)
		assert.Equal(t, "upstream down", got.Error)

		depth, err := f.jobs.Depth()
		require.NoError(t, err)
		assert.Equal(t, 1, depth, "message stays queued for redelivery")
	}

	// Third failure promotes the job to healing.
	p.Handle(ctx, f.nextJobDelivery(t))

	got, err := f.coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusHealing, got.Status)

	depth, err := f.jobs.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	deliveries, err := f.healing.Dequeue(1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	var task types.HealingTask
	require.NoError(t, deliveries[0].Decode(&task))
	assert.Equal(t, job.ID, task.JobID)
	assert.Equal(t, types.StrategyRetryWithBackoff, task.Strategy)
	assert.Equal(t, 5, task.MaxAttempts)

	report := f.coord.Metrics()
	assert.Equal(t, 1, report.TotalHealing)
	assert.Equal(t, 0, report.TotalFailed)
}

func TestJobProcessorValidationFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	p := NewJobProcessor(f.coord, f.healing, f.clock)
	p.Register(types.JobTypeScrapeRepo, func(ctx context.Context, job *types.Job) (string, error) {
		return "", fmt.Errorf("%w: repo is required", ErrValidation)
	})

	job, err := f.coord.CreateJob(&types.Job{Type: types.JobTypeScrapeRepo})
	require.NoError(t, err)

	p.Handle(context.Background(), f.nextJobDelivery(t))

	got, err := f.coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	jobsDepth, err := f.jobs.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, jobsDepth)
	healDepth, err := f.healing.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, healDepth)
}

func TestJobProcessorUntrackedJob(t *testing.T) {
	f := newFixture(t)
	p := NewJobProcessor(f.coord, f.healing, f.clock)
	handled := false
	p.Register(types.JobTypeSyncContent, func(ctx context.Context, job *types.Job) (string, error) {
		handled = true
		return "ok", nil
	})

	// Healer-requeued jobs exist only as queue messages.
	_, err := f.jobs.Enqueue(&types.Job{ID: "ghost", Type: types.JobTypeSyncContent})
	require.NoError(t, err)

	p.Handle(context.Background(), f.nextJobDelivery(t))
	assert.True(t, handled)

	_, err = f.coord.GetJob("ghost")
	assert.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestJobProcessorNoHandler(t *testing.T) {
	f := newFixture(t)
	p := NewJobProcessor(f.coord, f.healing, f.clock)

	job, err := f.coord.CreateJob(&types.Job{Type: types.JobTypeNotify})
	require.NoError(t, err)

	p.Handle(context.Background(), f.nextJobDelivery(t))

	got, err := f.coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Error, "no handler")
}

type fakeScraper struct {
	data *types.RepoData
	err  error
}

func (f *fakeScraper) Scrape(ctx context.Context, task *types.ScrapeTask) (*types.RepoData, error) {
	return f.data, f.err
}

func scrapeDelivery(t *testing.T, f *fixture, task *types.ScrapeTask) *queue.Delivery {
	t.Helper()
	_, err := f.scrapes.Enqueue(task)
	require.NoError(t, err)
	deliveries, err := f.scrapes.Dequeue(1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func TestScrapeProcessorSuccess(t *testing.T) {
	f := newFixture(t)
	sc := &fakeScraper{data: &types.RepoData{
		FullName: "acme/foo",
		Structure: &types.RepoStructure{
			HasManifest:     true,
			HasTypeConfig:   true,
			HasDeployConfig: true,
			Files:           []string{"README.md"},
		},
	}}
	p := NewScrapeProcessor(f.engine, sc, f.healing, f.clock)

	d := scrapeDelivery(t, f, &types.ScrapeTask{ID: "t1", Repo: "acme/foo", ScrapeType: types.ScrapeTypeFull})
	p.Handle(context.Background(), d)

	got, err := f.engine.GetRepo("acme/foo")
	require.NoError(t, err)
	assert.Equal(t, "acme/foo", got.FullName)

	// The engine's canonical cache write happened.
	assert.True(t, f.redis.Exists("repo:acme/foo"))

	depth, err := f.scrapes.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestScrapeProcessorNotModified(t *testing.T) {
	f := newFixture(t)
	p := NewScrapeProcessor(f.engine, &fakeScraper{}, f.healing, f.clock)

	d := scrapeDelivery(t, f, &types.ScrapeTask{ID: "t2", Repo: "acme/foo", ScrapeType: types.ScrapeTypeIncremental})
	p.Handle(context.Background(), d)

	repos, _ := f.engine.ListRepos()
	assert.Empty(t, repos)

	depth, err := f.scrapes.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestScrapeProcessorFailure(t *testing.T) {
	f := newFixture(t)
	p := NewScrapeProcessor(f.engine, &fakeScraper{err: errors.New("rate limited")}, f.healing, f.clock)

	d := scrapeDelivery(t, f, &types.ScrapeTask{ID: "t3", Repo: "acme/foo", ScrapeType: types.ScrapeTypeFull})
	p.Handle(context.Background(), d)

	// A healing task is filed with the tighter scrape budget.
	deliveries, err := f.healing.Dequeue(1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	var task types.HealingTask
	require.NoError(t, deliveries[0].Decode(&task))
	assert.Equal(t, "scrape-t3", task.JobID)
	assert.Equal(t, types.StrategyRetryWithBackoff, task.Strategy)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, "acme/foo", task.Issue.Context["repoName"])

	// The failure lands in the engine's error ring.
	status := f.engine.GetStatus()
	require.Len(t, status.RecentErrors, 1)
	assert.Equal(t, "acme/foo", status.RecentErrors[0].Repo)

	// First failure: message stays queued for redelivery.
	depth, err := f.scrapes.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestScrapeProcessorDeliveryLimit(t *testing.T) {
	f := newFixture(t)
	p := NewScrapeProcessor(f.engine, &fakeScraper{err: errors.New("rate limited")}, f.healing, f.clock)
	ctx := context.Background()

	_, err := f.scrapes.Enqueue(&types.ScrapeTask{ID: "t4", Repo: "acme/foo", ScrapeType: types.ScrapeTypeFull})
	require.NoError(t, err)

	for i := 0; i < scrapeDeliveryLimit; i++ {
		deliveries, err := f.scrapes.Dequeue(1)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		p.Handle(ctx, deliveries[0])
	}

	// The message is dropped once the delivery limit is hit; the healing
	// tasks remain the recovery path.
	depth, err := f.scrapes.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	healDepth, err := f.healing.Depth()
	require.NoError(t, err)
	assert.Equal(t, scrapeDeliveryLimit, healDepth)
}

func TestHealingProcessor(t *testing.T) {
	f := newFixture(t)
	p := NewHealingProcessor(f.healer)

	task := healer.NewTask("job-1", types.HealingIssue{
		Type:        "transient_upstream",
		Severity:    "high",
		Description: "boom",
	}, types.StrategyRetryWithBackoff, f.clock.Now())

	_, err := f.healing.Enqueue(task)
	require.NoError(t, err)
	deliveries, err := f.healing.Dequeue(1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	p.Handle(context.Background(), deliveries[0])

	got, err := f.healer.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealingStatusResolved, got.Status)

	depth, err := f.healing.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// The recovered job is back on the job queue.
	jobsDepth, err := f.jobs.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, jobsDepth)
}

type captureNotifier struct {
	jobs []*types.Job
}

func (n *captureNotifier) Notify(ctx context.Context, job *types.Job) {
	n.jobs = append(n.jobs, job)
}

func TestJobProcessorNotifySink(t *testing.T) {
	f := newFixture(t)
	p := NewJobProcessor(f.coord, f.healing, f.clock)
	p.RegisterDefaults(f.engine, f.cache)
	sink := &captureNotifier{}
	p.SetNotifier(sink)

	job, err := f.coord.CreateJob(&types.Job{
		Type:    types.JobTypeNotify,
		Payload: map[string]string{"issueType": "job_failure"},
	})
	require.NoError(t, err)

	p.Handle(context.Background(), f.nextJobDelivery(t))

	require.Len(t, sink.jobs, 1)
	assert.Equal(t, job.ID, sink.jobs[0].ID)
	assert.Equal(t, "job_failure", sink.jobs[0].Payload["issueType"])

	got, err := f.coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
}
