package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/kv"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/metrics"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/storage"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const componentName = "syncengine"

// maxRecentErrors bounds the sync error ring kept in state.
const maxRecentErrors = 10

var (
	// ErrSyncInProgress is returned when a full sync is triggered while one
	// is already running.
	ErrSyncInProgress = errors.New("full sync already in progress")

	// ErrRepoNotFound is returned for lookups of untracked repositories
	ErrRepoNotFound = errors.New("repo not found")

	// ErrRepoRequired is returned when an operation is missing a repo name
	ErrRepoRequired = errors.New("repo name required")
)

// state is the sync engine's durable state blob.
type state struct {
	Repos               map[string]*types.RepoData `json:"repos"`
	Known               []string                   `json:"known"`
	LastFullSync        *time.Time                 `json:"lastFullSync,omitempty"`
	LastIncrementalSync *time.Time                 `json:"lastIncrementalSync,omitempty"`
	InProgress          bool                       `json:"inProgress"`
	Errors              []types.SyncError          `json:"errors,omitempty"`
}

// Engine mirrors repository metadata from the code host, scores it for
// cohesiveness, and fans remediation work out to the healing queue. Like the
// coordinator it is a single-writer actor over one durable state blob.
type Engine struct {
	mu           sync.Mutex
	store        storage.Store
	scrapeQueue  *queue.Queue
	healingQueue *queue.Queue
	cache        kv.Cache
	clock        clock.Clock
	logger       zerolog.Logger
	org          string

	state state
}

// New creates an Engine, hydrates its state from the store, and merges the
// configured repo list into the known set. The known set grows via
// UpdateRepo but never shrinks.
func New(store storage.Store, scrapeQueue, healingQueue *queue.Queue, cache kv.Cache, clk clock.Clock, org string, knownRepos []string) (*Engine, error) {
	e := &Engine{
		store:        store,
		scrapeQueue:  scrapeQueue,
		healingQueue: healingQueue,
		cache:        cache,
		clock:        clk,
		logger:       log.WithComponent(componentName),
		org:          org,
	}

	found, err := store.LoadState(componentName, &e.state)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate sync engine: %w", err)
	}
	if !found || e.state.Repos == nil {
		e.state.Repos = make(map[string]*types.RepoData)
	}
	// A crash mid-sync must not wedge the conflict gate forever.
	e.state.InProgress = false

	for _, name := range knownRepos {
		e.addKnownLocked(shortName(name))
	}

	return e, nil
}

// ListRepos returns all tracked repositories sorted by full name, plus the
// known short-name list.
func (e *Engine) ListRepos() ([]*types.RepoData, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	repos := make([]*types.RepoData, 0, len(e.state.Repos))
	for _, r := range e.state.Repos {
		repos = append(repos, cloneRepo(r))
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].FullName < repos[j].FullName })

	known := append([]string(nil), e.state.Known...)
	return repos, known
}

// GetRepo returns one tracked repository. Short names are resolved against
// the configured org.
func (e *Engine) GetRepo(name string) (*types.RepoData, error) {
	full := e.qualify(name)
	if full == "" {
		return nil, ErrRepoRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	repo, ok := e.state.Repos[full]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, full)
	}
	return cloneRepo(repo), nil
}

// Status describes the engine's sync position.
type Status struct {
	InProgress          bool              `json:"inProgress"`
	RepoCount           int               `json:"repoCount"`
	KnownRepos          []string          `json:"knownRepos"`
	LastFullSync        *time.Time        `json:"lastFullSync,omitempty"`
	LastIncrementalSync *time.Time        `json:"lastIncrementalSync,omitempty"`
	RecentErrors        []types.SyncError `json:"recentErrors,omitempty"`
}

// GetStatus returns the current sync position and the recent error ring.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		InProgress:          e.state.InProgress,
		RepoCount:           len(e.state.Repos),
		KnownRepos:          append([]string(nil), e.state.Known...),
		LastFullSync:        cloneTime(e.state.LastFullSync),
		LastIncrementalSync: cloneTime(e.state.LastIncrementalSync),
		RecentErrors:        append([]types.SyncError(nil), e.state.Errors...),
	}
}

// TriggerFullSync enqueues one full-scrape task per known repository and
// returns how many were enqueued. Only one full sync may be in flight at a
// time; overlapping calls get ErrSyncInProgress. The in-progress flag is
// persisted before any task is enqueued so a concurrent caller observes it.
func (e *Engine) TriggerFullSync(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.state.InProgress {
		e.mu.Unlock()
		return 0, ErrSyncInProgress
	}
	e.state.InProgress = true
	if err := e.persistLocked(); err != nil {
		e.state.InProgress = false
		e.mu.Unlock()
		return 0, err
	}
	known := append([]string(nil), e.state.Known...)
	e.mu.Unlock()

	enqueued := e.enqueueScrapes(known, types.ScrapeTypeFull, types.JobPriorityNormal)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	e.state.LastFullSync = &now
	e.state.InProgress = false
	if err := e.persistLocked(); err != nil {
		return enqueued, err
	}

	e.logger.Info().Int("enqueued", enqueued).Msg("full sync triggered")
	return enqueued, nil
}

// TriggerIncrementalSync enqueues one ETag-gated scrape task per known
// repository. Incremental syncs do not hold the full-sync conflict gate.
func (e *Engine) TriggerIncrementalSync(ctx context.Context) (int, error) {
	e.mu.Lock()
	known := append([]string(nil), e.state.Known...)
	e.mu.Unlock()

	enqueued := e.enqueueScrapes(known, types.ScrapeTypeIncremental, types.JobPriorityNormal)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	e.state.LastIncrementalSync = &now
	if err := e.persistLocked(); err != nil {
		return enqueued, err
	}

	e.logger.Debug().Int("enqueued", enqueued).Msg("incremental sync triggered")
	return enqueued, nil
}

// SyncRepo enqueues a single full-scrape task at high priority.
func (e *Engine) SyncRepo(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrRepoRequired
	}

	task := &types.ScrapeTask{
		ID:         uuid.New().String(),
		Repo:       name,
		ScrapeType: types.ScrapeTypeFull,
		Priority:   types.JobPriorityHigh,
		CreatedAt:  e.clock.Now(),
	}
	if _, err := e.scrapeQueue.Enqueue(task); err != nil {
		return "", fmt.Errorf("failed to enqueue scrape for %s: %w", name, err)
	}

	e.logger.Info().Str("repo", name).Str("task_id", task.ID).Msg("repo sync requested")
	return task.ID, nil
}

// CheckSummary reports the outcome of one cohesiveness pass.
type CheckSummary struct {
	Checked         int `json:"checked"`
	Skipped         int `json:"skipped"`
	HealingEnqueued int `json:"healingEnqueued"`
}

// CheckCohesiveness scores every tracked repository that has a scraped
// structure, caches each score, and enqueues an escalate_to_agent healing
// task for repos with at least one auto-fixable critical issue.
func (e *Engine) CheckCohesiveness(ctx context.Context) (CheckSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var summary CheckSummary
	now := e.clock.Now()

	for full, repo := range e.state.Repos {
		if repo.Structure == nil {
			summary.Skipped++
			continue
		}

		score := Score(repo.Structure, now)
		repo.Cohesiveness = score
		summary.Checked++
		metrics.CohesivenessChecks.Inc()

		if err := e.cache.SetJSON(ctx, kv.CohesivenessKey(full), score, kv.TTLCohesiveness); err != nil {
			e.logger.Warn().Err(err).Str("repo", full).Msg("failed to cache cohesiveness score")
		}

		critical := autoFixableCritical(score)
		if len(critical) == 0 {
			continue
		}

		task := healer.NewTask(
			"cron-cohesiveness-"+shortName(full),
			types.HealingIssue{
				Type:        string(types.IssueStructureMismatch),
				Severity:    "high",
				Description: fmt.Sprintf("%d auto-fixable critical cohesiveness issues in %s", len(critical), full),
				Context:     map[string]string{"repo": full},
			},
			types.StrategyEscalateToAgent,
			now,
		)
		if _, err := e.healingQueue.Enqueue(task); err != nil {
			e.logger.Error().Err(err).Str("repo", full).Msg("failed to enqueue healing task")
			continue
		}
		summary.HealingEnqueued++
	}

	if err := e.persistLocked(); err != nil {
		return summary, err
	}

	e.logger.Info().
		Int("checked", summary.Checked).
		Int("healing_enqueued", summary.HealingEnqueued).
		Msg("cohesiveness pass finished")
	return summary, nil
}

// RepoScoreSummary is one row of the cohesiveness report.
type RepoScoreSummary struct {
	FullName    string    `json:"fullName"`
	Overall     int       `json:"overall"`
	IssueCount  int       `json:"issueCount"`
	LastChecked time.Time `json:"lastChecked"`
}

// CohesivenessReport aggregates the latest scores across all repos.
type CohesivenessReport struct {
	GeneratedAt      time.Time                   `json:"generatedAt"`
	ReposScored      int                         `json:"reposScored"`
	AverageOverall   int                         `json:"averageOverall"`
	IssuesBySeverity map[types.IssueSeverity]int `json:"issuesBySeverity"`
	AutoFixable      int                         `json:"autoFixable"`
	Repos            []RepoScoreSummary          `json:"repos"`
}

// GetCohesivenessReport aggregates the most recent scores. Repos that have
// never been scored are excluded from the average.
func (e *Engine) GetCohesivenessReport() CohesivenessReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := CohesivenessReport{
		GeneratedAt:      e.clock.Now(),
		IssuesBySeverity: make(map[types.IssueSeverity]int),
	}

	sum := 0
	for full, repo := range e.state.Repos {
		score := repo.Cohesiveness
		if score == nil {
			continue
		}
		report.ReposScored++
		sum += score.Overall
		for _, issue := range score.Issues {
			report.IssuesBySeverity[issue.Severity]++
			if issue.AutoFixable {
				report.AutoFixable++
			}
		}
		report.Repos = append(report.Repos, RepoScoreSummary{
			FullName:    full,
			Overall:     score.Overall,
			IssueCount:  len(score.Issues),
			LastChecked: score.LastChecked,
		})
	}
	if report.ReposScored > 0 {
		report.AverageOverall = (sum + report.ReposScored/2) / report.ReposScored
	}
	sort.Slice(report.Repos, func(i, j int) bool { return report.Repos[i].FullName < report.Repos[j].FullName })

	return report
}

// UpdateRepo upserts a repository record and mirrors it into the shared
// cache under repo:{fullName}. The engine's write is the canonical one, so
// the mirror carries no TTL. Short names are qualified with the configured
// org.
func (e *Engine) UpdateRepo(ctx context.Context, data *types.RepoData) error {
	if data == nil || strings.TrimSpace(data.FullName) == "" {
		return ErrRepoRequired
	}

	repo := cloneRepo(data)
	repo.FullName = e.qualify(repo.FullName)
	if repo.LastScrapedAt.IsZero() {
		repo.LastScrapedAt = e.clock.Now()
	}

	e.mu.Lock()
	if existing, ok := e.state.Repos[repo.FullName]; ok {
		// Preserve the last score when the scraper did not recompute it.
		if repo.Cohesiveness == nil {
			repo.Cohesiveness = existing.Cohesiveness
		}
	}
	e.state.Repos[repo.FullName] = repo
	e.addKnownLocked(shortName(repo.FullName))
	metrics.ReposTracked.Set(float64(len(e.state.Repos)))
	err := e.persistLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.cache.SetJSON(ctx, kv.RepoKey(repo.FullName), repo, 0); err != nil {
		e.logger.Warn().Err(err).Str("repo", repo.FullName).Msg("failed to mirror repo into cache")
	}

	e.logger.Debug().Str("repo", repo.FullName).Msg("repo updated")
	return nil
}

// RecordSyncError adds an observation to the recent-error ring (last 10).
func (e *Engine) RecordSyncError(repo, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordErrorLocked(repo, message)
	if err := e.persistLocked(); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist sync error")
	}
}

func (e *Engine) enqueueScrapes(repos []string, scrapeType types.ScrapeType, priority types.JobPriority) int {
	now := e.clock.Now()
	enqueued := 0
	for _, name := range repos {
		task := &types.ScrapeTask{
			ID:         uuid.New().String(),
			Repo:       name,
			ScrapeType: scrapeType,
			Priority:   priority,
			CreatedAt:  now,
		}
		if _, err := e.scrapeQueue.Enqueue(task); err != nil {
			e.logger.Error().Err(err).Str("repo", name).Msg("failed to enqueue scrape task")
			e.mu.Lock()
			e.recordErrorLocked(name, "enqueue failed: "+err.Error())
			e.mu.Unlock()
			continue
		}
		enqueued++
	}
	return enqueued
}

func (e *Engine) recordErrorLocked(repo, message string) {
	e.state.Errors = append(e.state.Errors, types.SyncError{
		Repo:       repo,
		Message:    message,
		OccurredAt: e.clock.Now(),
	})
	if len(e.state.Errors) > maxRecentErrors {
		e.state.Errors = e.state.Errors[len(e.state.Errors)-maxRecentErrors:]
	}
}

func (e *Engine) addKnownLocked(short string) {
	if short == "" {
		return
	}
	for _, k := range e.state.Known {
		if k == short {
			return
		}
	}
	e.state.Known = append(e.state.Known, short)
}

// qualify resolves a short repo name against the configured org.
func (e *Engine) qualify(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return name
	}
	return e.org + "/" + name
}

func (e *Engine) persistLocked() error {
	if err := e.store.SaveState(componentName, &e.state); err != nil {
		return fmt.Errorf("failed to persist sync engine state: %w", err)
	}
	return nil
}

func shortName(full string) string {
	if idx := strings.LastIndex(full, "/"); idx >= 0 {
		return full[idx+1:]
	}
	return full
}

func cloneRepo(r *types.RepoData) *types.RepoData {
	if r == nil {
		return &types.RepoData{}
	}
	out := *r
	if r.Structure != nil {
		s := *r.Structure
		s.Files = append([]string(nil), r.Structure.Files...)
		s.Directories = append([]string(nil), r.Structure.Directories...)
		s.ConfigFiles = append([]string(nil), r.Structure.ConfigFiles...)
		out.Structure = &s
	}
	if r.Cohesiveness != nil {
		c := *r.Cohesiveness
		c.Issues = append([]types.CohesivenessIssue(nil), r.Cohesiveness.Issues...)
		out.Cohesiveness = &c
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
