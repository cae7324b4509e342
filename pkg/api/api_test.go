package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	server *Server
	router http.Handler
	coord  *coordinator.Coordinator
	engine *syncengine.Engine
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
	engine, err := syncengine.New(store, scrapes, healing, cache, clk, "acme", []string{"foo"})
	require.NoError(t, err)
	h, err := healer.New(store, jobs, scrapes, healing, cache, clk, healer.Config{Enabled: true})
	require.NoError(t, err)

	server := NewServer(coord, engine, h, "test")
	return &fixture{server: server, router: server.Router(), coord: coord, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"type": "scrape_repo", "priority": "high"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, types.JobTypeScrapeRepo, created.Type)
	assert.Equal(t, types.JobStatusPending, created.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/v1/jobs/"+created.ID, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, types.JobStatusCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	rec = f.do(t, http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["error"])
}

func TestListJobsQuery(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"type": "notify"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/?type=notify&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs    []types.Job               `json:"jobs"`
		Metrics coordinator.MetricsReport `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Jobs, 2)
	assert.Equal(t, 3, body.Metrics.TotalCreated)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRepoRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/repos/acme/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.engine.UpdateRepo(context.Background(), &types.RepoData{FullName: "acme/foo"}))

	rec = f.do(t, http.MethodGet, "/api/v1/repos/acme/foo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var repo types.RepoData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repo))
	assert.Equal(t, "acme/foo", repo.FullName)

	rec = f.do(t, http.MethodPost, "/api/v1/repos/acme/foo/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted["taskId"])

	rec = f.do(t, http.MethodGet, "/api/v1/repos/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		KnownRepos []string `json:"knownRepos"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Contains(t, list.KnownRepos, "foo")
}

func TestSyncRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sync/full", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body["enqueued"])

	rec = f.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status syncengine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotNil(t, status.LastFullSync)
}

func TestCohesivenessRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/cohesiveness/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/cohesiveness/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report syncengine.CohesivenessReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.ReposScored)
}

func TestHealingRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/healing/tasks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/healing/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/healing/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/healing/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health healer.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health.Healthy)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"job not found", coordinator.ErrNotFound, http.StatusNotFound},
		{"repo not found", syncengine.ErrRepoNotFound, http.StatusNotFound},
		{"task not found", healer.ErrTaskNotFound, http.StatusNotFound},
		{"sync conflict", syncengine.ErrSyncInProgress, http.StatusConflict},
		{"repo required", syncengine.ErrRepoRequired, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.server.writeComponentError(rec, tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestVersionAndLiveness(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var version map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	assert.Equal(t, "test", version["version"])

	rec = f.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
