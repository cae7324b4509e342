package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGitHub(t *testing.T) (*GitHub, *int) {
	t.Helper()
	fetches := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/foo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"etag-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fetches++
		w.Header().Set("ETag", `"etag-1"`)
		w.Write([]byte(`{"full_name":"acme/foo","description":"a worker","default_branch":"main"}`))
	})
	mux.HandleFunc("/repos/acme/foo/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tree":[
			{"path":"README.md","type":"blob"},
			{"path":"package.json","type":"blob"},
			{"path":"tsconfig.json","type":"blob"},
			{"path":"wrangler.toml","type":"blob"},
			{"path":"src","type":"tree"},
			{"path":"src/index.ts","type":"blob"},
			{"path":"src/router.ts","type":"blob"}
		]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g := NewGitHub("acme", "test-token")
	g.baseURL = srv.URL
	return g, &fetches
}

func TestScrapeFull(t *testing.T) {
	g, _ := newTestGitHub(t)

	data, err := g.Scrape(context.Background(), &types.ScrapeTask{
		Repo:       "foo",
		ScrapeType: types.ScrapeTypeFull,
	})
	require.NoError(t, err)
	require.NotNil(t, data)

	assert.Equal(t, "acme/foo", data.FullName)
	assert.Equal(t, "a worker", data.Description)
	assert.Equal(t, "main", data.DefaultBranch)
	assert.Equal(t, `"etag-1"`, data.ETag)
	assert.False(t, data.LastScrapedAt.IsZero())

	s := data.Structure
	require.NotNil(t, s)
	assert.True(t, s.HasManifest)
	assert.True(t, s.HasTypeConfig)
	assert.True(t, s.HasDeployConfig)
	assert.Contains(t, s.Directories, "src")
	assert.Len(t, s.Files, 6)
	assert.Equal(t, "typescript", s.PrimaryLanguage)
}

func TestScrapeIncrementalNotModified(t *testing.T) {
	g, fetches := newTestGitHub(t)
	ctx := context.Background()

	// First incremental scrape has no ETag yet and fetches.
	data, err := g.Scrape(ctx, &types.ScrapeTask{Repo: "acme/foo", ScrapeType: types.ScrapeTypeIncremental})
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, 1, *fetches)

	// Second one hits the stored ETag and comes back empty-handed.
	data, err = g.Scrape(ctx, &types.ScrapeTask{Repo: "acme/foo", ScrapeType: types.ScrapeTypeIncremental})
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, 1, *fetches)

	// A full scrape ignores the ETag.
	data, err = g.Scrape(ctx, &types.ScrapeTask{Repo: "acme/foo", ScrapeType: types.ScrapeTypeFull})
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, 2, *fetches)
}

func TestScrapeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	g := NewGitHub("acme", "")
	g.baseURL = srv.URL

	_, err := g.Scrape(context.Background(), &types.ScrapeTask{Repo: "ghost", ScrapeType: types.ScrapeTypeFull})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
