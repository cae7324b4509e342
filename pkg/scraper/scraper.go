// Package scraper fetches repository metadata from the code host. It is the
// only component that talks to the outside network; everything downstream
// consumes the normalized RepoData it produces.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.github.com"

// Markers for the three config checks the cohesiveness scorer cares about.
var (
	manifestFiles = []string{"package.json", "go.mod", "Cargo.toml", "pyproject.toml"}
	typeConfigs   = []string{"tsconfig.json", "jsconfig.json"}
	deployConfigs = []string{"wrangler.toml", "wrangler.json", "Dockerfile", "fly.toml"}
)

// Scraper fetches one repository. A nil RepoData with a nil error means the
// repository has not changed since the last scrape (ETag match).
type Scraper interface {
	Scrape(ctx context.Context, task *types.ScrapeTask) (*types.RepoData, error)
}

// GitHub scrapes repositories through the GitHub REST API. Incremental
// scrapes send If-None-Match with the last seen ETag; a 304 answer skips
// the fetch entirely.
type GitHub struct {
	org     string
	token   string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	etags map[string]string
}

// NewGitHub creates a scraper for the given org. The token is optional;
// without it requests run against the anonymous rate limit.
func NewGitHub(org, token string) *GitHub {
	return &GitHub{
		org:     org,
		token:   token,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithComponent("scraper"),
		etags:   make(map[string]string),
	}
}

type repoResponse struct {
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
}

type treeResponse struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

// Scrape fetches repository metadata and its file tree.
func (g *GitHub) Scrape(ctx context.Context, task *types.ScrapeTask) (*types.RepoData, error) {
	full := g.qualify(task.Repo)

	var meta repoResponse
	etag, notModified, err := g.get(ctx, "/repos/"+full, g.etagFor(full, task.ScrapeType), &meta)
	if err != nil {
		return nil, err
	}
	if notModified {
		g.logger.Debug().Str("repo", full).Msg("repo unchanged")
		return nil, nil
	}

	branch := meta.DefaultBranch
	if branch == "" {
		branch = "HEAD"
	}
	var tree treeResponse
	if _, _, err := g.get(ctx, "/repos/"+full+"/git/trees/"+branch+"?recursive=1", "", &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		g.logger.Warn().Str("repo", full).Msg("tree listing truncated")
	}

	g.setEtag(full, etag)

	return &types.RepoData{
		FullName:      full,
		Description:   meta.Description,
		DefaultBranch: meta.DefaultBranch,
		Structure:     buildStructure(tree),
		ETag:          etag,
		LastScrapedAt: time.Now().UTC(),
	}, nil
}

// get performs one API request. It returns the response ETag and whether
// the server answered 304 for the given If-None-Match value.
func (g *GitHub) get(ctx context.Context, p, ifNoneMatch string, v interface{}) (etag string, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+p, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("request to %s failed: %w", p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return ifNoneMatch, true, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", false, fmt.Errorf("not found: %s", p)
	case resp.StatusCode >= 400:
		return "", false, fmt.Errorf("unexpected status %s for %s", resp.Status, p)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return "", false, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return resp.Header.Get("ETag"), false, nil
}

func buildStructure(tree treeResponse) *types.RepoStructure {
	s := &types.RepoStructure{}
	counts := make(map[string]int)

	for _, entry := range tree.Tree {
		if entry.Type == "tree" {
			s.Directories = append(s.Directories, entry.Path)
			continue
		}
		s.Files = append(s.Files, entry.Path)

		base := path.Base(entry.Path)
		if isConfigFile(base) {
			s.ConfigFiles = append(s.ConfigFiles, entry.Path)
		}
		// Root-level markers only.
		if !strings.Contains(entry.Path, "/") {
			switch {
			case contains(manifestFiles, base):
				s.HasManifest = true
			case contains(typeConfigs, base):
				s.HasTypeConfig = true
			case contains(deployConfigs, base):
				s.HasDeployConfig = true
			}
		}
		if ext := strings.TrimPrefix(path.Ext(base), "."); ext != "" {
			counts[ext]++
		}
	}

	s.PrimaryLanguage = dominantLanguage(counts)
	return s
}

func isConfigFile(base string) bool {
	return contains(manifestFiles, base) || contains(typeConfigs, base) || contains(deployConfigs, base)
}

var languageByExt = map[string]string{
	"go": "go", "ts": "typescript", "tsx": "typescript",
	"js": "javascript", "jsx": "javascript", "py": "python",
	"rs": "rust", "rb": "ruby", "java": "java",
}

func dominantLanguage(counts map[string]int) string {
	best, bestCount := "", 0
	for ext, n := range counts {
		lang, ok := languageByExt[ext]
		if !ok {
			continue
		}
		if n > bestCount || (n == bestCount && lang < best) {
			best, bestCount = lang, n
		}
	}
	return best
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// etagFor returns the stored ETag for incremental scrapes; full scrapes
// always refetch.
func (g *GitHub) etagFor(full string, t types.ScrapeType) string {
	if t != types.ScrapeTypeIncremental {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.etags[full]
}

func (g *GitHub) setEtag(full, etag string) {
	if etag == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.etags[full] = etag
}

func (g *GitHub) qualify(repo string) string {
	repo = strings.TrimSpace(repo)
	if strings.Contains(repo, "/") {
		return repo
	}
	return g.org + "/" + repo
}
