package syncengine

import (
	"strings"
	"time"

	"github.com/blackroad-os/repowarden/pkg/types"
)

// Subscore penalties. Naming and dependency subscores have no checks yet
// and stay at 100.
const (
	penaltyMissingManifest     = 30
	penaltyMissingTypeConfig   = 20
	penaltyMissingDeployConfig = 25
	penaltyNoSrcDir            = 30
	penaltyNoReadme            = 10

	// srcDirFileThreshold is the repo size above which a missing src/
	// directory counts against structure.
	srcDirFileThreshold = 5
)

// Score computes the cohesiveness score for a repository structure. The
// overall score is the rounded arithmetic mean of the four subscores,
// computed after all penalties.
func Score(s *types.RepoStructure, now time.Time) *types.CohesivenessScore {
	score := &types.CohesivenessScore{
		Structure:    100,
		Naming:       100,
		Dependencies: 100,
		Config:       100,
		LastChecked:  now,
	}
	if s == nil {
		s = &types.RepoStructure{}
	}

	if !s.HasManifest {
		score.Config -= penaltyMissingManifest
		score.Issues = append(score.Issues, types.CohesivenessIssue{
			Type:        types.IssueMissingConfig,
			Severity:    types.SeverityWarning,
			Message:     "project manifest is missing",
			Suggestion:  "add a project manifest at the repository root",
			AutoFixable: true,
		})
	}
	if !s.HasTypeConfig {
		score.Config -= penaltyMissingTypeConfig
		score.Issues = append(score.Issues, types.CohesivenessIssue{
			Type:        types.IssueMissingConfig,
			Severity:    types.SeverityInfo,
			Message:     "type configuration file is missing",
			Suggestion:  "add a type configuration file",
			AutoFixable: true,
		})
	}
	if !s.HasDeployConfig {
		score.Config -= penaltyMissingDeployConfig
		score.Issues = append(score.Issues, types.CohesivenessIssue{
			Type:        types.IssueMissingConfig,
			Severity:    types.SeverityWarning,
			Message:     "deployment configuration is missing",
			Suggestion:  "add a deployment configuration file",
			AutoFixable: true,
		})
	}

	if !hasDirectory(s, "src") && len(s.Files) > srcDirFileThreshold {
		score.Structure -= penaltyNoSrcDir
		score.Issues = append(score.Issues, types.CohesivenessIssue{
			Type:        types.IssueStructureMismatch,
			Severity:    types.SeverityInfo,
			Message:     "no src/ directory in a repository with more than 5 files",
			Path:        "src/",
			Suggestion:  "group source files under src/",
			AutoFixable: false,
		})
	}
	if !hasReadme(s) {
		score.Structure -= penaltyNoReadme
		score.Issues = append(score.Issues, types.CohesivenessIssue{
			Type:        types.IssueMissingConfig,
			Severity:    types.SeverityInfo,
			Message:     "no README found",
			Path:        "README.md",
			Suggestion:  "add a README.md",
			AutoFixable: true,
		})
	}

	score.Overall = roundMean4(score.Structure, score.Naming, score.Dependencies, score.Config)
	return score
}

// autoFixableCritical returns the critical issues healing may act on.
func autoFixableCritical(score *types.CohesivenessScore) []types.CohesivenessIssue {
	var out []types.CohesivenessIssue
	for _, issue := range score.Issues {
		if issue.Severity == types.SeverityCritical && issue.AutoFixable {
			out = append(out, issue)
		}
	}
	return out
}

func hasDirectory(s *types.RepoStructure, name string) bool {
	for _, d := range s.Directories {
		if d == name || strings.TrimSuffix(d, "/") == name {
			return true
		}
	}
	return false
}

func hasReadme(s *types.RepoStructure) bool {
	for _, f := range s.Files {
		base := f
		if idx := strings.LastIndex(f, "/"); idx >= 0 {
			base = f[idx+1:]
		}
		if strings.HasPrefix(strings.ToLower(base), "readme") {
			return true
		}
	}
	return false
}

// roundMean4 is the rounded arithmetic mean of four non-negative subscores,
// exact under integer arithmetic.
func roundMean4(a, b, c, d int) int {
	return (a + b + c + d + 2) / 4
}
