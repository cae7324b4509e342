package types

import (
	"time"
)

// JobType identifies the kind of work a job carries
type JobType string

const (
	JobTypeScrapeRepo        JobType = "scrape_repo"
	JobTypeSyncContent       JobType = "sync_content"
	JobTypeCheckCohesiveness JobType = "check_cohesiveness"
	JobTypeSelfHeal          JobType = "self_heal"
	JobTypeUpdateCache       JobType = "update_cache"
	JobTypeFullSync          JobType = "full_sync"
	JobTypeCleanup           JobType = "cleanup"
	JobTypeNotify            JobType = "notify"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusHealing   JobStatus = "healing"
)

// JobPriority orders jobs for listing and dispatch
type JobPriority string

const (
	JobPriorityCritical JobPriority = "critical"
	JobPriorityHigh     JobPriority = "high"
	JobPriorityNormal   JobPriority = "normal"
	JobPriorityLow      JobPriority = "low"
)

// PriorityRank returns the sort rank of a priority (critical first).
// Unknown priorities sort last.
func PriorityRank(p JobPriority) int {
	switch p {
	case JobPriorityCritical:
		return 0
	case JobPriorityHigh:
		return 1
	case JobPriorityNormal:
		return 2
	case JobPriorityLow:
		return 3
	default:
		return 4
	}
}

// Job is a unit of scheduled work tracked by the coordinator
type Job struct {
	ID              string            `json:"id"`
	Type            JobType           `json:"type"`
	Status          JobStatus         `json:"status"`
	Priority        JobPriority       `json:"priority"`
	Payload         map[string]string `json:"payload"`
	RetryCount      int               `json:"retryCount"`
	MaxRetries      int               `json:"maxRetries"`
	HealingAttempts int               `json:"healingAttempts"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	Error           string            `json:"error,omitempty"`
	Result          string            `json:"result,omitempty"`
}

// JobMetrics holds coordinator-wide counters
type JobMetrics struct {
	TotalCreated   int `json:"totalCreated"`
	TotalCompleted int `json:"totalCompleted"`
	TotalFailed    int `json:"totalFailed"`
	TotalHealing   int `json:"totalHealing"`
}

// ScrapeType selects between a full tree walk and an ETag-gated fetch
type ScrapeType string

const (
	ScrapeTypeFull        ScrapeType = "full"
	ScrapeTypeIncremental ScrapeType = "incremental"
)

// ScrapeTask is a request to fetch one repository from the code host
type ScrapeTask struct {
	ID         string      `json:"id"`
	Repo       string      `json:"repo"` // short name or owner/name
	ScrapeType ScrapeType  `json:"scrapeType"`
	Priority   JobPriority `json:"priority"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// RepoStructure describes the observed layout of a repository
type RepoStructure struct {
	Files           []string `json:"files"`
	Directories     []string `json:"directories"`
	ConfigFiles     []string `json:"configFiles"`
	HasManifest     bool     `json:"hasManifest"`
	HasTypeConfig   bool     `json:"hasTypeConfig"`
	HasDeployConfig bool     `json:"hasDeployConfig"`
	PrimaryLanguage string   `json:"primaryLanguage,omitempty"`
}

// IssueType enumerates the kinds of cohesiveness findings
type IssueType string

const (
	IssueMissingConfig     IssueType = "missing_config"
	IssueStructureMismatch IssueType = "structure_mismatch"
	IssueNamingMismatch    IssueType = "naming_mismatch"
	IssueDependencyDrift   IssueType = "dependency_drift"
)

// IssueSeverity grades a cohesiveness issue
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// CohesivenessIssue is a single finding from the scorer
type CohesivenessIssue struct {
	Type        IssueType     `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	Message     string        `json:"message"`
	Path        string        `json:"path,omitempty"`
	Suggestion  string        `json:"suggestion,omitempty"`
	AutoFixable bool          `json:"autoFixable"`
}

// CohesivenessScore holds the four sub-scores and their derived overall
type CohesivenessScore struct {
	Structure    int                 `json:"structure"`
	Naming       int                 `json:"naming"`
	Dependencies int                 `json:"dependencies"`
	Config       int                 `json:"config"`
	Overall      int                 `json:"overall"`
	Issues       []CohesivenessIssue `json:"issues"`
	LastChecked  time.Time           `json:"lastChecked"`
}

// RepoData is the normalized record of one mirrored repository
type RepoData struct {
	FullName      string             `json:"fullName"` // owner/name
	Description   string             `json:"description,omitempty"`
	DefaultBranch string             `json:"defaultBranch,omitempty"`
	Structure     *RepoStructure     `json:"structure,omitempty"`
	Cohesiveness  *CohesivenessScore `json:"cohesiveness,omitempty"`
	ETag          string             `json:"etag,omitempty"`
	LastScrapedAt time.Time          `json:"lastScrapedAt"`
}

// Strategy names one node of the healing escalation graph
type Strategy string

const (
	StrategyRetryWithBackoff Strategy = "retry_with_backoff"
	StrategyClearCacheRetry  Strategy = "clear_cache_retry"
	StrategySwitchEndpoint   Strategy = "switch_endpoint"
	StrategyReduceBatchSize  Strategy = "reduce_batch_size"
	StrategyNotifyAndSkip    Strategy = "notify_and_skip"
	StrategyFullReset        Strategy = "full_reset"
	StrategyEscalateToAgent  Strategy = "escalate_to_agent"
)

// HealingStatus represents the lifecycle state of a healing task
type HealingStatus string

const (
	HealingStatusPending    HealingStatus = "pending"
	HealingStatusAttempting HealingStatus = "attempting"
	HealingStatusResolved   HealingStatus = "resolved"
	HealingStatusEscalated  HealingStatus = "escalated"
)

// HealingIssue captures what went wrong and where
type HealingIssue struct {
	Type        string            `json:"type"`
	Severity    string            `json:"severity"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ResolutionMetrics records cost of a resolution
type ResolutionMetrics struct {
	TimeToResolveMS int64 `json:"timeToResolveMs"`
	ResourcesUsed   int   `json:"resourcesUsed"`
}

// Resolution records the outcome of a healing attempt
type Resolution struct {
	Strategy   Strategy          `json:"strategy"`
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Attempt    int               `json:"attempt"`
	ResolvedAt time.Time         `json:"resolvedAt"`
	Metrics    ResolutionMetrics `json:"metrics"`
}

// HealingTask drives one remediation through the escalation graph.
// JobID may be synthetic ("cron-*", "scrape-*", "worker-error") when the
// failure did not originate from a coordinator job.
type HealingTask struct {
	ID          string        `json:"id"`
	JobID       string        `json:"jobId"`
	Issue       HealingIssue  `json:"issue"`
	Strategy    Strategy      `json:"strategy"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Status      HealingStatus `json:"status"`
	Resolution  *Resolution   `json:"resolution,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// HealingMetrics holds healer-wide counters
type HealingMetrics struct {
	TotalAttempts         int              `json:"totalAttempts"`
	SuccessfulResolutions int              `json:"successfulResolutions"`
	FailedResolutions     int              `json:"failedResolutions"`
	Escalations           int              `json:"escalations"`
	AverageTimeToResolve  int64            `json:"averageTimeToResolveMs"`
	StrategyUse           map[Strategy]int `json:"strategyUse"`
	StrategySuccess       map[Strategy]int `json:"strategySuccess"`
}

// SyncError records one failed sync observation (last 10 are retained)
type SyncError struct {
	Repo       string    `json:"repo,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}
