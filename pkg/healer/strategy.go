package healer

import (
	"time"

	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/google/uuid"
)

// strategyConfig describes one node of the escalation graph: how many
// attempts the strategy gets, the per-attempt backoff schedule, and which
// strategy takes over once the attempts are exhausted.
type strategyConfig struct {
	maxAttempts int
	backoff     []time.Duration
	next        types.Strategy // empty means terminal
}

var strategies = map[types.Strategy]strategyConfig{
	types.StrategyRetryWithBackoff: {
		maxAttempts: 5,
		backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		next:        types.StrategyClearCacheRetry,
	},
	types.StrategyClearCacheRetry: {
		maxAttempts: 2,
		backoff:     []time.Duration{2 * time.Second, 5 * time.Second},
		next:        types.StrategySwitchEndpoint,
	},
	types.StrategySwitchEndpoint: {
		maxAttempts: 3,
		backoff:     []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
		next:        types.StrategyReduceBatchSize,
	},
	types.StrategyReduceBatchSize: {
		maxAttempts: 3,
		backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second},
		next:        types.StrategyNotifyAndSkip,
	},
	types.StrategyNotifyAndSkip: {
		maxAttempts: 1,
		backoff:     []time.Duration{0},
		next:        types.StrategyEscalateToAgent,
	},
	types.StrategyFullReset: {
		maxAttempts: 1,
		backoff:     []time.Duration{5 * time.Second},
		next:        types.StrategyEscalateToAgent,
	},
	types.StrategyEscalateToAgent: {
		maxAttempts: 1,
	},
}

// MaxAttempts returns the attempt budget for a strategy. Unknown strategies
// get the retry_with_backoff budget.
func MaxAttempts(s types.Strategy) int {
	if cfg, ok := strategies[s]; ok {
		return cfg.maxAttempts
	}
	return strategies[types.StrategyRetryWithBackoff].maxAttempts
}

// NextStrategy returns the successor of s in the escalation graph, or empty
// when s is terminal.
func NextStrategy(s types.Strategy) types.Strategy {
	return strategies[s].next
}

// backoffFor returns the pause before the given 1-based attempt. Attempts
// past the end of the schedule reuse the last entry.
func backoffFor(s types.Strategy, attempt int) time.Duration {
	cfg := strategies[s]
	if len(cfg.backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(cfg.backoff) {
		attempt = len(cfg.backoff)
	}
	return cfg.backoff[attempt-1]
}

// NewTask builds a healing task positioned at the given strategy. jobID may
// be synthetic ("cron-*", "scrape-*") when the failure did not originate
// from a coordinator job.
func NewTask(jobID string, issue types.HealingIssue, strategy types.Strategy, now time.Time) *types.HealingTask {
	return &types.HealingTask{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Issue:       issue,
		Strategy:    strategy,
		Attempts:    0,
		MaxAttempts: MaxAttempts(strategy),
		Status:      types.HealingStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
