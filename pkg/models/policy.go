package models

import "time"

const (
	DefaultBatchSize    = 100
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 30 * time.Second
	DefaultBatchTimeout = 60 * time.Second
)

// TaskPolicy configures how a task drains the change log.
type TaskPolicy struct {
	Enabled           bool          `json:"enabled"`
	BatchSize         int           `json:"batch_size"`         // Rows per fetch
	MaxRetries        int           `json:"max_retries"`        // Retries of a failed range before it is poisoned
	RetryBackoff      time.Duration `json:"retry_backoff"`      // Delay before the first retry
	BackoffMultiplier float64       `json:"backoff_multiplier"` // 1 keeps the delay fixed
	MaxBackoff        time.Duration `json:"max_backoff"`        // 0 means uncapped
	BatchTimeout      time.Duration `json:"batch_timeout"`      // Per consumer call, 0 means none
	StaleAfter        time.Duration `json:"stale_after"`        // IN_PROGRESS lease, 0 disables reclaim
}

type TaskOption func(*TaskPolicy)

func DefaultTaskPolicy() TaskPolicy {
	return TaskPolicy{
		Enabled:           true,
		BatchSize:         DefaultBatchSize,
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      DefaultRetryBackoff,
		BackoffMultiplier: 1,
		BatchTimeout:      DefaultBatchTimeout,
	}
}

func WithBatchSize(n int) TaskOption {
	return func(p *TaskPolicy) {
		p.BatchSize = n
	}
}

func WithMaxRetries(n int) TaskOption {
	return func(p *TaskPolicy) {
		p.MaxRetries = n
	}
}

func WithRetryBackoff(d time.Duration) TaskOption {
	return func(p *TaskPolicy) {
		p.RetryBackoff = d
	}
}

func WithExponentialBackoff(multiplier float64, max time.Duration) TaskOption {
	return func(p *TaskPolicy) {
		p.BackoffMultiplier = multiplier
		p.MaxBackoff = max
	}
}

func WithBatchTimeout(d time.Duration) TaskOption {
	return func(p *TaskPolicy) {
		p.BatchTimeout = d
	}
}

func WithStaleAfter(d time.Duration) TaskOption {
	return func(p *TaskPolicy) {
		p.StaleAfter = d
	}
}

func WithEnabled(enabled bool) TaskOption {
	return func(p *TaskPolicy) {
		p.Enabled = enabled
	}
}

// TypeStatus summarizes the pipeline position of one (task, object type) pair.
type TypeStatus struct {
	Task                string     `json:"task"`
	ObjectType          string     `json:"object_type"`
	Key                 string     `json:"task_name"`
	Latest              *Watermark `json:"latest,omitempty"`
	Halted              bool       `json:"halted"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
}
