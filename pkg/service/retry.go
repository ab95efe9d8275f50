package service

import (
	"math"
	"time"

	"github.com/ignatij/replog/pkg/models"
)

// retryDelay is the wait after failed attempt n before attempt n+1 may start:
// RetryBackoff * BackoffMultiplier^(n-1), capped at MaxBackoff.
func retryDelay(p models.TaskPolicy, failedAttempt int) time.Duration {
	if p.RetryBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	delay := float64(p.RetryBackoff) * math.Pow(mult, float64(failedAttempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// nextRetryAt is the earliest time a failed watermark's range may be retried.
func nextRetryAt(p models.TaskPolicy, w models.Watermark) time.Time {
	ended := w.StartedAt
	if w.EndedAt != nil {
		ended = *w.EndedAt
	}
	return ended.Add(retryDelay(p, w.Attempt))
}

// retriesExhausted reports a poisoned range: attempt numbers start at 1, so
// MaxRetries = N allows N+1 attempts.
func retriesExhausted(p models.TaskPolicy, w models.Watermark) bool {
	return w.State == models.FailedWatermarkState && w.Attempt > p.MaxRetries
}

func isStale(p models.TaskPolicy, w models.Watermark, now time.Time) bool {
	return w.State == models.InProgressWatermarkState && p.StaleAfter > 0 && now.Sub(w.StartedAt) > p.StaleAfter
}
