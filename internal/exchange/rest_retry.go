package exchange

import (
	"fmt"
	"strings"
	"time"
)

// RetryConfig is the exponential-backoff policy for transient REST errors.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches the venue's documented recommended backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// WithRetry runs fn, retrying transient errors with exponential backoff.
func WithRetry(fn func() error, cfg RetryConfig) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			time.Sleep(calculateBackoff(attempt, cfg.BaseDelay, cfg.MaxDelay))
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

func calculateBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// isRetryableError classifies Kraken's "EGeneral:..."/"EService:..." error
// strings plus plain transport errors, per spec.md §7's ExchangeTransient
// category.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errLower := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"timeout",
		"connection reset",
		"connection refused",
		"eservice:unavailable",
		"eservice:busy",
		"egeneral:temporary",
		"too many requests",
		"rate limit",
		"eapi:rate limit exceeded",
		"502", "503", "504",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errLower, pattern) {
			return true
		}
	}

	nonRetryablePatterns := []string{
		"eapi:invalid key",
		"eapi:invalid signature",
		"eapi:invalid nonce",
		"eorder:insufficient funds",
		"eorder:cannot open position",
		"eorder:unknown order",
		"unauthorized",
	}
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errLower, pattern) {
			return false
		}
	}

	return true
}
