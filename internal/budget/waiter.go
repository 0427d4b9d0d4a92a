package budget

import "context"

// WaiterLogger receives countdown notifications while blocked on a rate
// limit reset. The console and file loggers both implement it.
type WaiterLogger interface {
	LogRateLimitWait(remaining, total int64)
}

// RateLimitWaiter blocks the caller until a rate limit resets, subject
// to a ceiling on how long it's willing to wait at all — beyond that
// ceiling the backend pool should fall back to the next adapter instead
// of waiting.
type RateLimitWaiter struct {
	maxWait      int64 // seconds; ShouldWait refuses waits longer than this
	safetyBuffer int64 // seconds added after the reported reset time
	logger       WaiterLogger
}

// NewRateLimitWaiter constructs a waiter. logger may be nil.
func NewRateLimitWaiter(maxWaitSeconds, safetyBufferSeconds int64, logger WaiterLogger) *RateLimitWaiter {
	return &RateLimitWaiter{maxWait: maxWaitSeconds, safetyBuffer: safetyBufferSeconds, logger: logger}
}

// ShouldWait reports whether info's reset is close enough to be worth
// waiting for rather than failing over immediately.
func (w *RateLimitWaiter) ShouldWait(info *RateLimitInfo) bool {
	if info == nil {
		return false
	}
	return int64(info.TimeUntilReset().Seconds()) <= w.maxWait
}

// WaitForReset blocks until info's reset time plus the safety buffer,
// honoring ctx cancellation. Callers should poll ctx before any
// subsequent suspension point regardless of this call's outcome.
func (w *RateLimitWaiter) WaitForReset(ctx context.Context, info *RateLimitInfo, sleep func(context.Context, int64) error) error {
	if info == nil {
		return nil
	}

	waitSeconds := int64(0)
	if !info.IsExpired() {
		waitSeconds = int64(info.TimeUntilReset().Seconds())
	}
	waitSeconds += w.safetyBuffer

	if w.logger != nil {
		w.logger.LogRateLimitWait(waitSeconds, waitSeconds)
	}

	return sleep(ctx, waitSeconds)
}
