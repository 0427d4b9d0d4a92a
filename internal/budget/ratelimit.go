// Package budget classifies and waits out backend rate limits, and
// holds the active token profile. The dispatcher's retry policy and
// per-call timeout defaults live in internal/config.
package budget

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LimitType distinguishes a short-lived throttle from a longer quota
// window, inferred from the wait duration when the backend doesn't say.
type LimitType string

const (
	LimitTypeShort   LimitType = "short"
	LimitTypeQuota   LimitType = "quota"
	LimitTypeUnknown LimitType = "unknown"
)

// RateLimitInfo is what a backend Adapter extracts from a transport
// error's message when that message looks like a rate limit.
type RateLimitInfo struct {
	DetectedAt time.Time
	ResetAt    time.Time
	WaitSeconds int64
	LimitType  LimitType
	RawMessage string
}

// TimeUntilReset returns the duration remaining until ResetAt, or 0 if
// ResetAt is unset.
func (r *RateLimitInfo) TimeUntilReset() time.Duration {
	if r.ResetAt.IsZero() {
		return 0
	}
	return time.Until(r.ResetAt)
}

// IsExpired reports whether ResetAt has already passed.
func (r *RateLimitInfo) IsExpired() bool {
	if r.ResetAt.IsZero() {
		return true
	}
	return time.Now().After(r.ResetAt)
}

var (
	retrySecondsPattern = regexp.MustCompile(`retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)\b`)
	rateLimitIndicator  = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|429|too.?many.?requests)`)
)

// ParseRateLimitFromError inspects an error message and, if it looks
// like a rate limit, returns the parsed RateLimitInfo. Returns nil for
// any other kind of error — the caller should treat those as ordinary
// transport failures subject to the normal retry policy instead.
func ParseRateLimitFromError(errMsg string) *RateLimitInfo {
	if errMsg == "" || !rateLimitIndicator.MatchString(errMsg) {
		return nil
	}

	info := &RateLimitInfo{
		DetectedAt: time.Now(),
		RawMessage: errMsg,
		LimitType:  LimitTypeUnknown,
	}

	if m := retrySecondsPattern.FindStringSubmatch(errMsg); len(m) > 1 {
		if seconds, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.WaitSeconds = seconds
			info.ResetAt = time.Now().Add(time.Duration(seconds) * time.Second)
			info.LimitType = inferLimitType(seconds)
			return info
		}
	}

	if jsonInfo := tryParseJSON(errMsg); jsonInfo != nil {
		jsonInfo.DetectedAt = info.DetectedAt
		jsonInfo.RawMessage = info.RawMessage
		return jsonInfo
	}

	// Detected a rate-limit indicator but no parseable detail: fall back
	// to a conservative fixed wait rather than guessing a reset time.
	info.WaitSeconds = 60
	info.ResetAt = time.Now().Add(60 * time.Second)
	info.LimitType = LimitTypeShort
	return info
}

func inferLimitType(waitSeconds int64) LimitType {
	const oneHour = 60 * 60
	if waitSeconds <= 0 {
		return LimitTypeUnknown
	}
	if waitSeconds > oneHour {
		return LimitTypeQuota
	}
	return LimitTypeShort
}

func tryParseJSON(data string) *RateLimitInfo {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		lines := strings.Split(data, "\n")
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := json.Unmarshal([]byte(line), &obj); err == nil {
				if info := extractFromJSONObject(obj); info != nil {
					return info
				}
			}
		}
		return nil
	}
	return extractFromJSONObject(obj)
}

func extractFromJSONObject(obj map[string]any) *RateLimitInfo {
	errorField, hasError := obj["error"]
	retryAfter, hasRetryAfter := obj["retry_after"]

	isRateLimit := false
	if hasError {
		if s, ok := errorField.(string); ok {
			lower := strings.ToLower(s)
			isRateLimit = strings.Contains(s, "429") || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit")
		}
	}
	if !isRateLimit {
		return nil
	}

	info := &RateLimitInfo{DetectedAt: time.Now(), LimitType: LimitTypeUnknown}

	if hasRetryAfter {
		var seconds int64
		switch v := retryAfter.(type) {
		case float64:
			seconds = int64(v)
		case string:
			seconds, _ = strconv.ParseInt(v, 10, 64)
		}
		if seconds > 0 {
			info.WaitSeconds = seconds
			info.ResetAt = time.Now().Add(time.Duration(seconds) * time.Second)
			info.LimitType = inferLimitType(seconds)
			return info
		}
	}

	info.WaitSeconds = 60
	info.ResetAt = time.Now().Add(60 * time.Second)
	info.LimitType = LimitTypeShort
	return info
}
