package format

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// RateLimitReason classifies why the upstream returned a 429/5xx (§4.J
// rate-limit feedback, §7 backoff-by-error-type table).
type RateLimitReason string

const (
	RateLimitReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	RateLimitReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	RateLimitReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	RateLimitReasonServerError            RateLimitReason = "SERVER_ERROR"
	RateLimitReasonUnknown                RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts a reset delay in milliseconds from the response
// headers or the error body text, preferring headers (§4.J). Returns -1 if
// nothing usable was found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				resetMs = d
			}
		}
	}

	if resetMs < 0 {
		if v := headers.Get("x-ratelimit-reset"); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				if d := ts*1000 - time.Now().UnixMilli(); d > 0 {
					resetMs = d
				}
			}
		}
	}

	if resetMs < 0 {
		if v := headers.Get("x-ratelimit-reset-after"); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	if resetMs >= 0 {
		if resetMs <= 0 {
			resetMs = 500
		} else if resetMs < 500 {
			resetMs += 200
		}
	}

	return resetMs
}

func parseResetTimeFromBody(msg string) int64 {
	if m := quotaDelayRegex.FindStringSubmatch(msg); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		if strings.ToLower(m[2]) == "s" {
			return int64(value * 1000)
		}
		return int64(value)
	}
	if m := quotaTimestampRegex.FindStringSubmatch(msg); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return t.Sub(time.Now()).Milliseconds()
		}
	}
	if m := retrySecondsRegex.FindStringSubmatch(msg); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		return int64(value * 1000)
	}
	if m := retryMsRegex.FindStringSubmatch(msg); m != nil {
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		return ms
	}
	if m := retryAfterSecRegex.FindStringSubmatch(msg); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds * 1000
	}
	if m := durationRegex.FindStringSubmatch(msg); m != nil {
		switch {
		case m[1] != "":
			h, _ := strconv.Atoi(m[1])
			mi, _ := strconv.Atoi(m[2])
			s, _ := strconv.Atoi(m[3])
			return int64((h*3600 + mi*60 + s) * 1000)
		case m[4] != "":
			mi, _ := strconv.Atoi(m[4])
			s, _ := strconv.Atoi(m[5])
			return int64((mi*60 + s) * 1000)
		case m[6] != "":
			s, _ := strconv.Atoi(m[6])
			return int64(s * 1000)
		}
	}
	if m := isoTimestampRegex.FindStringSubmatch(msg); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				return d
			}
		}
	}
	return -1
}

// ParseRateLimitReason classifies a non-OK upstream response by status code
// first, then by scanning the error text for known markers (§4.J, §7).
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	if status == 529 || status == 503 {
		return RateLimitReasonModelCapacityExhausted
	}
	if status == 500 {
		return RateLimitReasonServerError
	}

	lower := strings.ToLower(errorText)

	switch {
	case strings.Contains(lower, "quota_exhausted"),
		strings.Contains(lower, "quotaresetdelay"),
		strings.Contains(lower, "quotaresettimestamp"),
		strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "daily limit"),
		strings.Contains(lower, "quota exceeded"):
		return RateLimitReasonQuotaExhausted
	case strings.Contains(lower, "model_capacity_exhausted"),
		strings.Contains(lower, "capacity_exhausted"),
		strings.Contains(lower, "model is currently overloaded"),
		strings.Contains(lower, "service temporarily unavailable"):
		return RateLimitReasonModelCapacityExhausted
	case strings.Contains(lower, "rate_limit_exceeded"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "throttl"):
		return RateLimitReasonRateLimitExceeded
	case strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "server error"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "504"):
		return RateLimitReasonServerError
	default:
		return RateLimitReasonUnknown
	}
}

// dedupState tracks consecutive-429 state per account+model, for the
// within-window dedup and exponential-backoff logic the Dispatcher uses
// when retrying a rate-limited account (§4.J, §4.L step 9).
type dedupState struct {
	consecutive429 int
	lastAt         time.Time
}

var rateLimitDedup = struct {
	sync.Mutex
	m map[string]*dedupState
}{m: make(map[string]*dedupState)}

// BackoffResult is the outcome of a rate-limit backoff calculation.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

func dedupKey(email, modelName string) string { return email + ":" + modelName }

// GetRateLimitBackoff computes the next backoff for (email, model), folding
// in the upstream-provided retry delay and a short dedup window so rapid
// repeated 429s for the same account+model don't each restart the
// exponential climb from attempt 1 (§4.J).
func GetRateLimitBackoff(email, modelName string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()
	key := dedupKey(email, modelName)

	rateLimitDedup.Lock()
	defer rateLimitDedup.Unlock()

	previous := rateLimitDedup.m[key]

	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		base := serverRetryAfterMs
		if base <= 0 {
			base = config.FirstRetryDelayMs
		}
		delay := int64(math.Min(float64(base)*math.Pow(2, float64(previous.consecutive429-1)), 60000))
		return &BackoffResult{Attempt: previous.consecutive429, DelayMs: maxInt64(base, delay), IsDuplicate: true}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive429 + 1
	}
	rateLimitDedup.m[key] = &dedupState{consecutive429: attempt, lastAt: now}

	base := serverRetryAfterMs
	if base <= 0 {
		base = config.FirstRetryDelayMs
	}
	delay := int64(math.Min(float64(base)*math.Pow(2, float64(attempt-1)), 60000))
	utils.Debug("[ResponseTransformer] rate limit backoff for %s: attempt=%d delayMs=%d", key, attempt, maxInt64(base, delay))
	return &BackoffResult{Attempt: attempt, DelayMs: maxInt64(base, delay), IsDuplicate: false}
}

// ClearRateLimitDedup forgets an account+model's backoff state after a
// successful request.
func ClearRateLimitDedup(email, modelName string) {
	rateLimitDedup.Lock()
	delete(rateLimitDedup.m, dedupKey(email, modelName))
	rateLimitDedup.Unlock()
}

// CalculateSmartBackoff picks a backoff duration by error classification
// when the upstream gave no usable reset time (§7 backoff-by-error-type).
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return maxInt64(serverResetMs, config.MinBackoffMs)
	}

	switch ParseRateLimitReason(errorText, 0) {
	case RateLimitReasonQuotaExhausted:
		idx := consecutiveFailures
		if idx >= len(config.QuotaExhaustedBackoffTiersMs) {
			idx = len(config.QuotaExhaustedBackoffTiersMs) - 1
		}
		return config.QuotaExhaustedBackoffTiersMs[idx]
	case RateLimitReasonModelCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case RateLimitReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	case RateLimitReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
