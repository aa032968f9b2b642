package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/utils"
)

// RetryPolicy controls how Client.Do reacts to failed attempts
type RetryPolicy struct {
	// MaxAttempts bounds attempts for non rate-limit failures
	MaxAttempts int
	// BaseDelay is the first backoff step; each retry doubles it
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration
	// MinRateLimitWait is the floor applied to Retry-After on 429
	MinRateLimitWait time.Duration
	// NonRetryable statuses fail on first occurrence
	NonRetryable map[int]bool
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      utils.DefaultMaxAttempts,
		BaseDelay:        time.Duration(utils.DefaultRetryDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(utils.MaxRetryDelayMs) * time.Millisecond,
		MinRateLimitWait: time.Duration(utils.MinRateLimitWaitMs) * time.Millisecond,
	}
}

// WithNonRetryable returns a copy of p that also treats statuses as fatal
func (p RetryPolicy) WithNonRetryable(statuses ...int) RetryPolicy {
	merged := make(map[int]bool, len(p.NonRetryable)+len(statuses))
	for s := range p.NonRetryable {
		merged[s] = true
	}
	for _, s := range statuses {
		merged[s] = true
	}
	p.NonRetryable = merged
	return p
}

// WithMaxAttempts returns a copy of p with a different attempt budget
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	p.MaxAttempts = n
	return p
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before retry n (1-based): min(base*2^(n-1), max)
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// RateLimitWait converts a Retry-After header into a wait, never below the floor.
// Missing or unparsable headers count as one second.
func (p RetryPolicy) RateLimitWait(h http.Header) time.Duration {
	seconds := utils.DefaultRetryAfterSecond
	if ra := strings.TrimSpace(h.Get("Retry-After")); ra != "" {
		if n, err := strconv.Atoi(ra); err == nil && n >= 0 {
			seconds = n
		}
	}
	wait := time.Duration(seconds) * time.Second
	if wait < p.MinRateLimitWait {
		return p.MinRateLimitWait
	}
	return wait
}

// outcome is the result of a single attempt
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRateLimited
	outcomeRetryable
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRateLimited:
		return "rate-limited"
	case outcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// classifyAttempt decides what to do after one attempt. status is 0 when the
// request never produced a response.
func (p RetryPolicy) classifyAttempt(status int, attempt int) outcome {
	switch {
	case status == http.StatusTooManyRequests:
		return outcomeRateLimited
	case status > 0 && status < 400:
		return outcomeSuccess
	case status > 0 && p.NonRetryable[status]:
		return outcomeFatal
	case attempt >= p.attempts():
		return outcomeFatal
	default:
		return outcomeRetryable
	}
}
