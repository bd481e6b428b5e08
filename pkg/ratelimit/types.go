package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier selects a pair of request ceilings
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Limits are the request ceilings for one tier
type Limits struct {
	Hourly int64 `json:"hourly"`
	Minute int64 `json:"minute"`
}

// DefaultTiers returns the built-in tier table
func DefaultTiers() map[Tier]Limits {
	return map[Tier]Limits{
		TierFree:     {Hourly: 100, Minute: 10},
		TierPro:      {Hourly: 500, Minute: 50},
		TierBusiness: {Hourly: 1000, Minute: 100},
	}
}

// ParseTier normalizes a tier name. An empty name is the free tier.
func ParseTier(s string) Tier {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierFree
	}
	return Tier(s)
}

// Window names one of the two counting windows
type Window string

const (
	WindowHourly Window = "hourly"
	WindowMinute Window = "minute"
)

// Code is the machine-readable cause of a denial or failure
type Code string

const (
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeIPBlocked         Code = "IP_BLOCKED"
	CodeRateLimiterError  Code = "RATE_LIMITER_ERROR"
)

// ErrInvalidRequest is returned when a request lacks a tenant or endpoint
var ErrInvalidRequest = errors.New("invalid rate limit request")

// Request identifies the caller being limited
type Request struct {
	TenantID string
	Endpoint string
	Tier     Tier
	ClientIP string
}

func (r Request) validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant ID is required", ErrInvalidRequest)
	}
	if r.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidRequest)
	}
	return nil
}

// Counts holds one value per window
type Counts struct {
	Hourly int64 `json:"hourly"`
	Minute int64 `json:"minute"`
}

// Resets holds the end of each window
type Resets struct {
	Hourly time.Time `json:"hourly"`
	Minute time.Time `json:"minute"`
}

// Decision is the outcome of CheckAndConsume. Denial is set when Allowed is false.
type Decision struct {
	Allowed   bool    `json:"allowed"`
	Tier      Tier    `json:"tier"`
	Limits    Limits  `json:"limits"`
	Remaining Counts  `json:"remaining"`
	ResetAt   Resets  `json:"reset_at"`
	Denial    *Denial `json:"denial,omitempty"`
	// Degraded is set when the store failed and the request was let through
	Degraded bool `json:"-"`
}

// Denial explains a refused request
type Denial struct {
	Code      Code      `json:"code"`
	Window    Window    `json:"window,omitempty"`
	Limit     int64     `json:"limit,omitempty"`
	Current   int64     `json:"current,omitempty"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	UnblockAt time.Time `json:"unblock_at,omitempty"`
}

// RetryAfter returns how long the caller should wait from now
func (d *Denial) RetryAfter(now time.Time) time.Duration {
	until := d.ResetAt
	if d.Code == CodeIPBlocked {
		until = d.UnblockAt
	}
	if wait := until.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Error is returned when the limiter cannot reach a decision and is
// configured to fail closed
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsLimiterError reports whether err is a limiter failure
func IsLimiterError(err error) (*Error, bool) {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr, true
	}
	return nil, false
}

// WindowKey addresses the windows of one (tenant, endpoint) pair at a point in time
type WindowKey struct {
	TenantID string
	Endpoint string
	Hour     time.Time
	Minute   time.Time
}

// Usage is the result of a store's consume step. When Exceeded is empty the
// minute window was incremented and the counts include this request;
// otherwise nothing changed and the counts are the values that hit the limit.
type Usage struct {
	Hourly   int64
	Minute   int64
	Exceeded Window
}

// WindowStore holds rate windows
type WindowStore interface {
	// Consume checks the hourly then the minute sum against limits and,
	// when both are below, increments the minute window. It is atomic per
	// (tenant, endpoint).
	Consume(ctx context.Context, key WindowKey, limits Limits, tier Tier) (Usage, error)

	// Prune deletes windows that started before cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
