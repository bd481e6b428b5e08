package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// BlockLookup finds the latest block recorded for an IP. audit.Store
// satisfies it.
type BlockLookup interface {
	LatestByIP(ctx context.Context, ip string, eventType audit.EventType) (*audit.SecurityEvent, error)
}

// Limiter applies the tier table to requests
type Limiter struct {
	store          WindowStore
	blocks         BlockLookup
	events         audit.Sink
	tiers          map[Tier]Limits
	failOpen       bool
	storeTimeout   time.Duration
	abuseThreshold float64
	blockDuration  time.Duration
	clock          clockwork.Clock
	logger         *observability.Logger
	metrics        *observability.Metrics
}

// Option configures a Limiter
type Option func(*Limiter)

// WithBlockLookup enables the IP block check
func WithBlockLookup(b BlockLookup) Option {
	return func(l *Limiter) { l.blocks = b }
}

// WithEventSink records exceeded limits and abuse signals
func WithEventSink(sink audit.Sink) Option {
	return func(l *Limiter) { l.events = sink }
}

// WithTiers overrides or adds tier limits on top of DefaultTiers
func WithTiers(tiers map[Tier]Limits) Option {
	return func(l *Limiter) {
		for name, limits := range tiers {
			l.tiers[name] = limits
		}
	}
}

// WithFailOpen selects the store failure policy
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) { l.failOpen = failOpen }
}

// WithStoreTimeout bounds every store call
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.storeTimeout = d }
}

// WithAbuseThreshold sets the fraction of the minute ceiling above which a
// potential_abuse event is emitted
func WithAbuseThreshold(fraction float64) Option {
	return func(l *Limiter) { l.abuseThreshold = fraction }
}

// WithBlockDuration sets how long an ip_blocked event stays in force
func WithBlockDuration(d time.Duration) Option {
	return func(l *Limiter) { l.blockDuration = d }
}

// WithClock sets the clock that aligns windows
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = metrics }
}

// NewLimiter creates a fail-open limiter with the default tier table
func NewLimiter(store WindowStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:          store,
		events:         audit.NoopSink{},
		tiers:          DefaultTiers(),
		failOpen:       true,
		storeTimeout:   2 * time.Second,
		abuseThreshold: 0.8,
		blockDuration:  24 * time.Hour,
		clock:          clockwork.NewRealClock(),
		logger:         observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tiers returns a copy of the effective tier table
func (l *Limiter) Tiers() map[Tier]Limits {
	out := make(map[Tier]Limits, len(l.tiers))
	for k, v := range l.tiers {
		out[k] = v
	}
	return out
}

// LimitsFor returns the ceilings for tier. Unknown tiers get the free limits.
func (l *Limiter) LimitsFor(tier Tier) (Tier, Limits) {
	if limits, ok := l.tiers[tier]; ok {
		return tier, limits
	}
	return TierFree, l.tiers[TierFree]
}

// Now returns the limiter's current time
func (l *Limiter) Now() time.Time {
	return l.clock.Now()
}

// CheckAndConsume decides whether req may proceed and, if so, counts it
func (l *Limiter) CheckAndConsume(ctx context.Context, req Request) (*Decision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := l.clock.Now().UTC()
	tier, limits := l.LimitsFor(req.Tier)
	key := WindowKey{
		TenantID: req.TenantID,
		Endpoint: req.Endpoint,
		Hour:     now.Truncate(time.Hour),
		Minute:   now.Truncate(time.Minute),
	}
	d := &Decision{
		Tier:    tier,
		Limits:  limits,
		ResetAt: Resets{Hourly: key.Hour.Add(time.Hour), Minute: key.Minute.Add(time.Minute)},
	}

	if req.ClientIP != "" && l.blocks != nil {
		block, err := l.latestBlock(ctx, req.ClientIP)
		if err != nil {
			return l.storeFailure(ctx, req, d, "ip_block_lookup", err)
		}
		if block != nil {
			unblockAt := block.CreatedAt.Add(l.blockDuration)
			if now.Before(unblockAt) {
				d.Denial = &Denial{Code: CodeIPBlocked, UnblockAt: unblockAt.UTC()}
				l.count(tier, "ip_blocked")
				l.logger.WithContext(ctx).WithFields(map[string]interface{}{
					"client_ip":  req.ClientIP,
					"unblock_at": unblockAt,
				}).Info("request from blocked IP refused")
				return d, nil
			}
		}
	}

	usage, err := l.consume(ctx, key, limits, tier)
	if err != nil {
		return l.storeFailure(ctx, req, d, "consume", err)
	}

	if usage.Exceeded != "" {
		d.Denial = &Denial{Code: CodeRateLimitExceeded, Window: usage.Exceeded}
		if usage.Exceeded == WindowHourly {
			d.Denial.Limit, d.Denial.Current, d.Denial.ResetAt = limits.Hourly, usage.Hourly, d.ResetAt.Hourly
		} else {
			d.Denial.Limit, d.Denial.Current, d.Denial.ResetAt = limits.Minute, usage.Minute, d.ResetAt.Minute
		}
		d.Remaining = Counts{Hourly: remaining(limits.Hourly, usage.Hourly), Minute: remaining(limits.Minute, usage.Minute)}
		l.count(tier, "denied")
		l.emit(ctx, &audit.SecurityEvent{
			TenantID:    req.TenantID,
			IPAddress:   req.ClientIP,
			EventType:   audit.EventRateLimitExceeded,
			Severity:    audit.SeverityWarning,
			Description: fmt.Sprintf("%s rate limit exceeded for %s", usage.Exceeded, req.Endpoint),
			Metadata: map[string]any{
				"endpoint": req.Endpoint,
				"tier":     string(tier),
				"window":   string(usage.Exceeded),
				"limit":    d.Denial.Limit,
				"current":  d.Denial.Current,
			},
		})
		return d, nil
	}

	if float64(usage.Minute) > l.abuseThreshold*float64(limits.Minute) {
		l.emit(ctx, &audit.SecurityEvent{
			TenantID:    req.TenantID,
			IPAddress:   req.ClientIP,
			EventType:   audit.EventPotentialAbuse,
			Severity:    audit.SeverityWarning,
			Description: fmt.Sprintf("high request rate on %s", req.Endpoint),
			Metadata: map[string]any{
				"endpoint":     req.Endpoint,
				"tier":         string(tier),
				"minute_count": usage.Minute,
				"minute_limit": limits.Minute,
			},
		})
	}

	d.Allowed = true
	d.Remaining = Counts{Hourly: remaining(limits.Hourly, usage.Hourly), Minute: remaining(limits.Minute, usage.Minute)}
	l.count(tier, "allowed")
	return d, nil
}

// Prune removes windows older than retention
func (l *Limiter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.Prune(ctx, l.clock.Now().UTC().Add(-retention))
}

func (l *Limiter) latestBlock(ctx context.Context, ip string) (*audit.SecurityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	start := time.Now()
	defer l.observeLatency("ip_block_lookup", start)
	return l.blocks.LatestByIP(ctx, ip, audit.EventIPBlocked)
}

func (l *Limiter) consume(ctx context.Context, key WindowKey, limits Limits, tier Tier) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	start := time.Now()
	defer l.observeLatency("consume", start)
	return l.store.Consume(ctx, key, limits, tier)
}

func (l *Limiter) storeFailure(ctx context.Context, req Request, d *Decision, op string, err error) (*Decision, error) {
	if l.metrics != nil {
		l.metrics.RateLimitStoreErrors.WithLabelValues(op).Inc()
	}
	logger := l.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
		"tenant_id": req.TenantID,
		"endpoint":  req.Endpoint,
		"operation": op,
	})

	if !l.failOpen {
		logger.Error("rate limiter store failed, refusing request")
		l.count(d.Tier, "error")
		return nil, &Error{Code: CodeRateLimiterError, Op: op, Err: err}
	}

	logger.Warn("rate limiter store failed, allowing request")
	d.Allowed = true
	d.Degraded = true
	d.Remaining = Counts{Hourly: d.Limits.Hourly, Minute: d.Limits.Minute}
	l.count(d.Tier, "fail_open")
	return d, nil
}

// emit never changes the decision; a lost event is logged
func (l *Limiter) emit(ctx context.Context, event *audit.SecurityEvent) {
	if err := l.events.Emit(ctx, event); err != nil {
		l.logger.WithContext(ctx).WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to record security event")
	}
}

func (l *Limiter) count(tier Tier, result string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(string(tier), result).Inc()
	}
}

func (l *Limiter) observeLatency(op string, start time.Time) {
	if l.metrics != nil {
		l.metrics.RateLimitStoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func remaining(limit, count int64) int64 {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}
