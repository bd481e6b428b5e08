package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

// Headcounter reports a tenant's team size from the team member table. When
// configured, it replaces the monthly team_members counter for
// add_team_member checks, since headcount does not reset with the month.
type Headcounter interface {
	CountMembers(ctx context.Context, tenantID string) (int64, error)
}

// Gate evaluates entitlement decisions
type Gate struct {
	subs      subscriptions.Reader
	catalog   plans.Catalog
	ledger    usage.Ledger
	headcount Headcounter
	events    audit.Sink
	mode      Mode
	settle    time.Duration
	clock     clockwork.Clock
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// Option configures a Gate
type Option func(*Gate)

// WithMode selects soft or hard enforcement
func WithMode(mode Mode) Option {
	return func(g *Gate) { g.mode = mode }
}

// WithSettleTimeout bounds the ledger call made by Reservation.Commit and
// Reservation.Release
func WithSettleTimeout(d time.Duration) Option {
	return func(g *Gate) { g.settle = d }
}

// WithClock sets the clock that decides the current usage month
func WithClock(clock clockwork.Clock) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithMetrics enables Prometheus counters
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gate) { g.metrics = metrics }
}

// WithEventSink records denials and plan fallbacks as security events
func WithEventSink(sink audit.Sink) Option {
	return func(g *Gate) { g.events = sink }
}

// WithHeadcounter reads team size from hc for add_team_member
func WithHeadcounter(hc Headcounter) Option {
	return func(g *Gate) { g.headcount = hc }
}

// NewGate creates a gate in soft mode
func NewGate(subs subscriptions.Reader, catalog plans.Catalog, ledger usage.Ledger, opts ...Option) *Gate {
	g := &Gate{
		subs:    subs,
		catalog: catalog,
		ledger:  ledger,
		events:  audit.NoopSink{},
		mode:    ModeSoft,
		settle:  DefaultSettleTimeout,
		clock:   clockwork.NewRealClock(),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode returns the enforcement mode
func (g *Gate) Mode() Mode {
	return g.mode
}

func (g *Gate) month() usage.Month {
	return usage.MonthOf(g.clock.Now())
}

// ResolveEffectivePlan returns the plan that applies to tenantID. A tenant
// without an active subscription gets free; an unknown plan type also gets
// free, with a warning and a plan_fallback event.
func (g *Gate) ResolveEffectivePlan(ctx context.Context, tenantID string) (*EffectivePlan, error) {
	if tenantID == "" {
		return nil, errors.New("tenant ID is required")
	}

	ep := &EffectivePlan{PlanType: plans.PlanFree}
	sub, err := g.subs.GetActive(ctx, tenantID)
	switch {
	case errors.Is(err, subscriptions.ErrNotFound):
		g.countFallback("no_active_subscription")
	case err != nil:
		return nil, fmt.Errorf("failed to resolve subscription: %w", err)
	default:
		ep.PlanType = sub.PlanType
		ep.SubscribedPlan = sub.PlanType
	}

	ents, err := g.catalog.GetEntitlements(ctx, ep.PlanType)
	if errors.Is(err, plans.ErrUnknownPlan) && ep.PlanType != plans.PlanFree {
		g.unknownPlan(ctx, tenantID, ep.PlanType)
		ep.PlanType = plans.PlanFree
		ep.Fallback = true
		ents, err = g.catalog.GetEntitlements(ctx, plans.PlanFree)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entitlements for plan %s: %w", ep.PlanType, err)
	}
	ep.Entitlements = ents
	return ep, nil
}

func (g *Gate) unknownPlan(ctx context.Context, tenantID string, planType plans.PlanType) {
	g.countFallback("unknown_plan")
	g.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"plan_type": string(planType),
	}).Warn("unknown plan type, using free plan entitlements")

	g.emit(ctx, &audit.SecurityEvent{
		TenantID:    tenantID,
		EventType:   audit.EventPlanFallback,
		Severity:    audit.SeverityInfo,
		Description: fmt.Sprintf("plan %q not in catalog, using free", planType),
		Metadata:    map[string]any{"subscribed_plan": string(planType)},
	})
}

// CanPerform checks action against the tenant's plan and current-month
// usage. It never mutates usage.
func (g *Gate) CanPerform(ctx context.Context, tenantID string, action Action) (*Decision, error) {
	r, ok := rules[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	ep, err := g.ResolveEffectivePlan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return g.check(ctx, tenantID, action, r, ep, g.month())
}

func (g *Gate) check(ctx context.Context, tenantID string, action Action, r rule, ep *EffectivePlan, month usage.Month) (*Decision, error) {
	d := &Decision{
		Action:   action,
		PlanType: ep.PlanType,
		Limit:    ep.Entitlements.Limit(r.limit),
	}
	if r.feature != "" && !ep.Entitlements.Has(r.feature) {
		d.Reason = ReasonFeatureNotAvailable
		d.Feature = r.feature
		g.observe(ctx, tenantID, d)
		return d, nil
	}

	current, err := g.current(ctx, tenantID, month, action, r)
	if err != nil {
		return nil, err
	}
	d.Current = current
	d.Allowed = d.Limit == plans.Unlimited || current < d.Limit
	if !d.Allowed {
		d.Reason = r.reason
	}
	g.observe(ctx, tenantID, d)
	return d, nil
}

func (g *Gate) current(ctx context.Context, tenantID string, month usage.Month, action Action, r rule) (int64, error) {
	if action == ActionAddTeamMember && g.headcount != nil {
		n, err := g.headcount.CountMembers(ctx, tenantID)
		if err != nil {
			return 0, fmt.Errorf("failed to count team members: %w", err)
		}
		return n, nil
	}

	rec, err := g.ledger.GetUsage(ctx, tenantID, month)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return rec.Get(r.field), nil
}

// HasFeature reports whether the tenant's effective plan grants feature.
// Usage is never read.
func (g *Gate) HasFeature(ctx context.Context, tenantID string, feature plans.Feature) (bool, error) {
	if _, err := plans.ParseFeature(string(feature)); err != nil {
		return false, err
	}
	ep, err := g.ResolveEffectivePlan(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return ep.Entitlements.Has(feature), nil
}

// CheckFeature is HasFeature returning a Decision. A missing feature is
// observed like any other denial.
func (g *Gate) CheckFeature(ctx context.Context, tenantID string, feature plans.Feature) (*Decision, error) {
	if _, err := plans.ParseFeature(string(feature)); err != nil {
		return nil, err
	}
	ep, err := g.ResolveEffectivePlan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	d := &Decision{Action: ActionUseFeature, PlanType: ep.PlanType, Feature: feature}
	d.Allowed = ep.Entitlements.Has(feature)
	if !d.Allowed {
		d.Reason = ReasonFeatureNotAvailable
	}
	g.observe(ctx, tenantID, d)
	return d, nil
}

// Record adds delta to the action's counter for the current month. Callers
// in soft mode invoke it after the guarded write succeeds.
func (g *Gate) Record(ctx context.Context, tenantID string, action Action, delta int64) (int64, error) {
	r, ok := rules[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	v, err := g.ledger.IncrementUsage(ctx, tenantID, g.month(), r.field, delta)
	if err != nil {
		return 0, err
	}
	g.countIncrement(r.field)
	return v, nil
}

// Usage returns the tenant's current-month usage. Team members come from
// the headcounter when one is configured.
func (g *Gate) Usage(ctx context.Context, tenantID string) (*usage.Record, error) {
	rec, err := g.ledger.GetUsage(ctx, tenantID, g.month())
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	if g.headcount != nil {
		n, err := g.headcount.CountMembers(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to count team members: %w", err)
		}
		rec.TeamMembers = n
	}
	return rec, nil
}

func (g *Gate) observe(ctx context.Context, tenantID string, d *Decision) {
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	if g.metrics != nil {
		g.metrics.EntitlementDecisions.WithLabelValues(string(d.Action), string(d.PlanType), result).Inc()
	}
	if d.Allowed {
		return
	}

	g.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"action":    string(d.Action),
		"reason":    string(d.Reason),
		"limit":     d.Limit,
		"current":   d.Current,
		"plan_type": string(d.PlanType),
	}).Info("entitlement denied")

	metadata := map[string]any{
		"action":    string(d.Action),
		"reason":    string(d.Reason),
		"plan_type": string(d.PlanType),
	}
	if d.Reason == ReasonFeatureNotAvailable {
		metadata["feature"] = string(d.Feature)
	} else {
		metadata["limit"] = d.Limit
		metadata["current"] = d.Current
	}
	g.emit(ctx, &audit.SecurityEvent{
		TenantID:    tenantID,
		IPAddress:   clientIP(ctx),
		EventType:   audit.EventEntitlementDenied,
		Severity:    audit.SeverityInfo,
		Description: string(d.Reason),
		Metadata:    metadata,
	})
}

// emit never fails the caller; a lost event is logged
func (g *Gate) emit(ctx context.Context, event *audit.SecurityEvent) {
	if err := g.events.Emit(ctx, event); err != nil {
		g.logger.WithContext(ctx).WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to record security event")
	}
}

func (g *Gate) countFallback(reason string) {
	if g.metrics != nil {
		g.metrics.PlanFallbacks.WithLabelValues(reason).Inc()
	}
}

func (g *Gate) countIncrement(field usage.Field) {
	if g.metrics != nil {
		g.metrics.UsageIncrements.WithLabelValues(string(field)).Inc()
	}
}
