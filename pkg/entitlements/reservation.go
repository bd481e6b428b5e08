package entitlements

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

// DefaultSettleTimeout bounds Commit and Release
const DefaultSettleTimeout = 5 * time.Second

// Reservation is a usage slot granted by Reserve. It is pinned to the month
// it was taken in, so a Release that lands after a month boundary undoes the
// right counter. Commit and Release are idempotent and mutually exclusive.
type Reservation struct {
	gate     *Gate
	tenantID string
	action   Action
	field    usage.Field
	month    usage.Month
	// held is set when the counter was already incremented (hard mode)
	held bool

	mu   sync.Mutex
	done bool
}

// Month returns the usage month the reservation counts against
func (r *Reservation) Month() usage.Month {
	return r.month
}

// Reserve checks action and, in hard mode, takes the usage slot atomically.
// A nil reservation is returned whenever the decision is a denial.
func (g *Gate) Reserve(ctx context.Context, tenantID string, action Action) (*Reservation, *Decision, error) {
	r, ok := rules[action]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	ep, err := g.ResolveEffectivePlan(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	month := g.month()
	res := &Reservation{gate: g, tenantID: tenantID, action: action, field: r.field, month: month}

	// Team headcount is enforced by the team store itself.
	if g.mode != ModeHard || (action == ActionAddTeamMember && g.headcount != nil) {
		d, err := g.check(ctx, tenantID, action, r, ep, month)
		if err != nil || !d.Allowed {
			return nil, d, err
		}
		return res, d, nil
	}

	d := &Decision{Action: action, PlanType: ep.PlanType, Limit: ep.Entitlements.Limit(r.limit)}
	if r.feature != "" && !ep.Entitlements.Has(r.feature) {
		d.Reason = ReasonFeatureNotAvailable
		d.Feature = r.feature
		g.observe(ctx, tenantID, d)
		return nil, d, nil
	}

	value, granted, err := g.ledger.IncrementIfBelow(ctx, tenantID, month, r.field, 1, d.Limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reserve %s: %w", action, err)
	}
	d.Allowed = granted
	if granted {
		d.Current = value - 1
		g.countIncrement(r.field)
	} else {
		d.Current = value
		d.Reason = r.reason
	}
	g.observe(ctx, tenantID, d)
	if !granted {
		return nil, d, nil
	}
	res.held = true
	return res, d, nil
}

// settleContext keeps ctx's values but drops its cancellation, so a request
// that timed out in the guarded write still settles the counter
func (r *Reservation) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.gate.settle)
}

// Commit finalizes the reservation after the guarded write succeeded. In
// soft mode this is where usage is recorded. It runs even when ctx is done.
func (r *Reservation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	if r.held {
		return nil
	}

	ctx, cancel := r.settleContext(ctx)
	defer cancel()
	if _, err := r.gate.ledger.IncrementUsage(ctx, r.tenantID, r.month, r.field, 1); err != nil {
		return fmt.Errorf("failed to record %s: %w", r.action, err)
	}
	r.gate.countIncrement(r.field)
	return nil
}

// Release gives the slot back after the guarded write failed. It runs even
// when ctx is done.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	if !r.held {
		return nil
	}

	ctx, cancel := r.settleContext(ctx)
	defer cancel()
	if _, err := r.gate.ledger.Release(ctx, r.tenantID, r.month, r.field, 1); err != nil {
		return fmt.Errorf("failed to release %s reservation: %w", r.action, err)
	}
	if r.gate.metrics != nil {
		r.gate.metrics.ReservationReleases.WithLabelValues(string(r.action)).Inc()
	}
	return nil
}

func clientIP(ctx context.Context) string {
	return contextkeys.GetClientIP(ctx)
}
