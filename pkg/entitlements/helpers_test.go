package entitlements

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

var errStoreDown = errors.New("store unavailable")

type fakeSubscriptions struct {
	plans map[string]plans.PlanType
	err   error
}

func (f *fakeSubscriptions) GetActive(_ context.Context, tenantID string) (*subscriptions.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.plans[tenantID]
	if !ok {
		return nil, subscriptions.ErrNotFound
	}
	return &subscriptions.Subscription{TenantID: tenantID, PlanType: p, Status: subscriptions.StatusActive}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*audit.SecurityEvent
}

func (s *recordingSink) Emit(_ context.Context, event *audit.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(t audit.EventType) []*audit.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.SecurityEvent
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// failingLedger fails every call and counts them
type failingLedger struct {
	calls int
}

func (l *failingLedger) GetUsage(context.Context, string, usage.Month) (*usage.Record, error) {
	l.calls++
	return nil, errStoreDown
}

func (l *failingLedger) IncrementUsage(context.Context, string, usage.Month, usage.Field, int64) (int64, error) {
	l.calls++
	return 0, errStoreDown
}

func (l *failingLedger) IncrementIfBelow(context.Context, string, usage.Month, usage.Field, int64, int64) (int64, bool, error) {
	l.calls++
	return 0, false, errStoreDown
}

func (l *failingLedger) Release(context.Context, string, usage.Month, usage.Field, int64) (int64, error) {
	l.calls++
	return 0, errStoreDown
}

// deadlineLedger refuses writes on a done context, like a network store
type deadlineLedger struct {
	usage.Ledger
}

func (l deadlineLedger) IncrementUsage(ctx context.Context, tenantID string, month usage.Month, field usage.Field, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.Ledger.IncrementUsage(ctx, tenantID, month, field, delta)
}

func (l deadlineLedger) Release(ctx context.Context, tenantID string, month usage.Month, field usage.Field, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.Ledger.Release(ctx, tenantID, month, field, delta)
}

type fixedHeadcount int64

func (h fixedHeadcount) CountMembers(context.Context, string) (int64, error) {
	return int64(h), nil
}

type fixture struct {
	gate   *Gate
	ledger *usage.RedisLedger
	clock  *clockwork.FakeClock
	events *recordingSink
	subs   *fakeSubscriptions
}

var january = time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		ledger: usage.NewRedisLedger(client),
		clock:  clockwork.NewFakeClockAt(january),
		events: &recordingSink{},
		subs: &fakeSubscriptions{plans: map[string]plans.PlanType{
			"free-tenant":     plans.PlanFree,
			"pro-tenant":      plans.PlanPro,
			"business-tenant": plans.PlanBusiness,
		}},
	}
	base := []Option{WithClock(f.clock), WithEventSink(f.events)}
	f.gate = NewGate(f.subs, plans.DefaultCatalog(), f.ledger, append(base, opts...)...)
	return f
}

func (f *fixture) seed(t *testing.T, tenantID string, field usage.Field, n int64) {
	t.Helper()
	if n == 0 {
		return
	}
	if _, err := f.ledger.IncrementUsage(context.Background(), tenantID, usage.MonthOf(f.clock.Now()), field, n); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
}
