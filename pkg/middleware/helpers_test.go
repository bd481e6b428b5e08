package middleware

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type staticSubscriptions map[string]plans.PlanType

func (s staticSubscriptions) GetActive(_ context.Context, tenantID string) (*subscriptions.Subscription, error) {
	plan, ok := s[tenantID]
	if !ok {
		return nil, subscriptions.ErrNotFound
	}
	return &subscriptions.Subscription{TenantID: tenantID, PlanType: plan, Status: subscriptions.StatusActive}, nil
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

type stack struct {
	clock   *clockwork.FakeClock
	gate    *entitlements.Gate
	limiter *ratelimit.Limiter
	events  *recordingSink
}

func newStack(t *testing.T, limiterOpts ...ratelimit.Option) *stack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := &stack{
		clock:  clockwork.NewFakeClockAt(time.Date(2024, time.March, 10, 9, 15, 20, 0, time.UTC)),
		events: &recordingSink{},
	}
	subs := staticSubscriptions{"acme": plans.PlanPro, "corner-shop": plans.PlanFree}
	s.gate = entitlements.NewGate(subs, plans.DefaultCatalog(), usage.NewRedisLedger(client),
		entitlements.WithClock(s.clock), entitlements.WithEventSink(s.events))

	opts := append([]ratelimit.Option{ratelimit.WithClock(s.clock), ratelimit.WithEventSink(s.events)}, limiterOpts...)
	s.limiter = ratelimit.NewLimiter(ratelimit.NewRedisStore(client), opts...)
	return s
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}
