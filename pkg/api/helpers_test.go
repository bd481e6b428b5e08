package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/honestinvoice/gatekeeper/pkg/apikeys"
	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/invoices"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/team"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// memorySubscriptions is an in-memory subscriptions.Manager
type memorySubscriptions struct {
	mu     sync.Mutex
	nextID int64
	subs   map[string][]*subscriptions.Subscription
}

func newMemorySubscriptions(active map[string]plans.PlanType) *memorySubscriptions {
	m := &memorySubscriptions{subs: make(map[string][]*subscriptions.Subscription)}
	for tenant, plan := range active {
		m.add(tenant, plan, subscriptions.StatusActive, "")
	}
	return m
}

func (m *memorySubscriptions) add(tenant string, plan plans.PlanType, status subscriptions.Status, ref string) *subscriptions.Subscription {
	m.nextID++
	sub := &subscriptions.Subscription{ID: m.nextID, TenantID: tenant, PlanType: plan, Status: status, ExternalRef: ref}
	m.subs[tenant] = append(m.subs[tenant], sub)
	return sub
}

func (m *memorySubscriptions) find(tenant string, status subscriptions.Status) *subscriptions.Subscription {
	for _, sub := range m.subs[tenant] {
		if sub.Status == status {
			return sub
		}
	}
	return nil
}

func (m *memorySubscriptions) GetActive(_ context.Context, tenant string) (*subscriptions.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.find(tenant, subscriptions.StatusActive)
	if sub == nil {
		return nil, subscriptions.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memorySubscriptions) SetPlan(_ context.Context, tenant string, plan plans.PlanType, ref string) (*subscriptions.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs[tenant] {
		if sub.Status == subscriptions.StatusActive {
			sub.Status = subscriptions.StatusCanceled
		}
	}
	return m.add(tenant, plan, subscriptions.StatusActive, ref), nil
}

func (m *memorySubscriptions) move(tenant string, from, to subscriptions.Status) (*subscriptions.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.find(tenant, from)
	if sub == nil {
		return nil, subscriptions.ErrNotFound
	}
	sub.Status = to
	cp := *sub
	return &cp, nil
}

func (m *memorySubscriptions) Suspend(_ context.Context, tenant string) (*subscriptions.Subscription, error) {
	return m.move(tenant, subscriptions.StatusActive, subscriptions.StatusSuspended)
}

func (m *memorySubscriptions) Unsuspend(_ context.Context, tenant string) (*subscriptions.Subscription, error) {
	return m.move(tenant, subscriptions.StatusSuspended, subscriptions.StatusActive)
}

func (m *memorySubscriptions) List(_ context.Context, tenant string) ([]*subscriptions.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*subscriptions.Subscription(nil), m.subs[tenant]...), nil
}

// memoryAudit is an in-memory audit.Store
type memoryAudit struct {
	clock    clockwork.Clock
	mu       sync.Mutex
	events   []*audit.SecurityEvent
	actions  []*audit.AdminAction
	lastFilt audit.Filter
}

func (s *memoryAudit) Emit(_ context.Context, event *audit.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	s.events = append(s.events, event)
	return nil
}

func (s *memoryAudit) LogAdminAction(_ context.Context, action *audit.AdminAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	action.ID = int64(len(s.actions) + 1)
	s.actions = append(s.actions, action)
	return nil
}

func (s *memoryAudit) LatestByIP(_ context.Context, ip string, eventType audit.EventType) (*audit.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if e := s.events[i]; e.IPAddress == ip && e.EventType == eventType {
			return e, nil
		}
	}
	return nil, nil
}

func (s *memoryAudit) List(_ context.Context, filter audit.Filter) ([]*audit.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilt = filter
	var out []*audit.SecurityEvent
	for _, e := range s.events {
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memoryAudit) ListAdminActions(_ context.Context, _ int) ([]*audit.AdminAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*audit.AdminAction(nil), s.actions...), nil
}

func (s *memoryAudit) ofType(t audit.EventType) []*audit.SecurityEvent {
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

// gatedInvoices reserves through the real gate and keeps invoices in memory
type gatedInvoices struct {
	gate     *entitlements.Gate
	mu       sync.Mutex
	invoices map[uuid.UUID]*invoices.Invoice
}

func (s *gatedInvoices) Create(ctx context.Context, tenant string, req *invoices.CreateRequest) (*invoices.Invoice, error) {
	if err := invoices.NewValidator().Struct(req); err != nil {
		return nil, err
	}
	res, d, err := s.gate.Reserve(ctx, tenant, entitlements.ActionCreateInvoice)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err()
	}
	inv := &invoices.Invoice{ID: uuid.New(), TenantID: tenant, CustomerID: req.CustomerID, Status: "draft"}
	s.mu.Lock()
	s.invoices[inv.ID] = inv
	s.mu.Unlock()
	return inv, res.Commit(ctx)
}

func (s *gatedInvoices) Get(_ context.Context, tenant string, id uuid.UUID) (*invoices.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.TenantID != tenant {
		return nil, invoices.ErrNotFound
	}
	return inv, nil
}

func (s *gatedInvoices) List(_ context.Context, tenant string, limit int) ([]*invoices.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*invoices.Invoice
	for _, inv := range s.invoices {
		if inv.TenantID == tenant && len(out) < limit {
			out = append(out, inv)
		}
	}
	return out, nil
}

// fakeTeam returns canned results
type fakeTeam struct {
	addErr    error
	removeErr error
	members   []*team.Member
}

func (f *fakeTeam) Add(_ context.Context, tenant string, req *team.AddRequest) (*team.Member, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return &team.Member{ID: uuid.New(), TenantID: tenant, Email: req.Email, Role: team.RoleMember}, nil
}

func (f *fakeTeam) Remove(context.Context, string, uuid.UUID) error { return f.removeErr }

func (f *fakeTeam) List(context.Context, string) ([]*team.Member, error) { return f.members, nil }

type fakeHistory struct {
	months int
}

func (f *fakeHistory) History(_ context.Context, tenant string, months int) ([]usage.Record, error) {
	f.months = months
	return []usage.Record{{TenantID: tenant, Month: "2024-03", InvoicesCreated: 4}}, nil
}

// memoryKeys is an in-memory APIKeyStore
type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]*apikeys.Key
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{keys: make(map[string]*apikeys.Key)}
}

func (m *memoryKeys) Create(_ context.Context, tenant, name string) (*apikeys.Key, string, error) {
	raw, _, prefix, err := apikeys.Generate()
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := &apikeys.Key{ID: uuid.New(), TenantID: tenant, Name: name, Prefix: prefix, Active: true}
	m.keys[raw] = key
	cp := *key
	return &cp, raw, nil
}

func (m *memoryKeys) List(_ context.Context, tenant string) ([]*apikeys.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*apikeys.Key
	for _, k := range m.keys {
		if k.TenantID == tenant {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryKeys) Revoke(_ context.Context, tenant string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.ID == id && k.TenantID == tenant && k.Active {
			k.Active = false
			return nil
		}
	}
	return apikeys.ErrNotFound
}

func (m *memoryKeys) Authenticate(_ context.Context, raw string) (*apikeys.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[raw]
	if !ok || !k.Active {
		return nil, apikeys.ErrInvalidKey
	}
	cp := *k
	return &cp, nil
}

type env struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	mr       *miniredis.Miniredis
	subs     *memorySubscriptions
	audit    *memoryAudit
	invoices *gatedInvoices
	team     *fakeTeam
	history  *fakeHistory
	keys     *memoryKeys
	gate     *entitlements.Gate
	server   *Server
}

type envOption func(*Config)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	e := &env{
		t:       t,
		clock:   clockwork.NewFakeClockAt(time.Date(2024, time.March, 10, 9, 15, 20, 0, time.UTC)),
		mr:      mr,
		subs:    newMemorySubscriptions(map[string]plans.PlanType{"acme": plans.PlanPro, "corner-shop": plans.PlanFree}),
		team:    &fakeTeam{},
		history: &fakeHistory{},
		keys:    newMemoryKeys(),
	}
	e.audit = &memoryAudit{clock: e.clock}
	catalog := plans.NewSwappableCatalog(plans.DefaultCatalog())
	e.gate = entitlements.NewGate(e.subs, catalog, usage.NewRedisLedger(client),
		entitlements.WithClock(e.clock), entitlements.WithEventSink(e.audit))
	e.invoices = &gatedInvoices{gate: e.gate, invoices: make(map[uuid.UUID]*invoices.Invoice)}

	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client),
		ratelimit.WithClock(e.clock),
		ratelimit.WithEventSink(e.audit),
		ratelimit.WithBlockLookup(e.audit))

	cfg := Config{
		Gate:             e.gate,
		Catalog:          catalog,
		Limiter:          limiter,
		Auth:             middleware.NewAuthenticator(testSecret, middleware.WithAuthEvents(e.audit), middleware.WithTimeFunc(e.clock.Now)),
		Subscriptions:    e.subs,
		Audit:            e.audit,
		Invoices:         e.invoices,
		Team:             e.team,
		History:          e.history,
		APIKeys:          e.keys,
		RateLimitEnabled: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e.server = NewServer(cfg)
	return e
}

func (e *env) token(tenant, role string) string {
	e.t.Helper()
	tok, err := middleware.SignToken(testSecret, middleware.TokenSpec{TenantID: tenant, Role: role, TTL: time.Hour}, e.clock.Now())
	require.NoError(e.t, err)
	return tok
}

// do sends a request as tenant with the given role; an empty tenant sends no token
func (e *env) do(method, path, tenant, role string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:51000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(tenant, role))
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

// doKey sends a request authenticated by API key
func (e *env) doKey(method, path, key string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.8:51000"
	if key != "" {
		req.Header.Set(middleware.APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, w.Body.String())
	return e
}

