package plans

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	ctx := context.Background()
	c := DefaultCatalog()

	free, err := c.GetEntitlements(ctx, PlanFree)
	require.NoError(t, err)
	assert.Equal(t, int64(50), free.Limit(LimitInvoices))
	assert.False(t, free.IsUnlimited(LimitInvoices))
	assert.Empty(t, free.EnabledFeatures())

	pro, err := c.GetEntitlements(ctx, PlanPro)
	require.NoError(t, err)
	assert.True(t, pro.IsUnlimited(LimitInvoices))
	assert.True(t, pro.Has(FeatureAPIAccess))
	assert.False(t, pro.Has(FeatureAdvancedReporting))

	business, err := c.GetEntitlements(ctx, PlanBusiness)
	require.NoError(t, err)
	assert.Equal(t, int64(10), business.Limit(LimitTeamMembers))
	assert.True(t, business.Has(FeatureAdvancedReporting))
	assert.True(t, business.Has(FeatureCustomBranding))
}

func TestStaticCatalog_UnknownPlan(t *testing.T) {
	_, err := DefaultCatalog().GetEntitlements(context.Background(), PlanType("enterprise"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPlan))
	assert.Contains(t, err.Error(), "enterprise")
}

func TestStaticCatalog_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := DefaultCatalog()

	e, err := c.GetEntitlements(ctx, PlanFree)
	require.NoError(t, err)
	e.Limits[LimitInvoices] = 1_000_000
	e.Features[FeatureAnalytics] = true

	again, err := c.GetEntitlements(ctx, PlanFree)
	require.NoError(t, err)
	assert.Equal(t, int64(50), again.Limit(LimitInvoices))
	assert.False(t, again.Has(FeatureAnalytics))
}

func TestNewStaticCatalog_Validation(t *testing.T) {
	valid := func(p PlanType) Entitlements {
		return Entitlements{
			Plan:     p,
			Limits:   map[LimitKey]int64{LimitInvoices: 10, LimitTeamMembers: 1, LimitAPICalls: Unlimited},
			Features: map[Feature]bool{},
		}
	}

	tests := []struct {
		name    string
		plans   func() []Entitlements
		wantErr string
	}{
		{
			name:    "missing free plan",
			plans:   func() []Entitlements { return []Entitlements{valid(PlanPro)} },
			wantErr: "must define the free plan",
		},
		{
			name:    "duplicate plan",
			plans:   func() []Entitlements { return []Entitlements{valid(PlanFree), valid(PlanFree)} },
			wantErr: "duplicate plan",
		},
		{
			name: "negative limit other than unlimited",
			plans: func() []Entitlements {
				p := valid(PlanFree)
				p.Limits[LimitInvoices] = -2
				return []Entitlements{p}
			},
			wantErr: "must be >= 0",
		},
		{
			name: "missing limit",
			plans: func() []Entitlements {
				p := valid(PlanFree)
				delete(p.Limits, LimitTeamMembers)
				return []Entitlements{p}
			},
			wantErr: "missing limit max_team_members",
		},
		{
			name: "unknown feature",
			plans: func() []Entitlements {
				p := valid(PlanFree)
				p.Features[Feature("has_time_travel")] = true
				return []Entitlements{p}
			},
			wantErr: "unknown feature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticCatalog(tt.plans())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSwappableCatalog(t *testing.T) {
	ctx := context.Background()
	s := NewSwappableCatalog(DefaultCatalog())

	_, err := s.GetEntitlements(ctx, PlanType("starter"))
	assert.ErrorIs(t, err, ErrUnknownPlan)

	next, err := Parse([]byte(`
plans:
  - type: free
    limits: {max_invoices: 5, max_team_members: 1, max_api_calls: 0}
  - type: starter
    limits: {max_invoices: 200, max_team_members: 2, max_api_calls: 1000}
    features: {has_analytics: true}
`))
	require.NoError(t, err)
	s.Swap(next)

	starter, err := s.GetEntitlements(ctx, PlanType("starter"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), starter.Limit(LimitInvoices))

	all, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, PlanFree, all[0].Plan)
}

func TestParseKeys(t *testing.T) {
	f, err := ParseFeature("has_api_access")
	require.NoError(t, err)
	assert.Equal(t, FeatureAPIAccess, f)

	_, err = ParseFeature("api_access")
	assert.Error(t, err)

	k, err := ParseLimitKey("max_invoices")
	require.NoError(t, err)
	assert.Equal(t, LimitInvoices, k)

	assert.Len(t, Features(), 8)
	assert.Len(t, Limits(), 3)
}
