package plans

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

// Catalog resolves plan types to entitlements
type Catalog interface {
	// GetEntitlements returns ErrUnknownPlan (wrapped) when planType has no entry.
	GetEntitlements(ctx context.Context, planType PlanType) (Entitlements, error)
}

// Lister is implemented by catalogs that can enumerate their plans
type Lister interface {
	ListPlans(ctx context.Context) ([]Entitlements, error)
}

// StaticCatalog is an immutable, validated in-memory catalog
type StaticCatalog struct {
	plans map[PlanType]Entitlements
}

// NewStaticCatalog validates plans and builds a catalog. The free plan is
// mandatory because every fallback resolves to it.
func NewStaticCatalog(plans []Entitlements) (*StaticCatalog, error) {
	byType := make(map[PlanType]Entitlements, len(plans))
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byType[p.Plan]; dup {
			return nil, fmt.Errorf("duplicate plan %s", p.Plan)
		}
		byType[p.Plan] = p.Clone()
	}
	if _, ok := byType[PlanFree]; !ok {
		return nil, fmt.Errorf("catalog must define the %s plan", PlanFree)
	}
	return &StaticCatalog{plans: byType}, nil
}

// GetEntitlements returns a copy of the plan's entitlements
func (c *StaticCatalog) GetEntitlements(_ context.Context, planType PlanType) (Entitlements, error) {
	e, ok := c.plans[planType]
	if !ok {
		return Entitlements{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planType)
	}
	return e.Clone(), nil
}

// ListPlans returns every plan sorted by type
func (c *StaticCatalog) ListPlans(_ context.Context) ([]Entitlements, error) {
	out := make([]Entitlements, 0, len(c.plans))
	for _, e := range c.plans {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan < out[j].Plan })
	return out, nil
}

// DefaultPlans returns the built-in free, pro and business plans
func DefaultPlans() []Entitlements {
	pro := map[Feature]bool{
		FeatureAnalytics:            true,
		FeatureAPIAccess:            true,
		FeatureCustomTemplates:      true,
		FeatureAutomatedReminders:   true,
		FeatureAdvancedTransparency: true,
		FeaturePrioritySupport:      true,
		FeatureCustomBranding:       true,
	}
	business := map[Feature]bool{FeatureAdvancedReporting: true}
	for f, on := range pro {
		business[f] = on
	}

	return []Entitlements{
		{
			Plan: PlanFree,
			Limits: map[LimitKey]int64{
				LimitInvoices:    50,
				LimitTeamMembers: 1,
				LimitAPICalls:    Unlimited,
			},
			Features: map[Feature]bool{},
		},
		{
			Plan: PlanPro,
			Limits: map[LimitKey]int64{
				LimitInvoices:    Unlimited,
				LimitTeamMembers: 1,
				LimitAPICalls:    Unlimited,
			},
			Features: pro,
		},
		{
			Plan: PlanBusiness,
			Limits: map[LimitKey]int64{
				LimitInvoices:    Unlimited,
				LimitTeamMembers: 10,
				LimitAPICalls:    Unlimited,
			},
			Features: business,
		},
	}
}

// DefaultCatalog returns a catalog of DefaultPlans
func DefaultCatalog() *StaticCatalog {
	c, err := NewStaticCatalog(DefaultPlans())
	if err != nil {
		panic(fmt.Sprintf("plans: built-in catalog is invalid: %v", err))
	}
	return c
}

// SwappableCatalog delegates to a catalog that can be replaced atomically,
// so readers never observe a half-loaded catalog.
type SwappableCatalog struct {
	current atomic.Pointer[StaticCatalog]
}

// NewSwappableCatalog wraps initial
func NewSwappableCatalog(initial *StaticCatalog) *SwappableCatalog {
	s := &SwappableCatalog{}
	s.current.Store(initial)
	return s
}

// Swap installs next as the live catalog
func (s *SwappableCatalog) Swap(next *StaticCatalog) {
	s.current.Store(next)
}

// GetEntitlements delegates to the live catalog
func (s *SwappableCatalog) GetEntitlements(ctx context.Context, planType PlanType) (Entitlements, error) {
	return s.current.Load().GetEntitlements(ctx, planType)
}

// ListPlans delegates to the live catalog
func (s *SwappableCatalog) ListPlans(ctx context.Context) ([]Entitlements, error) {
	return s.current.Load().ListPlans(ctx)
}
