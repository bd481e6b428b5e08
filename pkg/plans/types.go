package plans

import (
	"errors"
	"fmt"
	"sort"
)

// PlanType identifies a subscription plan
type PlanType string

const (
	PlanFree     PlanType = "free"
	PlanPro      PlanType = "pro"
	PlanBusiness PlanType = "business"
)

// Unlimited is the only sentinel for an uncapped numeric entitlement.
const Unlimited int64 = -1

// ErrUnknownPlan is returned when a plan type has no catalog entry
var ErrUnknownPlan = errors.New("unknown plan")

// ErrUnknownFeature is returned for a feature key the catalog does not define
var ErrUnknownFeature = errors.New("unknown feature")

// LimitKey names a numeric entitlement
type LimitKey string

const (
	LimitInvoices    LimitKey = "max_invoices"
	LimitTeamMembers LimitKey = "max_team_members"
	LimitAPICalls    LimitKey = "max_api_calls"
)

// Feature names a boolean entitlement
type Feature string

const (
	FeatureAnalytics            Feature = "has_analytics"
	FeatureAPIAccess            Feature = "has_api_access"
	FeatureAdvancedReporting    Feature = "has_advanced_reporting"
	FeatureCustomTemplates      Feature = "has_custom_templates"
	FeatureAutomatedReminders   Feature = "has_automated_reminders"
	FeatureAdvancedTransparency Feature = "has_advanced_transparency"
	FeaturePrioritySupport      Feature = "has_priority_support"
	FeatureCustomBranding       Feature = "has_custom_branding"
)

var (
	allLimits = []LimitKey{LimitInvoices, LimitTeamMembers, LimitAPICalls}

	allFeatures = []Feature{
		FeatureAnalytics,
		FeatureAPIAccess,
		FeatureAdvancedReporting,
		FeatureCustomTemplates,
		FeatureAutomatedReminders,
		FeatureAdvancedTransparency,
		FeaturePrioritySupport,
		FeatureCustomBranding,
	}
)

// Limits returns every known limit key
func Limits() []LimitKey {
	return append([]LimitKey(nil), allLimits...)
}

// Features returns every known feature key
func Features() []Feature {
	return append([]Feature(nil), allFeatures...)
}

// ParseLimitKey validates a limit key name
func ParseLimitKey(s string) (LimitKey, error) {
	for _, k := range allLimits {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown limit key %q", s)
}

// ParseFeature validates a feature key name
func ParseFeature(s string) (Feature, error) {
	for _, f := range allFeatures {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownFeature, s)
}

// Entitlements is the resolved set of limits and flags granted by a plan
type Entitlements struct {
	Plan     PlanType           `json:"plan"`
	Limits   map[LimitKey]int64 `json:"limits"`
	Features map[Feature]bool   `json:"features"`
}

// Limit returns the numeric entitlement for k. Missing keys read as 0.
func (e Entitlements) Limit(k LimitKey) int64 {
	return e.Limits[k]
}

// IsUnlimited reports whether k carries the unlimited sentinel
func (e Entitlements) IsUnlimited(k LimitKey) bool {
	return e.Limits[k] == Unlimited
}

// Has reports whether the plan grants f
func (e Entitlements) Has(f Feature) bool {
	return e.Features[f]
}

// EnabledFeatures returns the granted features in sorted order
func (e Entitlements) EnabledFeatures() []Feature {
	var out []Feature
	for f, on := range e.Features {
		if on {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy so callers cannot mutate catalog state
func (e Entitlements) Clone() Entitlements {
	out := Entitlements{
		Plan:     e.Plan,
		Limits:   make(map[LimitKey]int64, len(e.Limits)),
		Features: make(map[Feature]bool, len(allFeatures)),
	}
	for k, v := range e.Limits {
		out.Limits[k] = v
	}
	for _, f := range allFeatures {
		out.Features[f] = e.Features[f]
	}
	return out
}

// Validate checks that every limit is declared and is >= 0 or Unlimited,
// and that no unknown keys are present.
func (e Entitlements) Validate() error {
	if e.Plan == "" {
		return errors.New("plan type is required")
	}
	for k, v := range e.Limits {
		if _, err := ParseLimitKey(string(k)); err != nil {
			return fmt.Errorf("plan %s: %w", e.Plan, err)
		}
		if v < Unlimited {
			return fmt.Errorf("plan %s: %s must be >= 0 or %d (unlimited), got %d", e.Plan, k, Unlimited, v)
		}
	}
	for _, k := range allLimits {
		if _, ok := e.Limits[k]; !ok {
			return fmt.Errorf("plan %s: missing limit %s", e.Plan, k)
		}
	}
	for f := range e.Features {
		if _, err := ParseFeature(string(f)); err != nil {
			return fmt.Errorf("plan %s: %w", e.Plan, err)
		}
	}
	return nil
}
