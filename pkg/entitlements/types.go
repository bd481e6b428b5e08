package entitlements

import (
	"errors"
	"fmt"

	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

// Action is a metered operation
type Action string

const (
	ActionCreateInvoice Action = "create_invoice"
	ActionAddTeamMember Action = "add_team_member"
	ActionAPICall       Action = "api_call"

	// ActionUseFeature labels feature checks; it has no counter
	ActionUseFeature Action = "use_feature"
)

// Reason is the machine-readable cause of a denial
type Reason string

const (
	ReasonInvoiceLimitExceeded    Reason = "INVOICE_LIMIT_EXCEEDED"
	ReasonTeamMemberLimitExceeded Reason = "TEAM_MEMBER_LIMIT_EXCEEDED"
	ReasonAPICallLimitExceeded    Reason = "API_CALL_LIMIT_EXCEEDED"
	ReasonFeatureNotAvailable     Reason = "FEATURE_NOT_AVAILABLE"
)

// Mode selects how limits are enforced
type Mode string

const (
	ModeSoft Mode = "soft"
	ModeHard Mode = "hard"
)

// rule maps an action to the counter and limit that meter it
type rule struct {
	field   usage.Field
	limit   plans.LimitKey
	reason  Reason
	feature plans.Feature
}

var rules = map[Action]rule{
	ActionCreateInvoice: {field: usage.FieldInvoicesCreated, limit: plans.LimitInvoices, reason: ReasonInvoiceLimitExceeded},
	ActionAddTeamMember: {field: usage.FieldTeamMembers, limit: plans.LimitTeamMembers, reason: ReasonTeamMemberLimitExceeded},
	ActionAPICall: {
		field:   usage.FieldAPICalls,
		limit:   plans.LimitAPICalls,
		reason:  ReasonAPICallLimitExceeded,
		feature: plans.FeatureAPIAccess,
	},
}

// ErrUnknownAction is returned for an action with no metering rule
var ErrUnknownAction = errors.New("unknown action")

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := rules[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// EffectivePlan is the plan whose entitlements apply to a tenant right now
type EffectivePlan struct {
	PlanType     plans.PlanType     `json:"planType"`
	Entitlements plans.Entitlements `json:"entitlements"`
	// SubscribedPlan is the plan on the active subscription, empty when there is none.
	SubscribedPlan plans.PlanType `json:"subscribedPlan,omitempty"`
	// Fallback is set when SubscribedPlan was not found in the catalog.
	Fallback bool `json:"fallback,omitempty"`
}

// Decision is the outcome of an entitlement check. Limit and Current are
// filled for numeric denials so callers can render an upgrade prompt.
type Decision struct {
	Allowed  bool           `json:"allowed"`
	Action   Action         `json:"action"`
	Reason   Reason         `json:"reason,omitempty"`
	Limit    int64          `json:"limit"`
	Current  int64          `json:"current"`
	PlanType plans.PlanType `json:"planType"`
	Feature  plans.Feature  `json:"feature,omitempty"`
}

// Err returns a *DenialError for a denied decision and nil otherwise
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &DenialError{Decision: d}
}

// DenialError carries a denied decision through error returns
type DenialError struct {
	Decision *Decision
}

func (e *DenialError) Error() string {
	d := e.Decision
	if d.Reason == ReasonFeatureNotAvailable {
		return fmt.Sprintf("%s: plan %s does not include %s", d.Reason, d.PlanType, d.Feature)
	}
	return fmt.Sprintf("%s: %d of %d used on plan %s", d.Reason, d.Current, d.Limit, d.PlanType)
}

// IsDenied reports whether err is an entitlement denial
func IsDenied(err error) (*DenialError, bool) {
	var denial *DenialError
	if errors.As(err, &denial) {
		return denial, true
	}
	return nil, false
}
