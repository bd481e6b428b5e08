package audit

import (
	"time"
)

// EventType is the category of a security event
type EventType string

const (
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventPotentialAbuse     EventType = "potential_abuse"
	EventIPBlocked          EventType = "ip_blocked"
	EventUnauthorizedAccess EventType = "unauthorized_access_attempt"
	EventEntitlementDenied  EventType = "entitlement_denied"
	EventPlanFallback       EventType = "plan_fallback"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventRateLimitExceeded, EventPotentialAbuse, EventIPBlocked,
		EventUnauthorizedAccess, EventEntitlementDenied, EventPlanFallback:
		return true
	}
	return false
}

// Severity of a security event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// SecurityEvent is an immutable record of a security-relevant occurrence.
// TenantID is empty for events with no authenticated tenant.
type SecurityEvent struct {
	ID          int64          `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	EventType   EventType      `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AdminActionType names an operator action
type AdminActionType string

const (
	ActionUpdateSubscription AdminActionType = "update_subscription"
	ActionSuspendUser        AdminActionType = "suspend_user"
	ActionUnsuspendUser      AdminActionType = "unsuspend_user"
	ActionBlockIP            AdminActionType = "block_ip"
)

// AdminAction is an operator change recorded for compliance
type AdminAction struct {
	ID             int64           `json:"id"`
	AdminID        string          `json:"admin_id"`
	Action         AdminActionType `json:"action"`
	TargetTenantID string          `json:"target_tenant_id,omitempty"`
	Details        map[string]any  `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Filter narrows a security event listing. Zero values match everything.
type Filter struct {
	Severity  Severity
	EventType EventType
	TenantID  string
	IPAddress string
	Since     *time.Time
	Limit     int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}
