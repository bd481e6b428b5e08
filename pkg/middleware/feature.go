package middleware

import (
	"net/http"

	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
)

// RequireFeature rejects tenants whose plan lacks feature with 403
// FEATURE_NOT_AVAILABLE. Gate failures are 500; entitlements never fail open.
//
// REQUIRES: Authenticator must run before this middleware
func RequireFeature(gate *entitlements.Gate, feature plans.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := contextkeys.GetTenantID(r.Context())
			if tenantID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			d, err := gate.CheckFeature(r.Context(), tenantID, feature)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).
					WithField("feature", string(feature)).
					Error("feature check failed")
				httputil.WriteInternalError(w)
				return
			}
			if !d.Allowed {
				WriteEntitlementDenial(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteEntitlementDenial writes a 403 carrying the decision's context
func WriteEntitlementDenial(w http.ResponseWriter, d *entitlements.Decision) {
	details := map[string]interface{}{"planType": d.PlanType}
	var message string
	if d.Reason == entitlements.ReasonFeatureNotAvailable {
		details["feature"] = d.Feature
		message = "your plan does not include " + string(d.Feature)
	} else {
		details["limit"] = d.Limit
		details["current"] = d.Current
		message = "plan limit reached for " + string(d.Action)
	}
	httputil.WriteErrorCode(w, http.StatusForbidden, string(d.Reason), message, details)
}
