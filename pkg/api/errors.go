package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/honestinvoice/gatekeeper/pkg/apikeys"
	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/httputil"
	"github.com/honestinvoice/gatekeeper/pkg/invoices"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/team"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

var badRequestErrors = []error{
	invoices.ErrInvalidDiscount,
	entitlements.ErrUnknownAction,
	plans.ErrUnknownPlan,
	plans.ErrUnknownFeature,
	usage.ErrInvalidField,
	usage.ErrNegativeDelta,
	ratelimit.ErrInvalidRequest,
	audit.ErrInvalidIP,
}

var notFoundErrors = []error{
	apikeys.ErrNotFound,
	invoices.ErrNotFound,
	team.ErrNotFound,
	subscriptions.ErrNotFound,
}

var conflictErrors = []error{
	invoices.ErrDuplicateNumber,
	team.ErrDuplicateMember,
}

// writeError maps a service error to its HTTP response
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if denial, ok := entitlements.IsDenied(err); ok {
		middleware.WriteEntitlementDenial(w, denial.Decision)
		return
	}
	if _, ok := ratelimit.IsLimiterError(err); ok {
		middleware.WriteLimiterError(w, r, err)
		return
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		httputil.WriteErrorCode(w, http.StatusBadRequest, httputil.CodeValidation, "validation failed",
			map[string]interface{}{"fields": fieldErrors(verrs)})
		return
	}

	switch {
	case isAny(err, badRequestErrors):
		httputil.WriteBadRequest(w, err.Error())
	case isAny(err, notFoundErrors):
		httputil.WriteNotFound(w, err.Error())
	case isAny(err, conflictErrors):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).
			WithFields(map[string]interface{}{"method": r.Method, "path": r.URL.Path}).
			Error("request failed")
		httputil.WriteInternalError(w)
	}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func fieldErrors(verrs validator.ValidationErrors) []fieldError {
	out := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		// drop the top-level struct name
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out = append(out, fieldError{Field: field, Rule: fe.Tag()})
	}
	return out
}
