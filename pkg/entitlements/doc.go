// Package entitlements decides whether a tenant may perform a metered action.
//
// # Overview
//
// The Gate combines three inputs: the tenant's effective plan (resolved from
// its active subscription, falling back to free), the plan's entitlements from
// the catalog, and the tenant's usage for the current calendar month.
//
// ResolveEffectivePlan is the only place the free fallback is applied. A
// tenant with no active subscription, including a suspended one, is treated
// exactly like a tenant on the free plan. A subscription naming a plan the
// catalog does not know also resolves to free, and the fallback is logged and
// recorded as a plan_fallback security event.
//
// # Enforcement modes
//
// In soft mode CanPerform is a read-only check and the caller records usage
// after the guarded write succeeds. A burst near the limit can overshoot.
//
// In hard mode Reserve takes the usage slot with an atomic conditional
// increment before the write; the caller releases it if the write fails.
//
//	res, decision, err := gate.Reserve(ctx, tenantID, entitlements.ActionCreateInvoice)
//	if err != nil {
//		return err
//	}
//	if !decision.Allowed {
//		return decision.Err()
//	}
//	if err := createInvoice(ctx); err != nil {
//		res.Release(ctx)
//		return err
//	}
//	return res.Commit(ctx)
//
// Store failures are returned as errors; the gate never allows an action it
// could not check.
package entitlements
