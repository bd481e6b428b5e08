// Package plans is the plan catalog: the mapping from a plan type to its
// numeric limits and boolean feature flags.
//
// Limit and feature keys are closed enums (LimitKey, Feature). Catalogs are
// validated when they are built, so a typo in a YAML file or a plans table
// row fails at load time instead of silently reading as false at call time.
//
// A limit of -1 (Unlimited) is the only way to express "no cap".
//
// Three sources are provided:
//
//   - DefaultCatalog: the built-in free/pro/business plans
//   - LoadFile / Parse: a YAML file, optionally hot-reloaded by Watcher into
//     a SwappableCatalog
//   - DBCatalog: the subscription_plans table with a short-lived LRU cache
//
// GetEntitlements returns ErrUnknownPlan for a missing plan. Falling back to
// the free plan is the entitlement gate's job, not the catalog's.
package plans
