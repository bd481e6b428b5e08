// Package middleware provides HTTP middleware for authentication, rate
// limiting and plan feature gating.
//
// # Ordering
//
// Rate limiting and feature checks read the tenant set by the
// Authenticator, so it must run first:
//
//	v1 := router.PathPrefix("/v1").Subrouter()
//	v1.Use(auth.Handler)                  // 1. principal + tenant ID
//	v1.Use(middleware.NewRateLimit(...).Handler) // 2. tier ceilings
//	v1.Handle("/reports", middleware.RequireFeature(gate, plans.FeatureAdvancedReporting)(h))
//
// If the Authenticator has not run, RateLimit and RequireFeature answer 401
// rather than skipping the check.
//
// # Authentication
//
// Bearer tokens are HS256 JWTs. The subject is the tenant ID and the
// optional "role" claim marks operators ("admin"). Every rejected token is
// recorded as an unauthorized_access_attempt security event.
//
// Integrations send an API key in X-API-Key instead. APIKeyAuth resolves the
// key to its tenant, applies the rate limit and reserves one api_call through
// the entitlement gate. The call is released when the handler answers 5xx.
//
// # Rate limiting
//
// Successful checks set X-RateLimit-Limit-Hourly, X-RateLimit-Remaining-Hourly,
// X-RateLimit-Limit-Minute and X-RateLimit-Remaining-Minute. Denials answer 429
// with Retry-After. A limiter that fails closed answers 503.
//
// # Related Packages
//
//   - pkg/ratelimit: tier ceilings and window stores
//   - pkg/entitlements: plan resolution and feature checks
//   - pkg/apikeys: API key storage and lookup
package middleware
