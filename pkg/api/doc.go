// Package api exposes the entitlement and metering core over HTTP.
//
// # Routes
//
// Tenant routes live under /v1 and require a bearer token:
//
//	POST   /v1/rate-limit/check        consume one request for an endpoint
//	GET    /v1/rate-limit/tiers        effective tier table
//	GET    /v1/plans                   plan catalog
//	GET    /v1/entitlements            effective plan, entitlements, usage
//	POST   /v1/entitlements/check      decision for an action
//	GET    /v1/features/{feature}      feature flag for the tenant's plan
//	POST   /v1/usage/record            record usage after an action succeeded (rate limited)
//	GET    /v1/usage/history           monthly usage, newest first (has_analytics)
//	POST   /v1/invoices                create an invoice (rate limited, gated)
//	GET    /v1/invoices                list invoices
//	GET    /v1/invoices/{id}           get an invoice
//	GET    /v1/team/members            list team members
//	POST   /v1/team/members            add a member (rate limited, gated)
//	DELETE /v1/team/members/{id}       remove a member (rate limited)
//	POST   /v1/api-keys                issue an API key (rate limited, has_api_access)
//	GET    /v1/api-keys                list API keys
//	DELETE /v1/api-keys/{id}           revoke an API key (rate limited)
//
// Integration routes live under /api/v1 and require an X-API-Key header. Each
// call is rate limited and metered as an api_call:
//
//	GET    /api/v1/me                  effective plan, entitlements, usage
//	POST   /api/v1/invoices            create an invoice (gated)
//	GET    /api/v1/invoices            list invoices
//	GET    /api/v1/invoices/{id}       get an invoice
//
// Admin routes require role=admin:
//
//	GET  /v1/admin/tenants/{tenant}/subscriptions
//	PUT  /v1/admin/tenants/{tenant}/subscription
//	POST /v1/admin/tenants/{tenant}/suspend
//	POST /v1/admin/tenants/{tenant}/unsuspend
//	POST /v1/admin/ip-blocks
//	GET  /v1/admin/security-events
//	GET  /v1/admin/audit-log
//
// Health and metrics are unauthenticated: /health/live, /health/ready, /metrics.
//
// # Errors
//
// Every error body has the form {"error": {"code": ..., "message": ..., ...}}.
// Entitlement denials are 403, rate limit denials 429, bad input 400, missing
// resources 404, duplicates 409 and a fail-closed limiter outage 503.
package api
