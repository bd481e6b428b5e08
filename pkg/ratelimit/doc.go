// Package ratelimit enforces per-tier request ceilings for each
// (tenant, endpoint) pair.
//
// Two fixed windows apply at once: the current clock hour and the current
// clock minute. Both are aligned to wall-clock boundaries, so a client can
// send up to twice the nominal rate across a boundary. Requests from an IP
// with an ip_blocked security event younger than the block duration are
// refused before any counter is touched.
//
// The windowed check and the increment run as one atomic step inside a
// WindowStore:
//
//   - PostgresStore serializes callers per (tenant, endpoint) with a
//     transaction-scoped advisory lock.
//   - RedisStore runs a Lua script over an hour counter and a minute counter
//     that share a cluster slot.
//
// Store failures are handled by policy. With fail-open (the default) the
// request is allowed and the failure is logged and counted. With fail-closed
// CheckAndConsume returns an *Error with code RATE_LIMITER_ERROR.
//
// Basic usage:
//
//	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client),
//		ratelimit.WithBlockLookup(auditStore),
//		ratelimit.WithEventSink(sink),
//	)
//	decision, err := limiter.CheckAndConsume(ctx, ratelimit.Request{
//		TenantID: tenantID,
//		Endpoint: "invoices",
//		Tier:     ratelimit.TierFree,
//		ClientIP: ip,
//	})
package ratelimit
