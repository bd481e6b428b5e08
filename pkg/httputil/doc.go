// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Error shape
//
// Every error response has the form
//
//	{"error": {"code": "RATE_LIMIT_EXCEEDED", "message": "...", "limit": 10, ...}}
//
// where details are flattened next to code and message.
//
//	httputil.WriteBadRequest(w, "invalid input")
//	httputil.WriteErrorCode(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", msg, details)
//
// # Request Parsing
//
//	var req invoices.CreateRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.ClientIPMiddleware(cfg.TrustProxy),
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.TimeoutMiddleware(30*time.Second),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: authentication, rate limiting and feature gating
package httputil
