// Package audit records security events and admin actions.
//
// Security events are append-only facts about rate limiting, abuse, IP blocks,
// unauthorized access, entitlement denials and plan fallbacks. They are written
// to PostgreSQL by DBStore and can be fanned out to Kafka with KafkaSink via
// MultiSink. Events older than the retention window are exported to S3 as
// NDJSON by the Archiver; archiving marks rows, it never deletes them.
//
// Emitting is best-effort from the caller's point of view: a failure to record
// an event must never change an allow/deny decision.
//
//	sink := audit.NewMultiSink(dbStore, audit.NewKafkaSink(producer, "security-events"))
//	err := sink.Emit(ctx, &audit.SecurityEvent{
//		EventType: audit.EventRateLimitExceeded,
//		Severity:  audit.SeverityWarning,
//		TenantID:  tenantID,
//		IPAddress: ip,
//	})
package audit
