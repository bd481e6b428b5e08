// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Every setting is read from a GATEKEEPER_-prefixed environment variable with
// a default. A .env file, when present, is loaded first with LoadDotEnv and
// never overrides variables already set in the environment.
//
// # Configuration Structure
//
// Server settings:
//
//	GATEKEEPER_HOST="0.0.0.0"
//	GATEKEEPER_PORT="8080"
//	GATEKEEPER_REQUEST_TIMEOUT="10s"
//
// Storage settings:
//
//	GATEKEEPER_POSTGRES_URL="postgres://localhost/gatekeeper"
//	GATEKEEPER_POSTGRES_REPLICA_URLS="postgres://replica1/gatekeeper,postgres://replica2/gatekeeper"
//	GATEKEEPER_REDIS_URL="redis://localhost:6379/0"
//	GATEKEEPER_COUNTER_BACKEND="postgres"  # postgres or redis
//
// Plans and entitlements:
//
//	GATEKEEPER_PLANS_SOURCE="static"  # static, file or db
//	GATEKEEPER_PLANS_FILE="/etc/gatekeeper/plans.yaml"
//	GATEKEEPER_PLANS_WATCH="true"
//	GATEKEEPER_ENTITLEMENT_MODE="soft"  # soft or hard
//
// Rate limiting:
//
//	GATEKEEPER_RATELIMIT_FAIL_OPEN="true"
//	GATEKEEPER_RATELIMIT_STORE_TIMEOUT="2s"
//	GATEKEEPER_RATELIMIT_TIERS="free=100/10,pro=500/50,business=1000/100"
//
// Audit:
//
//	GATEKEEPER_KAFKA_BROKERS="kafka-1:9092,kafka-2:9092"
//	GATEKEEPER_ARCHIVE_S3_BUCKET="gatekeeper-audit"
//
// # Validation
//
// LoadConfig returns every validation problem at once (errors.Join) so a
// misconfigured deployment fails on the first start with the full list.
package config
