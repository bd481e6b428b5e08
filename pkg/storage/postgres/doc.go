// Package postgres holds the storage plumbing shared by the ledger, rate
// limiter and audit packages: the Postgres connection manager, embedded
// schema migrations, the Redis client constructor and the S3 client used by
// the security event archive.
package postgres
