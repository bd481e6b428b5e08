// Package apikeys issues and verifies the API keys used by integrations.
//
// A key is shown once at creation. Only its SHA-256 hash and a short display
// prefix are stored. Authenticate looks a key up by hash, refuses revoked
// keys and stamps last_used_at in the same statement.
package apikeys
