package apikeys

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidKey is returned for malformed, unknown and revoked keys alike
	ErrInvalidKey = errors.New("invalid or inactive API key")
	// ErrNotFound is returned when the key does not exist for the tenant
	ErrNotFound = errors.New("API key not found")
)

// Key is a stored API key. The raw key is never part of it.
type Key struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"key_prefix"`
	Active     bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CreateRequest is the body of a create key request
type CreateRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}
