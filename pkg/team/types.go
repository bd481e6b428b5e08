package team

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role is a team member's role within the tenant
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var (
	// ErrTeamFull is returned when adding a member would exceed the limit
	ErrTeamFull = errors.New("team member limit reached")
	// ErrDuplicateMember is returned when the email is already on the team
	ErrDuplicateMember = errors.New("team member already exists")
	// ErrNotFound is returned when the member does not exist for the tenant
	ErrNotFound = errors.New("team member not found")
)

// Member is one seat on a tenant's team
type Member struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AddRequest is the body of an add member request
type AddRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Role  Role   `json:"role" validate:"omitempty,oneof=admin member viewer"`
}
