package team

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// Service adds and removes team members under the add_team_member entitlement
type Service struct {
	store    *Store
	gate     *entitlements.Gate
	validate *validator.Validate
	logger   *observability.Logger
}

// NewService creates a team service
func NewService(store *Store, gate *entitlements.Gate, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Service{store: store, gate: gate, validate: v, logger: logger}
}

// Add reserves a seat and inserts the member. A full team is returned as
// *entitlements.DenialError.
func (s *Service) Add(ctx context.Context, tenantID string, req *AddRequest) (*Member, error) {
	clean := AddRequest{Email: strings.ToLower(strings.TrimSpace(req.Email)), Role: req.Role}
	if err := s.validate.Struct(&clean); err != nil {
		return nil, fmt.Errorf("invalid team member: %w", err)
	}

	res, decision, err := s.gate.Reserve(ctx, tenantID, entitlements.ActionAddTeamMember)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	role := clean.Role
	if role == "" {
		role = RoleMember
	}
	m := &Member{
		ID:       uuid.New(),
		TenantID: tenantID,
		Email:    clean.Email,
		Role:     role,
	}

	if err := s.store.Add(ctx, m, decision.Limit); err != nil {
		if rerr := res.Release(ctx); rerr != nil {
			s.logger.WithContext(ctx).WithError(rerr).Error("failed to release team member reservation")
		}
		if errors.Is(err, ErrTeamFull) {
			// another request filled the last seat after the gate check
			denied := *decision
			denied.Allowed = false
			denied.Reason = entitlements.ReasonTeamMemberLimitExceeded
			denied.Current = decision.Limit
			return nil, denied.Err()
		}
		return nil, err
	}

	if err := res.Commit(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).
			WithField("member_id", m.ID.String()).
			Error("failed to record team member usage")
	}
	return m, nil
}

// Remove deletes a member and gives back one team_members unit
func (s *Service) Remove(ctx context.Context, tenantID string, id uuid.UUID) error {
	if err := s.store.Remove(ctx, tenantID, id); err != nil {
		return err
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), entitlements.DefaultSettleTimeout)
	defer cancel()
	if _, err := s.gate.Record(settleCtx, tenantID, entitlements.ActionAddTeamMember, -1); err != nil {
		s.logger.WithContext(ctx).WithError(err).
			WithField("member_id", id.String()).
			Warn("failed to record team member removal")
	}
	return nil
}

// List returns the tenant's members
func (s *Service) List(ctx context.Context, tenantID string) ([]*Member, error) {
	return s.store.List(ctx, tenantID)
}
