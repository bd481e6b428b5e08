package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/team"
)

func TestAddTeamMember(t *testing.T) {
	full := (&entitlements.Decision{
		Action:   entitlements.ActionAddTeamMember,
		Reason:   entitlements.ReasonTeamMemberLimitExceeded,
		Limit:    1,
		Current:  1,
		PlanType: "pro",
	}).Err()

	tests := []struct {
		name     string
		addErr   error
		wantCode int
		wantErr  string
	}{
		{"added", nil, http.StatusCreated, ""},
		{"team full", full, http.StatusForbidden, "TEAM_MEMBER_LIMIT_EXCEEDED"},
		{"duplicate", team.ErrDuplicateMember, http.StatusConflict, "CONFLICT"},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.team.addErr = tt.addErr

			w := e.do("POST", "/v1/team/members", "acme", "", map[string]string{"email": "sam@example.com"})

			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorBody(t, w)["code"])
			} else {
				assert.Equal(t, "sam@example.com", decode(t, w)["email"])
			}
		})
	}
}

func TestRemoveTeamMember(t *testing.T) {
	e := newEnv(t)

	w := e.do("DELETE", "/v1/team/members/"+uuid.NewString(), "acme", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	e.team.removeErr = team.ErrNotFound
	w = e.do("DELETE", "/v1/team/members/"+uuid.NewString(), "acme", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTeamMembers(t *testing.T) {
	e := newEnv(t)
	e.team.members = []*team.Member{{ID: uuid.New(), TenantID: "acme", Email: "sam@example.com", Role: team.RoleAdmin}}

	w := e.do("GET", "/v1/team/members", "acme", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	members := decode(t, w)["members"].([]interface{})
	require.Len(t, members, 1)
	assert.Equal(t, "admin", members[0].(map[string]interface{})["role"])
}
