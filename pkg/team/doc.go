// Package team manages a tenant's team members behind the add_team_member
// entitlement.
//
// Headcount is read from the team_members table rather than a monthly
// counter, so it survives month boundaries. Store.Add re-checks the limit
// under a per-tenant advisory lock, which makes the cap hard even when the
// gate runs in soft mode.
package team
