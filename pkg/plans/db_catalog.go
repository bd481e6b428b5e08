package plans

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DBCatalog reads operator-managed plans from the subscription_plans table.
// Plans are reference data, so rows are cached for a short TTL; usage
// counters are never cached.
type DBCatalog struct {
	db    *sql.DB
	cache *lru.LRU[PlanType, Entitlements]
}

// NewDBCatalog creates a catalog backed by db with the given cache TTL
func NewDBCatalog(db *sql.DB, ttl time.Duration) *DBCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DBCatalog{
		db:    db,
		cache: lru.NewLRU[PlanType, Entitlements](64, nil, ttl),
	}
}

const planColumns = "plan_type, max_invoices, max_team_members, max_api_calls, features"

// GetEntitlements loads a plan, returning ErrUnknownPlan when absent
func (c *DBCatalog) GetEntitlements(ctx context.Context, planType PlanType) (Entitlements, error) {
	if e, ok := c.cache.Get(planType); ok {
		return e.Clone(), nil
	}

	row := c.db.QueryRowContext(ctx,
		"SELECT "+planColumns+" FROM subscription_plans WHERE plan_type = $1",
		string(planType),
	)
	e, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entitlements{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planType)
	}
	if err != nil {
		return Entitlements{}, fmt.Errorf("failed to load plan %s: %w", planType, err)
	}

	c.cache.Add(planType, e)
	return e.Clone(), nil
}

// ListPlans returns every plan, validating each row
func (c *DBCatalog) ListPlans(ctx context.Context) ([]Entitlements, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT "+planColumns+" FROM subscription_plans ORDER BY plan_type")
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []Entitlements
	for rows.Next() {
		e, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify loads every row into a StaticCatalog so a bad plan table fails
// at startup rather than on first use.
func (c *DBCatalog) Verify(ctx context.Context) error {
	all, err := c.ListPlans(ctx)
	if err != nil {
		return err
	}
	_, err = NewStaticCatalog(all)
	return err
}

// Seed inserts plans that are not in the table yet. Existing rows are left
// alone so operator edits survive restarts. It returns how many were added.
func (c *DBCatalog) Seed(ctx context.Context, seed []Entitlements) (int, error) {
	added := 0
	for _, e := range seed {
		if err := e.Validate(); err != nil {
			return added, err
		}
		features, err := json.Marshal(e.Features)
		if err != nil {
			return added, fmt.Errorf("plan %s: failed to encode features: %w", e.Plan, err)
		}
		res, err := c.db.ExecContext(ctx, `
			INSERT INTO subscription_plans (plan_type, max_invoices, max_team_members, max_api_calls, features)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (plan_type) DO NOTHING`,
			string(e.Plan), e.Limit(LimitInvoices), e.Limit(LimitTeamMembers), e.Limit(LimitAPICalls), features,
		)
		if err != nil {
			return added, fmt.Errorf("failed to seed plan %s: %w", e.Plan, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if added > 0 {
		c.cache.Purge()
	}
	return added, nil
}

// Purge drops cached plans after an operator change
func (c *DBCatalog) Purge() {
	c.cache.Purge()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (Entitlements, error) {
	var (
		planType                          string
		maxInvoices, maxTeam, maxAPICalls int64
		rawFeatures                       []byte
	)
	if err := row.Scan(&planType, &maxInvoices, &maxTeam, &maxAPICalls, &rawFeatures); err != nil {
		return Entitlements{}, err
	}

	flags := map[string]bool{}
	if len(rawFeatures) > 0 {
		if err := json.Unmarshal(rawFeatures, &flags); err != nil {
			return Entitlements{}, fmt.Errorf("plan %s: invalid features: %w", planType, err)
		}
	}

	e := Entitlements{
		Plan: PlanType(planType),
		Limits: map[LimitKey]int64{
			LimitInvoices:    maxInvoices,
			LimitTeamMembers: maxTeam,
			LimitAPICalls:    maxAPICalls,
		},
		Features: make(map[Feature]bool, len(flags)),
	}
	for name, on := range flags {
		f, err := ParseFeature(name)
		if err != nil {
			return Entitlements{}, fmt.Errorf("plan %s: %w", planType, err)
		}
		e.Features[f] = on
	}
	if err := e.Validate(); err != nil {
		return Entitlements{}, err
	}
	return e, nil
}
