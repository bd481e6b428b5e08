package plans

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var planRowColumns = []string{"plan_type", "max_invoices", "max_team_members", "max_api_calls", "features"}

func TestDBCatalog_GetEntitlements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM subscription_plans WHERE plan_type").
		WithArgs("pro").
		WillReturnRows(sqlmock.NewRows(planRowColumns).
			AddRow("pro", -1, 1, -1, []byte(`{"has_analytics": true, "has_api_access": true}`)))

	c := NewDBCatalog(db, time.Minute)
	ctx := context.Background()

	e, err := c.GetEntitlements(ctx, PlanPro)
	require.NoError(t, err)
	assert.True(t, e.IsUnlimited(LimitInvoices))
	assert.True(t, e.Has(FeatureAPIAccess))

	// Second lookup is served from the cache; no further query expected.
	_, err = c.GetEntitlements(ctx, PlanPro)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBCatalog_UnknownPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM subscription_plans WHERE plan_type").
		WithArgs("gold").
		WillReturnRows(sqlmock.NewRows(planRowColumns))

	_, err = NewDBCatalog(db, time.Minute).GetEntitlements(context.Background(), PlanType("gold"))
	assert.ErrorIs(t, err, ErrUnknownPlan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBCatalog_RejectsUnknownFeature(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM subscription_plans WHERE plan_type").
		WithArgs("pro").
		WillReturnRows(sqlmock.NewRows(planRowColumns).
			AddRow("pro", -1, 1, -1, []byte(`{"has_warp_drive": true}`)))

	_, err = NewDBCatalog(db, time.Minute).GetEntitlements(context.Background(), PlanPro)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown feature")
}

func TestDBCatalog_Verify(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM subscription_plans ORDER BY plan_type").
		WillReturnRows(sqlmock.NewRows(planRowColumns).
			AddRow("pro", -1, 1, -1, []byte(`{}`)))

	err = NewDBCatalog(db, time.Minute).Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "free plan")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBCatalog_Seed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO subscription_plans").
		WithArgs("business", int64(-1), int64(10), int64(-1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO subscription_plans").
		WithArgs("free", int64(50), int64(1), int64(-1), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO subscription_plans").
		WithArgs("pro", int64(-1), int64(1), int64(-1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	seed := DefaultPlans()
	sort.Slice(seed, func(i, j int) bool { return seed[i].Plan < seed[j].Plan })

	added, err := NewDBCatalog(db, time.Minute).Seed(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBCatalog_SeedRejectsInvalidPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bad := Entitlements{Plan: "broken", Limits: map[LimitKey]int64{LimitInvoices: -5}}

	_, err = NewDBCatalog(db, time.Minute).Seed(context.Background(), []Entitlements{bad})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
