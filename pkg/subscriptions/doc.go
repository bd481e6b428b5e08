// Package subscriptions stores which plan each tenant is on.
//
// A tenant has at most one active subscription, enforced by a partial unique
// index. Suspending a tenant moves its active row to the suspended status, so
// entitlement resolution no longer finds it and the tenant falls back to the
// free plan until unsuspended.
//
//	store := subscriptions.NewStore(db)
//	sub, err := store.GetActive(ctx, "tenant-1")
//	if errors.Is(err, subscriptions.ErrNotFound) {
//		// free plan
//	}
package subscriptions
