package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/store"
	stripelib "github.com/stripe/stripe-go/v82"
)

func newTestReconciler(st *store.Store) *Reconciler {
	return &Reconciler{
		store:     st,
		prices:    PriceTable{Pro: "price_pro", Business: "price_biz"},
		interval:  time.Hour,
		staleness: time.Hour,
		delay:     0,
		retrieveSubscription: func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
			return activeRemote(id, "price_pro"), nil
		},
		cancelSubscription: func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
			return &stripelib.Subscription{ID: id}, nil
		},
		now: func() time.Time { return testNow },
	}
}

func activeRemote(id, priceID string) *stripelib.Subscription {
	return &stripelib.Subscription{
		ID:     id,
		Status: stripelib.SubscriptionStatusActive,
		Items: &stripelib.SubscriptionItemList{
			Data: []*stripelib.SubscriptionItem{
				{
					CurrentPeriodStart: testNow.Unix(),
					CurrentPeriodEnd:   testNow.Add(720 * time.Hour).Unix(),
					Price:              &stripelib.Price{ID: priceID},
				},
			},
		},
	}
}

// seedStaleSub creates a record whose updated_at predates the staleness
// cutoff by writing timestamps directly.
func seedStaleSub(t *testing.T, st *store.Store, userID string, tier Tier) *store.Subscription {
	t.Helper()
	sub := seedActiveSub(t, st, userID, tier)
	if err := st.BackdateSubscription(sub.ID, testNow.Add(-48*time.Hour)); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	return sub
}

func TestReconcileOverwritesLocalState(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	user := seedUser(t, st)
	sub := seedStaleSub(t, st, user.ID, TierPro)

	// Provider truth disagrees with the mirror: business price, canceling.
	r.retrieveSubscription = func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		remote := activeRemote(id, "price_biz")
		remote.CancelAtPeriodEnd = true
		return remote, nil
	}

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	stored, _ := st.GetSubscription(sub.ID)
	if stored.Tier != "business" {
		t.Errorf("tier = %q, want business", stored.Tier)
	}
	if !stored.CancelAtPeriodEnd {
		t.Error("cancel flag not mirrored from provider")
	}
	if stored.StripePriceID != "price_biz" {
		t.Errorf("price = %q, want price_biz", stored.StripePriceID)
	}
}

func TestReconcileFreshRecordsSkipped(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	user := seedUser(t, st)
	seedActiveSub(t, st, user.ID, TierPro)

	r.retrieveSubscription = func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		t.Fatal("fresh records must not be re-read from the provider")
		return nil, nil
	}
	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestReconcileMissingSubscriptionMarkedCanceled(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	user := seedUser(t, st)
	sub := seedStaleSub(t, st, user.ID, TierPro)

	r.retrieveSubscription = func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		return nil, &stripelib.Error{Code: stripelib.ErrorCodeResourceMissing}
	}

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("a missing subscription is handled, not an error: %v", err)
	}
	stored, _ := st.GetSubscription(sub.ID)
	if stored.Status != "canceled" {
		t.Errorf("status = %q, want canceled", stored.Status)
	}
	if stored.CanceledAt == nil {
		t.Error("canceled_at should be set")
	}
}

func TestReconcileErrorsAccumulateWithoutAborting(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	user := seedUser(t, st)
	bad := seedStaleSub(t, st, user.ID, TierPro)
	good := seedStaleSub(t, st, user.ID, TierPro)

	r.retrieveSubscription = func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		if id == bad.StripeSubscriptionID {
			return nil, fmt.Errorf("transient provider failure")
		}
		return activeRemote(id, "price_pro"), nil
	}

	err := r.ReconcileOnce(context.Background())
	if err == nil {
		t.Fatal("expected accumulated error for the failing record")
	}

	// The record after the failure was still processed.
	stored, _ := st.GetSubscription(good.ID)
	if stored.UpdatedAt.Before(testNow.Add(-time.Hour)) {
		t.Error("record after the failing one was not reconciled")
	}
}

func TestReconcileReplaysPendingIntent(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	user := seedUser(t, st)
	old := seedActiveSub(t, st, user.ID, TierPro)

	if err := st.PutBillingIntent(&store.BillingIntent{
		StripeSubscriptionID: old.StripeSubscriptionID,
		Kind:                 store.IntentKindCancelBeforeCreate,
		CreatedAt:            testNow.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put intent: %v", err)
	}

	var canceled string
	r.cancelSubscription = func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
		canceled = id
		return &stripelib.Subscription{ID: id}, nil
	}

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if canceled != old.StripeSubscriptionID {
		t.Errorf("canceled = %q, want %q", canceled, old.StripeSubscriptionID)
	}
	stored, _ := st.GetSubscriptionByStripeID(old.StripeSubscriptionID)
	if stored.Status != "canceled" {
		t.Errorf("status = %q, want canceled", stored.Status)
	}
	intent, _ := st.GetBillingIntent(old.StripeSubscriptionID)
	if intent != nil {
		t.Error("intent should be cleared after replay")
	}
}

func TestReconcileClearsIntentForCanceledRecord(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	user := seedUser(t, st)
	old := seedActiveSub(t, st, user.ID, TierPro)
	old.Status = "canceled"
	if err := st.UpdateSubscription(old); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := st.PutBillingIntent(&store.BillingIntent{
		StripeSubscriptionID: old.StripeSubscriptionID,
		Kind:                 store.IntentKindCancelBeforeCreate,
		CreatedAt:            testNow.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put intent: %v", err)
	}

	r.cancelSubscription = func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
		t.Fatal("an already-canceled record needs no remote call")
		return nil, nil
	}
	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	intent, _ := st.GetBillingIntent(old.StripeSubscriptionID)
	if intent != nil {
		t.Error("stale intent should be removed")
	}
}

func TestReconcileStopsBetweenRecordsOnCancel(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st)
	r.delay = 10 * time.Millisecond
	user := seedUser(t, st)
	seedStaleSub(t, st, user.ID, TierPro)
	seedStaleSub(t, st, user.ID, TierPro)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	r.retrieveSubscription = func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		calls++
		cancel()
		return activeRemote(id, "price_pro"), nil
	}

	_ = r.ReconcileOnce(ctx)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancellation honored between records)", calls)
	}
}
