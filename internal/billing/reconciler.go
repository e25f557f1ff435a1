package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crewdeck/crewdeck/internal/metrics"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Reconciler periodically re-reads stale subscription records from Stripe
// and overwrites the local mirror with provider truth. It also replays
// billing intents a crashed webhook delivery left behind.
type Reconciler struct {
	store  *store.Store
	prices PriceTable

	interval  time.Duration
	staleness time.Duration
	delay     time.Duration

	retrieveSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	cancelSubscription   func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)

	now func() time.Time
}

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// Staleness is how long a record may go without an update before it is
	// re-checked against Stripe.
	Staleness time.Duration
	// Delay between consecutive Stripe reads within one pass.
	Delay time.Duration
}

// NewReconciler creates a reconciler backed by the real Stripe API.
func NewReconciler(st *store.Store, prices PriceTable, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 24 * time.Hour
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Reconciler{
		store:                st,
		prices:               prices,
		interval:             cfg.Interval,
		staleness:            cfg.Staleness,
		delay:                cfg.Delay,
		retrieveSubscription: subscription.Get,
		cancelSubscription:   subscription.Cancel,
		now:                  time.Now,
	}
}

// Run executes reconciliation passes until the context is canceled. An
// initial pass runs immediately.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().
		Dur("interval", r.interval).
		Dur("staleness", r.staleness).
		Msg("Subscription reconciler started")

	if err := r.ReconcileOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Reconciliation pass finished with errors")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription reconciler stopped")
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Reconciliation pass finished with errors")
			}
		}
	}
}

// ReconcileOnce runs a single pass: stale records first, then leftover
// intents. Per-record failures are accumulated and returned together; a
// failing record never aborts the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	var errs []error

	cutoff := r.now().Add(-r.staleness)
	stale, err := r.store.ListStaleSubscriptions(cutoff)
	if err != nil {
		return fmt.Errorf("list stale subscriptions: %w", err)
	}
	for i, sub := range stale {
		if i > 0 && r.delay > 0 {
			if !sleepCtx(ctx, r.delay) {
				return errors.Join(errs...)
			}
		}
		if err := r.reconcileRecord(sub); err != nil {
			metrics.ReconcileRecordsTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
	}

	if err := r.replayIntents(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r *Reconciler) reconcileRecord(sub *store.Subscription) error {
	remote, err := r.retrieveSubscription(sub.StripeSubscriptionID, nil)
	if err != nil {
		var stripeErr *stripelib.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripelib.ErrorCodeResourceMissing {
			// The provider no longer knows this subscription; it is gone.
			sub.Status = string(StatusCanceled)
			if sub.CanceledAt == nil {
				canceledAt := r.now().UTC()
				sub.CanceledAt = &canceledAt
			}
			if err := r.store.UpdateSubscription(sub); err != nil {
				return fmt.Errorf("mark missing subscription canceled: %w", err)
			}
			metrics.ReconcileRecordsTotal.WithLabelValues("missing").Inc()
			log.Info().
				Str("subscription_id", sub.ID).
				Str("stripe_subscription_id", sub.StripeSubscriptionID).
				Msg("Subscription no longer exists at provider; marked canceled")
			return nil
		}
		return fmt.Errorf("retrieve from provider: %w", err)
	}

	sub.Status = string(ParseStatus(string(remote.Status)))
	sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	if remote.CanceledAt > 0 {
		canceledAt := time.Unix(remote.CanceledAt, 0).UTC()
		sub.CanceledAt = &canceledAt
	} else {
		sub.CanceledAt = nil
	}
	if remote.Items != nil && len(remote.Items.Data) > 0 {
		item := remote.Items.Data[0]
		if item.Price != nil {
			sub.StripePriceID = item.Price.ID
			if tier, ok := r.prices.TierFor(item.Price.ID); ok {
				sub.Tier = string(tier)
			}
		}
		if item.CurrentPeriodStart > 0 {
			start := time.Unix(item.CurrentPeriodStart, 0).UTC()
			sub.CurrentPeriodStart = &start
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			sub.CurrentPeriodEnd = &end
		}
	}

	if err := r.store.UpdateSubscription(sub); err != nil {
		return fmt.Errorf("write reconciled state: %w", err)
	}
	metrics.ReconcileRecordsTotal.WithLabelValues("reconciled").Inc()
	return nil
}

// replayIntents retries cancel-before-create intents whose remote cancel
// never landed.
func (r *Reconciler) replayIntents(ctx context.Context) error {
	intents, err := r.store.ListBillingIntentsOlderThan(r.now())
	if err != nil {
		return fmt.Errorf("list billing intents: %w", err)
	}

	var errs []error
	for _, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		if intent.Kind != store.IntentKindCancelBeforeCreate {
			continue
		}

		sub, err := r.store.GetSubscriptionByStripeID(intent.StripeSubscriptionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sub == nil || sub.Status == string(StatusCanceled) {
			// Nothing left to cancel.
			if err := r.store.DeleteBillingIntent(intent.StripeSubscriptionID); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if _, err := r.cancelSubscription(intent.StripeSubscriptionID, nil); err != nil {
			var stripeErr *stripelib.Error
			if !errors.As(err, &stripeErr) || stripeErr.Code != stripelib.ErrorCodeResourceMissing {
				errs = append(errs, fmt.Errorf("replay cancel %s: %w", intent.StripeSubscriptionID, err))
				continue
			}
		}
		sub.Status = string(StatusCanceled)
		if sub.CanceledAt == nil {
			canceledAt := r.now().UTC()
			sub.CanceledAt = &canceledAt
		}
		if err := r.store.UpdateSubscription(sub); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.store.DeleteBillingIntent(intent.StripeSubscriptionID); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info().
			Str("stripe_subscription_id", intent.StripeSubscriptionID).
			Msg("Replayed pending cancellation intent")
	}
	return errors.Join(errs...)
}

// sleepCtx waits for d or until ctx is canceled; returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
