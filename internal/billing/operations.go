package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/crewdeck/crewdeck/internal/metrics"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	billingportalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionschedule"
)

// Result is the uniform outcome of a billing operation. Provider failures
// are captured here and surfaced as user-facing messages, never as errors
// propagating past this layer.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func success(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// PriceTable maps paid tiers to Stripe price IDs.
type PriceTable struct {
	Pro      string
	Business string
}

// PriceFor returns the Stripe price ID for a paid tier, or "" for free.
func (p PriceTable) PriceFor(t Tier) string {
	switch t {
	case TierPro:
		return p.Pro
	case TierBusiness:
		return p.Business
	default:
		return ""
	}
}

// TierFor reverses a Stripe price ID to its tier.
func (p PriceTable) TierFor(priceID string) (Tier, bool) {
	switch {
	case priceID != "" && priceID == p.Pro:
		return TierPro, true
	case priceID != "" && priceID == p.Business:
		return TierBusiness, true
	default:
		return "", false
	}
}

// OperationsConfig carries the URLs and prices the operations layer needs.
type OperationsConfig struct {
	Prices          PriceTable
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// Operations issues commands to Stripe and mirrors the results into the
// local subscription record. The Stripe calls are function fields so tests
// can substitute them without a network.
type Operations struct {
	store *store.Store
	cfg   OperationsConfig

	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	updateSubscription    func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	createSchedule        func(params *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error)
	listSchedules         func(params *stripelib.SubscriptionScheduleListParams) ([]*stripelib.SubscriptionSchedule, error)
	cancelSchedule        func(id string, params *stripelib.SubscriptionScheduleCancelParams) (*stripelib.SubscriptionSchedule, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)

	now func() time.Time
}

// NewOperations creates an Operations layer backed by the real Stripe API.
func NewOperations(st *store.Store, cfg OperationsConfig) *Operations {
	return &Operations{
		store:                 st,
		cfg:                   cfg,
		createCustomer:        customer.New,
		createCheckoutSession: checkoutsession.New,
		updateSubscription:    subscription.Update,
		createSchedule:        subscriptionschedule.New,
		listSchedules:         listAllSchedules,
		cancelSchedule:        subscriptionschedule.Cancel,
		createPortalSession:   billingportalsession.New,
		now:                   time.Now,
	}
}

func listAllSchedules(params *stripelib.SubscriptionScheduleListParams) ([]*stripelib.SubscriptionSchedule, error) {
	it := subscriptionschedule.List(params)
	var out []*stripelib.SubscriptionSchedule
	for it.Next() {
		out = append(out, it.SubscriptionSchedule())
	}
	return out, it.Err()
}

// StartCheckout starts the path to a new tier: a deferred schedule when the
// target is cheaper than the current tier, an immediate checkout session
// otherwise.
func (o *Operations) StartCheckout(ctx context.Context, user *store.User, targetTier Tier) Result {
	res := o.startCheckout(ctx, user, targetTier)
	recordOperation("checkout", res)
	return res
}

func (o *Operations) startCheckout(ctx context.Context, user *store.User, targetTier Tier) Result {
	if user == nil {
		return failure("Not signed in")
	}
	if targetTier == TierFree {
		return failure("The free tier has no checkout; cancel your subscription instead")
	}
	priceID := o.cfg.Prices.PriceFor(targetTier)
	if priceID == "" {
		return failure("No price configured for tier %q", targetTier)
	}

	current, err := o.store.GetCurrentSubscription(user.ID)
	if err != nil {
		return failure("Failed to load subscription: %v", err)
	}
	elig := EligibilityFor(current, o.now())

	switch elig.State {
	case StateCanceledGracePeriod:
		return failure("Your subscription is canceled but still active; reactivate it or wait for the period to end")
	case StateActive:
		currentTier := ParseTier(current.Tier)
		if currentTier == targetTier {
			return failure("Already subscribed to the %s tier", targetTier)
		}
		if IsDowngrade(currentTier, targetTier) {
			return o.scheduleDowngrade(ctx, current, targetTier, priceID)
		}
	}

	if !elig.CanCreateNew && !elig.CanUpgrade {
		return failure("Subscription changes are not available in the current state")
	}

	customerID := ""
	if current != nil {
		customerID = current.StripeCustomerID
	}
	if customerID == "" {
		custParams := &stripelib.CustomerParams{
			Email: stripelib.String(user.Email),
			Name:  stripelib.String(user.Name),
		}
		custParams.AddMetadata("user_id", user.ID)
		cust, err := o.createCustomer(custParams)
		if err != nil {
			return failure("Failed to create billing customer: %v", err)
		}
		customerID = cust.ID
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(o.cfg.SuccessURL),
		CancelURL:  stripelib.String(o.cfg.CancelURL),
		Customer:   stripelib.String(customerID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": user.ID,
				"tier":    string(targetTier),
			},
		},
	}
	session, err := o.createCheckoutSession(params)
	if err != nil {
		return failure("Failed to create checkout session: %v", err)
	}
	if session.URL == "" {
		return failure("Checkout session has no URL")
	}
	res := success("Checkout session created")
	res.URL = session.URL
	return res
}

// scheduleDowngrade defers the tier change to the current period boundary:
// a provider-side schedule starts the cheaper price when the paid period
// ends, and the current subscription is marked cancel-at-period-end.
func (o *Operations) scheduleDowngrade(ctx context.Context, current *store.Subscription, targetTier Tier, priceID string) Result {
	if current.CurrentPeriodEnd == nil {
		return failure("Cannot schedule a downgrade without a current period end")
	}
	if current.StripeCustomerID == "" || current.StripeSubscriptionID == "" {
		return failure("Subscription is missing billing references")
	}

	scheduleParams := &stripelib.SubscriptionScheduleParams{
		Customer:    stripelib.String(current.StripeCustomerID),
		StartDate:   stripelib.Int64(current.CurrentPeriodEnd.Unix()),
		EndBehavior: stripelib.String("release"),
		Phases: []*stripelib.SubscriptionSchedulePhaseParams{
			{
				Items: []*stripelib.SubscriptionSchedulePhaseItemParams{
					{
						Price:    stripelib.String(priceID),
						Quantity: stripelib.Int64(1),
					},
				},
			},
		},
	}
	scheduleParams.AddMetadata("user_id", current.UserID)
	scheduleParams.AddMetadata("tier", string(targetTier))
	if _, err := o.createSchedule(scheduleParams); err != nil {
		return failure("Failed to schedule downgrade: %v", err)
	}

	if _, err := o.updateSubscription(current.StripeSubscriptionID, &stripelib.SubscriptionParams{
		CancelAtPeriodEnd: stripelib.Bool(true),
	}); err != nil {
		return failure("Failed to mark subscription for cancellation: %v", err)
	}

	current.CancelAtPeriodEnd = true
	current.ScheduledDowngradeTier = string(targetTier)
	if err := o.store.UpdateSubscription(current); err != nil {
		// Remote state changed but the mirror write failed; reconciliation
		// or the next webhook will repair it.
		log.Error().Err(err).
			Str("subscription_id", current.ID).
			Msg("Downgrade scheduled remotely but local mirror update failed")
		return failure("Downgrade scheduled, but saving it locally failed: %v", err)
	}

	return success("Downgrade to %s scheduled for the end of the current billing period", targetTier)
}

// Cancel marks the subscription to end at the period boundary.
func (o *Operations) Cancel(ctx context.Context, user *store.User) Result {
	res := o.cancel(ctx, user)
	recordOperation("cancel", res)
	return res
}

func (o *Operations) cancel(ctx context.Context, user *store.User) Result {
	if user == nil {
		return failure("Not signed in")
	}
	current, err := o.store.GetCurrentSubscription(user.ID)
	if err != nil {
		return failure("Failed to load subscription: %v", err)
	}
	elig := EligibilityFor(current, o.now())
	if !elig.CanCancel {
		return failure("No active subscription to cancel")
	}

	if _, err := o.updateSubscription(current.StripeSubscriptionID, &stripelib.SubscriptionParams{
		CancelAtPeriodEnd: stripelib.Bool(true),
	}); err != nil {
		return failure("Failed to cancel subscription: %v", err)
	}

	current.CancelAtPeriodEnd = true
	if err := o.store.UpdateSubscription(current); err != nil {
		log.Error().Err(err).Str("subscription_id", current.ID).
			Msg("Cancellation applied remotely but local mirror update failed")
		return failure("Cancellation applied, but saving it locally failed: %v", err)
	}
	return success("Subscription will cancel at the end of the current billing period")
}

// Reactivate clears a pending cancellation.
func (o *Operations) Reactivate(ctx context.Context, user *store.User) Result {
	res := o.reactivate(ctx, user)
	recordOperation("reactivate", res)
	return res
}

func (o *Operations) reactivate(ctx context.Context, user *store.User) Result {
	if user == nil {
		return failure("Not signed in")
	}
	current, err := o.store.GetCurrentSubscription(user.ID)
	if err != nil {
		return failure("Failed to load subscription: %v", err)
	}
	elig := EligibilityFor(current, o.now())
	if !elig.CanReactivate {
		return failure("No canceled subscription to reactivate")
	}

	if _, err := o.updateSubscription(current.StripeSubscriptionID, &stripelib.SubscriptionParams{
		CancelAtPeriodEnd: stripelib.Bool(false),
	}); err != nil {
		return failure("Failed to reactivate subscription: %v", err)
	}

	current.CancelAtPeriodEnd = false
	if err := o.store.UpdateSubscription(current); err != nil {
		log.Error().Err(err).Str("subscription_id", current.ID).
			Msg("Reactivation applied remotely but local mirror update failed")
		return failure("Reactivation applied, but saving it locally failed: %v", err)
	}
	return success("Subscription reactivated")
}

// CancelPendingDowngrade removes a scheduled downgrade and restores the
// current subscription.
func (o *Operations) CancelPendingDowngrade(ctx context.Context, user *store.User) Result {
	res := o.cancelPendingDowngrade(ctx, user)
	recordOperation("cancel_downgrade", res)
	return res
}

func (o *Operations) cancelPendingDowngrade(ctx context.Context, user *store.User) Result {
	if user == nil {
		return failure("Not signed in")
	}
	current, err := o.store.GetCurrentSubscription(user.ID)
	if err != nil {
		return failure("Failed to load subscription: %v", err)
	}
	if current == nil || current.ScheduledDowngradeTier == "" {
		return failure("No pending downgrade to cancel")
	}
	if current.StripeCustomerID == "" {
		return failure("Subscription is missing billing references")
	}

	schedules, err := o.listSchedules(&stripelib.SubscriptionScheduleListParams{
		Customer: stripelib.String(current.StripeCustomerID),
	})
	if err != nil {
		return failure("Failed to look up the pending downgrade: %v", err)
	}
	canceled := false
	for _, sched := range schedules {
		if sched == nil {
			continue
		}
		if sched.Status != stripelib.SubscriptionScheduleStatusNotStarted && sched.Status != stripelib.SubscriptionScheduleStatusActive {
			continue
		}
		if _, err := o.cancelSchedule(sched.ID, nil); err != nil {
			return failure("Failed to cancel the pending downgrade: %v", err)
		}
		canceled = true
		break
	}
	if !canceled {
		log.Warn().
			Str("customer_id", current.StripeCustomerID).
			Str("scheduled_tier", current.ScheduledDowngradeTier).
			Msg("No provider-side schedule found for pending downgrade; clearing local flag")
	}

	if current.StripeSubscriptionID != "" {
		if _, err := o.updateSubscription(current.StripeSubscriptionID, &stripelib.SubscriptionParams{
			CancelAtPeriodEnd: stripelib.Bool(false),
		}); err != nil {
			return failure("Downgrade canceled, but reactivating the subscription failed: %v", err)
		}
	}

	current.ScheduledDowngradeTier = ""
	current.CancelAtPeriodEnd = false
	current.Status = string(StatusActive)
	if err := o.store.UpdateSubscription(current); err != nil {
		log.Error().Err(err).Str("subscription_id", current.ID).
			Msg("Downgrade canceled remotely but local mirror update failed")
		return failure("Downgrade canceled, but saving it locally failed: %v", err)
	}
	return success("Pending downgrade canceled")
}

// PortalSession creates a Stripe billing portal session for the user.
func (o *Operations) PortalSession(ctx context.Context, user *store.User) Result {
	res := o.portalSession(ctx, user)
	recordOperation("portal", res)
	return res
}

func (o *Operations) portalSession(ctx context.Context, user *store.User) Result {
	if user == nil {
		return failure("Not signed in")
	}
	current, err := o.store.GetCurrentSubscription(user.ID)
	if err != nil {
		return failure("Failed to load subscription: %v", err)
	}
	if current == nil || current.StripeCustomerID == "" {
		return failure("No billing account yet; subscribe first")
	}

	session, err := o.createPortalSession(&stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(current.StripeCustomerID),
		ReturnURL: stripelib.String(o.cfg.PortalReturnURL),
	})
	if err != nil {
		return failure("Failed to create billing portal session: %v", err)
	}
	res := success("Billing portal session created")
	res.URL = session.URL
	return res
}

func recordOperation(op string, res Result) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.BillingOperationsTotal.WithLabelValues(op, outcome).Inc()
}
