package billing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crewdeck/crewdeck/internal/metrics"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

const maxWebhookBody = 1 << 20 // Stripe events are small; 1MiB is generous.

// WebhookHandler processes Stripe webhook events and mirrors their state
// into the local subscription records. Events the handler does not know
// are acknowledged with 200 so Stripe stops retrying them.
type WebhookHandler struct {
	store  *store.Store
	secret string
	prices PriceTable

	// cancelSubscription is the remote call used by the cancel-before-create
	// saga; injected so tests run without a network.
	cancelSubscription func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)

	now func() time.Time
}

// NewWebhookHandler creates a webhook handler. The secret may be empty,
// in which case every request is rejected until it is configured.
func NewWebhookHandler(st *store.Store, secret string, prices PriceTable) *WebhookHandler {
	return &WebhookHandler{
		store:              st,
		secret:             secret,
		prices:             prices,
		cancelSubscription: subscription.Cancel,
		now:                time.Now,
	}
}

// subscriptionEventObject is the slice of a customer.subscription.* event
// this handler reads. Period fields live on the subscription items.
type subscriptionEventObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceEventObject struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Lines        struct {
		Data []struct {
			Subscription string `json:"subscription"`
			Period       struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Parent *struct {
				SubscriptionItemDetails *struct {
					Subscription string `json:"subscription"`
				} `json:"subscription_item_details"`
			} `json:"parent"`
		} `json:"data"`
	} `json:"lines"`
}

type scheduleEventObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		http.Error(w, "method not allowed", status)
		return
	}
	if h.secret == "" {
		log.Error().Msg("Stripe webhook secret not configured; rejecting event")
		status = http.StatusInternalServerError
		http.Error(w, "webhook not configured", status)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		status = http.StatusBadRequest
		http.Error(w, "failed to read body", status)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Warn().Err(err).Msg("Stripe webhook signature verification failed")
		status = http.StatusBadRequest
		http.Error(w, "invalid signature", status)
		return
	}
	eventType = string(event.Type)

	deliveryID := ulid.Make().String()
	logger := log.With().
		Str("delivery_id", deliveryID).
		Str("event_id", event.ID).
		Str("event_type", eventType).
		Logger()
	logger.Info().Msg("Processing Stripe webhook event")

	switch event.Type {
	case "customer.subscription.created":
		err = h.handleSubscriptionCreated(event.Data.Raw)
	case "customer.subscription.updated":
		err = h.handleSubscriptionUpdated(event.Data.Raw)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(event.Data.Raw)
	case "invoice.paid":
		err = h.handleInvoicePaid(event.Data.Raw)
	case "invoice.payment_failed":
		err = h.handleInvoicePaymentFailed(event.Data.Raw)
	case "subscription_schedule.completed":
		err = h.handleScheduleCompleted(event.Data.Raw)
	case "subscription_schedule.canceled", "subscription_schedule.aborted":
		err = h.handleScheduleCanceled(event.Data.Raw)
	default:
		logger.Debug().Msg("Ignoring unhandled Stripe event type")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to process Stripe webhook event")
		status = http.StatusInternalServerError
		http.Error(w, "processing failed", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"received":true}`)
}

// handleSubscriptionCreated runs the cancel-before-create saga: record the
// intent to cancel any previous active subscription, attempt the remote
// cancel, mirror the new subscription, then clear the intent. A crash
// between steps is repaired by reconciliation replaying the intent.
func (h *WebhookHandler) handleSubscriptionCreated(raw json.RawMessage) error {
	var obj subscriptionEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode subscription event: %w", err)
	}

	userID := obj.Metadata["user_id"]
	tierMeta := obj.Metadata["tier"]
	if userID == "" || tierMeta == "" {
		// Without the metadata there is no user to attach the record to.
		// Acknowledge so Stripe does not retry an event that can never
		// succeed.
		log.Warn().
			Str("stripe_subscription_id", obj.ID).
			Str("customer_id", obj.Customer).
			Msg("Subscription created without user_id/tier metadata; dropping event")
		return nil
	}

	if old, err := h.store.GetActivePaidSubscription(userID); err != nil {
		return err
	} else if old != nil && old.StripeSubscriptionID != obj.ID {
		intent := &store.BillingIntent{
			StripeSubscriptionID: old.StripeSubscriptionID,
			Kind:                 store.IntentKindCancelBeforeCreate,
		}
		if err := h.store.PutBillingIntent(intent); err != nil {
			return fmt.Errorf("record cancel intent: %w", err)
		}
		if _, err := h.cancelSubscription(old.StripeSubscriptionID, nil); err != nil {
			// The intent stays recorded; reconciliation retries the cancel.
			log.Warn().Err(err).
				Str("stripe_subscription_id", old.StripeSubscriptionID).
				Msg("Failed to cancel previous subscription; intent kept for reconciliation")
		} else {
			old.Status = string(StatusCanceled)
			canceledAt := h.now().UTC()
			old.CanceledAt = &canceledAt
			if err := h.store.UpdateSubscription(old); err != nil {
				return fmt.Errorf("mark previous subscription canceled: %w", err)
			}
			if err := h.store.DeleteBillingIntent(old.StripeSubscriptionID); err != nil {
				return fmt.Errorf("clear cancel intent: %w", err)
			}
		}
	}

	sub, err := h.recordFromEvent(&obj, userID, tierMeta)
	if err != nil {
		return err
	}
	if err := h.store.UpsertSubscriptionByStripeID(sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleSubscriptionUpdated(raw json.RawMessage) error {
	var obj subscriptionEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode subscription event: %w", err)
	}

	existing, err := h.store.GetSubscriptionByStripeID(obj.ID)
	if err != nil {
		return err
	}

	userID := obj.Metadata["user_id"]
	tierMeta := obj.Metadata["tier"]
	if existing != nil {
		if userID == "" {
			userID = existing.UserID
		}
		if tierMeta == "" {
			tierMeta = existing.Tier
		}
	}
	if userID == "" {
		log.Warn().
			Str("stripe_subscription_id", obj.ID).
			Msg("Subscription update for unknown subscription without user metadata; dropping event")
		return nil
	}

	sub, err := h.recordFromEvent(&obj, userID, tierMeta)
	if err != nil {
		return err
	}
	if existing != nil {
		sub.OrgID = orDefault(sub.OrgID, existing.OrgID)
		sub.Type = existing.Type
		// A provider-side update does not clear a locally scheduled
		// downgrade; only schedule events do.
		sub.ScheduledDowngradeTier = existing.ScheduledDowngradeTier
	}
	if err := h.store.UpsertSubscriptionByStripeID(sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(raw json.RawMessage) error {
	var obj subscriptionEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode subscription event: %w", err)
	}

	existing, err := h.store.GetSubscriptionByStripeID(obj.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Warn().Str("stripe_subscription_id", obj.ID).
			Msg("Deletion event for unknown subscription; dropping event")
		return nil
	}

	existing.Status = string(StatusCanceled)
	canceledAt := h.now().UTC()
	if obj.CanceledAt > 0 {
		canceledAt = time.Unix(obj.CanceledAt, 0).UTC()
	}
	existing.CanceledAt = &canceledAt
	if err := h.store.UpdateSubscription(existing); err != nil {
		return fmt.Errorf("mark subscription canceled: %w", err)
	}

	// A deleted subscription cannot need a pending cancel anymore.
	if err := h.store.DeleteBillingIntent(obj.ID); err != nil {
		return err
	}
	return nil
}

func (h *WebhookHandler) handleInvoicePaid(raw json.RawMessage) error {
	var obj invoiceEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode invoice event: %w", err)
	}

	subID := invoiceSubscriptionID(&obj)
	if subID == "" {
		// One-off invoices carry no subscription.
		return nil
	}
	existing, err := h.store.GetSubscriptionByStripeID(subID)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Warn().Str("stripe_subscription_id", subID).
			Msg("Paid invoice for unknown subscription; dropping event")
		return nil
	}

	existing.Status = string(StatusActive)
	for _, line := range obj.Lines.Data {
		if line.Period.Start > 0 {
			start := time.Unix(line.Period.Start, 0).UTC()
			existing.CurrentPeriodStart = &start
		}
		if line.Period.End > 0 {
			end := time.Unix(line.Period.End, 0).UTC()
			existing.CurrentPeriodEnd = &end
		}
	}
	if err := h.store.UpdateSubscription(existing); err != nil {
		return fmt.Errorf("mark subscription paid: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleInvoicePaymentFailed(raw json.RawMessage) error {
	var obj invoiceEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode invoice event: %w", err)
	}

	subID := invoiceSubscriptionID(&obj)
	if subID == "" {
		return nil
	}
	existing, err := h.store.GetSubscriptionByStripeID(subID)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Warn().Str("stripe_subscription_id", subID).
			Msg("Failed invoice for unknown subscription; dropping event")
		return nil
	}

	existing.Status = string(StatusPastDue)
	if err := h.store.UpdateSubscription(existing); err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}
	return nil
}

// handleScheduleCompleted fires when a scheduled downgrade has taken
// effect: the pending marker is no longer pending.
func (h *WebhookHandler) handleScheduleCompleted(raw json.RawMessage) error {
	var obj scheduleEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode schedule event: %w", err)
	}

	existing, err := h.store.GetLatestSubscriptionByCustomerID(obj.Customer)
	if err != nil {
		return err
	}
	if existing == nil || existing.ScheduledDowngradeTier == "" {
		return nil
	}
	existing.ScheduledDowngradeTier = ""
	if err := h.store.UpdateSubscription(existing); err != nil {
		return fmt.Errorf("clear scheduled downgrade: %w", err)
	}
	return nil
}

// handleScheduleCanceled undoes the downgrade bookkeeping when the
// provider-side schedule is canceled, from the portal or by support.
func (h *WebhookHandler) handleScheduleCanceled(raw json.RawMessage) error {
	var obj scheduleEventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode schedule event: %w", err)
	}

	existing, err := h.store.GetLatestSubscriptionByCustomerID(obj.Customer)
	if err != nil {
		return err
	}
	if existing == nil || existing.ScheduledDowngradeTier == "" {
		return nil
	}
	existing.ScheduledDowngradeTier = ""
	existing.CancelAtPeriodEnd = false
	existing.Status = string(StatusActive)
	if err := h.store.UpdateSubscription(existing); err != nil {
		return fmt.Errorf("undo scheduled downgrade: %w", err)
	}
	return nil
}

// recordFromEvent builds the local mirror of a subscription event. Last
// write wins: the record reflects whichever event arrived most recently.
func (h *WebhookHandler) recordFromEvent(obj *subscriptionEventObject, userID, tierMeta string) (*store.Subscription, error) {
	id, err := store.GenerateSubscriptionID()
	if err != nil {
		return nil, err
	}
	sub := &store.Subscription{
		ID:                   id,
		UserID:               userID,
		Type:                 store.SubscriptionTypePersonal,
		StripeSubscriptionID: obj.ID,
		StripeCustomerID:     obj.Customer,
		Status:               string(ParseStatus(obj.Status)),
		Tier:                 string(ParseTier(tierMeta)),
		CancelAtPeriodEnd:    obj.CancelAtPeriodEnd,
	}
	if obj.Metadata["type"] == string(store.SubscriptionTypeOrganization) {
		sub.Type = store.SubscriptionTypeOrganization
		sub.OrgID = obj.Metadata["org_id"]
	}
	if obj.CanceledAt > 0 {
		canceledAt := time.Unix(obj.CanceledAt, 0).UTC()
		sub.CanceledAt = &canceledAt
	}
	if len(obj.Items.Data) > 0 {
		item := obj.Items.Data[0]
		sub.StripePriceID = item.Price.ID
		if item.CurrentPeriodStart > 0 {
			start := time.Unix(item.CurrentPeriodStart, 0).UTC()
			sub.CurrentPeriodStart = &start
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			sub.CurrentPeriodEnd = &end
		}
		// The price is authoritative for the tier when it is one we sell;
		// metadata covers sessions created before the price mapping existed.
		if tier, ok := h.prices.TierFor(item.Price.ID); ok {
			sub.Tier = string(tier)
		}
	}
	return sub, nil
}

func invoiceSubscriptionID(obj *invoiceEventObject) string {
	if obj.Subscription != "" {
		return obj.Subscription
	}
	for _, line := range obj.Lines.Data {
		if line.Subscription != "" {
			return line.Subscription
		}
		if line.Parent != nil && line.Parent.SubscriptionItemDetails != nil &&
			line.Parent.SubscriptionItemDetails.Subscription != "" {
			return line.Parent.SubscriptionItemDetails.Subscription
		}
	}
	return ""
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
