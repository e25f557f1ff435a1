package store

import (
	"database/sql"
	"fmt"
	"time"
)

const subscriptionColumns = `id, user_id, org_id, type,
	stripe_subscription_id, stripe_customer_id, stripe_price_id,
	status, tier, current_period_start, current_period_end,
	cancel_at_period_end, scheduled_downgrade_tier, canceled_at,
	created_at, updated_at`

// CreateSubscription inserts a new subscription record.
func (s *Store) CreateSubscription(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO subscriptions (
			id, user_id, org_id, type,
			stripe_subscription_id, stripe_customer_id, stripe_price_id,
			status, tier, current_period_start, current_period_end,
			cancel_at_period_end, scheduled_downgrade_tier, canceled_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.OrgID, string(sub.Type),
		nullableString(sub.StripeSubscriptionID), sub.StripeCustomerID, sub.StripePriceID,
		sub.Status, sub.Tier, nullableTimeUnix(sub.CurrentPeriodStart), nullableTimeUnix(sub.CurrentPeriodEnd),
		boolToInt(sub.CancelAtPeriodEnd), sub.ScheduledDowngradeTier, nullableTimeUnix(sub.CanceledAt),
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// UpsertSubscriptionByStripeID inserts the record, or overwrites the
// existing row carrying the same Stripe subscription ID. Keying the upsert
// on the provider's ID makes webhook replays and the cancel-before-create
// saga crash-safe.
func (s *Store) UpsertSubscriptionByStripeID(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	if sub.StripeSubscriptionID == "" {
		return fmt.Errorf("subscription missing stripe subscription id")
	}

	existing, err := s.GetSubscriptionByStripeID(sub.StripeSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.CreateSubscription(sub)
	}
	sub.ID = existing.ID
	sub.CreatedAt = existing.CreatedAt
	return s.UpdateSubscription(sub)
}

// UpdateSubscription modifies an existing subscription record.
func (s *Store) UpdateSubscription(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	sub.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE subscriptions SET
			user_id = ?, org_id = ?, type = ?,
			stripe_subscription_id = ?, stripe_customer_id = ?, stripe_price_id = ?,
			status = ?, tier = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, scheduled_downgrade_tier = ?, canceled_at = ?,
			updated_at = ?
		WHERE id = ?`,
		sub.UserID, sub.OrgID, string(sub.Type),
		nullableString(sub.StripeSubscriptionID), sub.StripeCustomerID, sub.StripePriceID,
		sub.Status, sub.Tier, nullableTimeUnix(sub.CurrentPeriodStart), nullableTimeUnix(sub.CurrentPeriodEnd),
		boolToInt(sub.CancelAtPeriodEnd), sub.ScheduledDowngradeTier, nullableTimeUnix(sub.CanceledAt),
		sub.UpdatedAt.Unix(), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("subscription %q not found", sub.ID)
	}
	return nil
}

// TouchSubscription bumps updated_at without changing any other field, so
// reconciliation will not immediately reconsider a record it just checked.
func (s *Store) TouchSubscription(id string) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

// BackdateSubscription sets updated_at to an arbitrary time, making the
// record eligible for reconciliation sooner.
func (s *Store) BackdateSubscription(id string, updatedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET updated_at = ? WHERE id = ?`,
		updatedAt.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("backdate subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by local row ID.
func (s *Store) GetSubscription(id string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// GetSubscriptionByStripeID retrieves a subscription by Stripe subscription ID.
func (s *Store) GetSubscriptionByStripeID(stripeSubscriptionID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE stripe_subscription_id = ?`, stripeSubscriptionID)
	return scanSubscription(row)
}

// GetLatestSubscriptionByCustomerID returns the most recently created
// record for a Stripe customer, or nil. Schedule events carry only the
// customer, not the subscription ID.
func (s *Store) GetLatestSubscriptionByCustomerID(customerID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE stripe_customer_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, customerID)
	return scanSubscription(row)
}

// GetCurrentSubscription returns the most recently created subscription for
// the user, or nil if the user is on the free tier (no rows).
func (s *Store) GetCurrentSubscription(userID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, userID)
	return scanSubscription(row)
}

// GetActivePaidSubscription returns the user's most recent active paid
// record, or nil. Used to cancel the old subscription before a new one is
// created on upgrade.
func (s *Store) GetActivePaidSubscription(userID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND status = 'active'
			AND stripe_subscription_id IS NOT NULL AND stripe_subscription_id != ''
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, userID)
	return scanSubscription(row)
}

// ListStaleSubscriptions returns records not updated since the cutoff,
// oldest first, excluding rows with no Stripe subscription to check.
func (s *Store) ListStaleSubscriptions(cutoff time.Time) ([]*Subscription, error) {
	rows, err := s.db.Query(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE updated_at < ?
			AND stripe_subscription_id IS NOT NULL AND stripe_subscription_id != ''
		ORDER BY updated_at ASC`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list stale subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// PutBillingIntent records (or refreshes) a saga intent.
func (s *Store) PutBillingIntent(intent *BillingIntent) error {
	if intent == nil {
		return fmt.Errorf("intent is nil")
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO billing_intents (stripe_subscription_id, kind, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stripe_subscription_id) DO UPDATE SET kind = excluded.kind, created_at = excluded.created_at`,
		intent.StripeSubscriptionID, intent.Kind, intent.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put billing intent: %w", err)
	}
	return nil
}

// GetBillingIntent retrieves an intent, or nil if absent.
func (s *Store) GetBillingIntent(stripeSubscriptionID string) (*BillingIntent, error) {
	row := s.db.QueryRow(`SELECT stripe_subscription_id, kind, created_at
		FROM billing_intents WHERE stripe_subscription_id = ?`, stripeSubscriptionID)

	var bi BillingIntent
	var createdAt int64
	if err := row.Scan(&bi.StripeSubscriptionID, &bi.Kind, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan billing intent: %w", err)
	}
	bi.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &bi, nil
}

// DeleteBillingIntent removes a completed saga intent.
func (s *Store) DeleteBillingIntent(stripeSubscriptionID string) error {
	_, err := s.db.Exec(`DELETE FROM billing_intents WHERE stripe_subscription_id = ?`, stripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("delete billing intent: %w", err)
	}
	return nil
}

// ListBillingIntentsOlderThan returns intents created before the cutoff.
func (s *Store) ListBillingIntentsOlderThan(cutoff time.Time) ([]*BillingIntent, error) {
	rows, err := s.db.Query(`SELECT stripe_subscription_id, kind, created_at
		FROM billing_intents WHERE created_at < ? ORDER BY created_at ASC`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list billing intents: %w", err)
	}
	defer rows.Close()

	var out []*BillingIntent
	for rows.Next() {
		var bi BillingIntent
		var createdAt int64
		if err := rows.Scan(&bi.StripeSubscriptionID, &bi.Kind, &createdAt); err != nil {
			return nil, fmt.Errorf("scan billing intent: %w", err)
		}
		bi.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &bi)
	}
	return out, rows.Err()
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var subType string
	var stripeSubID sql.NullString
	var periodStart, periodEnd, canceledAt sql.NullInt64
	var cancelAtPeriodEnd int
	var createdAt, updatedAt int64

	err := sc.Scan(
		&sub.ID, &sub.UserID, &sub.OrgID, &subType,
		&stripeSubID, &sub.StripeCustomerID, &sub.StripePriceID,
		&sub.Status, &sub.Tier, &periodStart, &periodEnd,
		&cancelAtPeriodEnd, &sub.ScheduledDowngradeTier, &canceledAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Type = SubscriptionType(subType)
	if stripeSubID.Valid {
		sub.StripeSubscriptionID = stripeSubID.String
	}
	sub.CurrentPeriodStart = nullableUnixTime(periodStart)
	sub.CurrentPeriodEnd = nullableUnixTime(periodEnd)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.CanceledAt = nullableUnixTime(canceledAt)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
