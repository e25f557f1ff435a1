package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// MemberRole is a user's role inside an organization.
type MemberRole string

const (
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

// User mirrors an identity-provider user into the local database.
type User struct {
	ID          string     `json:"id"`
	ClerkUserID string     `json:"clerk_user_id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	ImageURL    string     `json:"image_url"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Organization mirrors an identity-provider organization.
type Organization struct {
	ID         string     `json:"id"`
	ClerkOrgID string     `json:"clerk_org_id"`
	Name       string     `json:"name"`
	Slug       string     `json:"slug"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Membership links a user to an organization with a role.
type Membership struct {
	OrgID     string     `json:"org_id"`
	UserID    string     `json:"user_id"`
	Role      MemberRole `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

// SubscriptionType distinguishes personal from organization subscriptions.
type SubscriptionType string

const (
	SubscriptionTypePersonal     SubscriptionType = "personal"
	SubscriptionTypeOrganization SubscriptionType = "organization"
)

// Subscription is the local mirror of a Stripe subscription. The most
// recently created row per user is authoritative; a free-tier user has no
// rows at all.
type Subscription struct {
	ID                     string           `json:"id"`
	UserID                 string           `json:"user_id"`
	OrgID                  string           `json:"org_id,omitempty"`
	Type                   SubscriptionType `json:"type"`
	StripeSubscriptionID   string           `json:"stripe_subscription_id,omitempty"`
	StripeCustomerID       string           `json:"stripe_customer_id,omitempty"`
	StripePriceID          string           `json:"stripe_price_id,omitempty"`
	Status                 string           `json:"status"`
	Tier                   string           `json:"tier"`
	CurrentPeriodStart     *time.Time       `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time       `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool             `json:"cancel_at_period_end"`
	ScheduledDowngradeTier string           `json:"scheduled_downgrade_tier,omitempty"`
	CanceledAt             *time.Time       `json:"canceled_at,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// BillingIntent records the first step of the cancel-before-create saga so
// a crash between the remote cancel and the local write is recoverable.
type BillingIntent struct {
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	Kind                 string    `json:"kind"`
	CreatedAt            time.Time `json:"created_at"`
}

// IntentKindCancelBeforeCreate marks the old subscription that is being
// replaced by a newly created one.
const IntentKindCancelBeforeCreate = "cancel_before_create"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

// TaskPriority orders tasks by urgency.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

// Task is an organization-scoped work item.
type Task struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	CreatorID   string       `json:"creator_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusShipped  OrderStatus = "shipped"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order is an organization-scoped sales record.
type Order struct {
	ID           string      `json:"id"`
	OrgID        string      `json:"org_id"`
	CreatorID    string      `json:"creator_id"`
	CustomerName string      `json:"customer_name"`
	AmountCents  int64       `json:"amount_cents"`
	Currency     string      `json:"currency"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func generateID(prefix string) (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateUserID returns a user ID of the form "usr_" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateUserID() (string, error) { return generateID("usr_") }

// GenerateOrgID returns an organization ID of the form "org_" followed by 10
// random Crockford base32 characters.
func GenerateOrgID() (string, error) { return generateID("org_") }

// GenerateSubscriptionID returns a local subscription row ID of the form
// "subl_" followed by 10 random Crockford base32 characters. The prefix is
// deliberately distinct from Stripe's own "sub_" IDs.
func GenerateSubscriptionID() (string, error) { return generateID("subl_") }

// GenerateTaskID returns a task ID of the form "task_" followed by 10 random
// Crockford base32 characters.
func GenerateTaskID() (string, error) { return generateID("task_") }

// GenerateOrderID returns an order ID of the form "ord_" followed by 10
// random Crockford base32 characters.
func GenerateOrderID() (string, error) { return generateID("ord_") }
