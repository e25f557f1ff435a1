package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crewdeck/crewdeck/internal/metrics"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	maxWebhookBody = 1 << 20
	// Deliveries older than this are rejected to limit replay windows.
	signatureTolerance = 5 * time.Minute
)

// WebhookHandler syncs identity provider events (users, organizations,
// memberships) into the local database. Deliveries are authenticated with
// the svix signing scheme the provider uses: HMAC-SHA256 over
// "{id}.{timestamp}.{payload}" with a whsec_-prefixed base64 secret.
type WebhookHandler struct {
	store  *store.Store
	secret []byte

	now func() time.Time
}

// NewWebhookHandler creates an identity webhook handler. An invalid or
// empty secret leaves the handler rejecting every delivery.
func NewWebhookHandler(st *store.Store, secret string) *WebhookHandler {
	key, err := decodeSigningSecret(secret)
	if err != nil {
		log.Error().Err(err).Msg("Invalid identity webhook secret; deliveries will be rejected")
		key = nil
	}
	return &WebhookHandler{store: st, secret: key, now: time.Now}
}

func decodeSigningSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty webhook secret")
	}
	raw := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return key, nil
}

// webhookEvent is the envelope the identity provider posts.
type webhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type userEventData struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	ImageURL       string `json:"image_url"`
	EmailAddresses []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
}

type organizationEventData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type membershipEventData struct {
	Role         string `json:"role"`
	Organization struct {
		ID string `json:"id"`
	} `json:"organization"`
	PublicUserData struct {
		UserID string `json:"user_id"`
	} `json:"public_user_data"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(h.secret) == 0 {
		http.Error(w, "webhook not configured", http.StatusInternalServerError)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.verifySignature(r.Header, payload); err != nil {
		log.Warn().Err(err).Msg("Identity webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	log.Info().Str("event_type", event.Type).Msg("Processing identity webhook event")
	if err := h.dispatch(event); err != nil {
		metrics.IdentityEventsTotal.WithLabelValues(event.Type, "error").Inc()
		log.Error().Err(err).Str("event_type", event.Type).Msg("Failed to process identity event")
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	metrics.IdentityEventsTotal.WithLabelValues(event.Type, "ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"received":true}`)
}

// verifySignature checks the svix headers: the signed content is
// "{svix-id}.{svix-timestamp}.{body}", and svix-signature carries one or
// more space-separated "v1,<base64>" entries.
func (h *WebhookHandler) verifySignature(header http.Header, payload []byte) error {
	msgID := header.Get("svix-id")
	timestamp := header.Get("svix-timestamp")
	signatures := header.Get("svix-signature")
	if msgID == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("missing svix headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	age := h.now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, h.secret)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, sig := range strings.Fields(signatures) {
		version, value, found := strings.Cut(sig, ",")
		if !found || version != "v1" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(expected)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}

func (h *WebhookHandler) dispatch(event webhookEvent) error {
	switch event.Type {
	case "user.created", "user.updated":
		return h.syncUser(event.Data)
	case "user.deleted":
		return h.deleteUser(event.Data)
	case "organization.created", "organization.updated":
		return h.syncOrganization(event.Data)
	case "organization.deleted":
		return h.deleteOrganization(event.Data)
	case "organizationMembership.created", "organizationMembership.updated":
		return h.syncMembership(event.Data)
	case "organizationMembership.deleted":
		return h.deleteMembership(event.Data)
	default:
		log.Debug().Str("event_type", event.Type).Msg("Ignoring unhandled identity event type")
		return nil
	}
}

// syncUser creates or updates the local mirror of a provider user.
func (h *WebhookHandler) syncUser(raw json.RawMessage) error {
	var data userEventData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode user event: %w", err)
	}
	if data.ID == "" {
		return fmt.Errorf("user event missing id")
	}

	existing, err := h.store.GetUserByClerkID(data.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		id, err := store.GenerateUserID()
		if err != nil {
			return err
		}
		return h.store.CreateUser(&store.User{
			ID:          id,
			ClerkUserID: data.ID,
			Email:       primaryEmail(&data),
			Name:        fullName(&data),
			ImageURL:    data.ImageURL,
		})
	}

	existing.Email = primaryEmail(&data)
	existing.Name = fullName(&data)
	existing.ImageURL = data.ImageURL
	existing.DeletedAt = nil
	return h.store.UpdateUser(existing)
}

func (h *WebhookHandler) deleteUser(raw json.RawMessage) error {
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode user deletion: %w", err)
	}
	existing, err := h.store.GetUserByClerkID(data.ID)
	if err != nil || existing == nil {
		return err
	}
	return h.store.SoftDeleteUser(existing.ID)
}

func (h *WebhookHandler) syncOrganization(raw json.RawMessage) error {
	var data organizationEventData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode organization event: %w", err)
	}
	if data.ID == "" {
		return fmt.Errorf("organization event missing id")
	}

	existing, err := h.store.GetOrganizationByClerkID(data.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		id, err := store.GenerateOrgID()
		if err != nil {
			return err
		}
		return h.store.CreateOrganization(&store.Organization{
			ID:         id,
			ClerkOrgID: data.ID,
			Name:       data.Name,
			Slug:       data.Slug,
		})
	}

	existing.Name = data.Name
	existing.Slug = data.Slug
	existing.DeletedAt = nil
	return h.store.UpdateOrganization(existing)
}

func (h *WebhookHandler) deleteOrganization(raw json.RawMessage) error {
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode organization deletion: %w", err)
	}
	existing, err := h.store.GetOrganizationByClerkID(data.ID)
	if err != nil || existing == nil {
		return err
	}
	return h.store.SoftDeleteOrganization(existing.ID)
}

// syncMembership links a mirrored user to a mirrored organization. Events
// arriving before the user or organization sync are dropped; the provider
// retries failed deliveries, and a later user/organization event followed
// by the retry converges.
func (h *WebhookHandler) syncMembership(raw json.RawMessage) error {
	var data membershipEventData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode membership event: %w", err)
	}

	org, user, err := h.resolveMembership(&data)
	if err != nil {
		return err
	}
	if org == nil || user == nil {
		log.Warn().
			Str("clerk_org_id", data.Organization.ID).
			Str("clerk_user_id", data.PublicUserData.UserID).
			Msg("Membership event references unsynced user or organization; dropping")
		return nil
	}

	role := store.MemberRoleMember
	if strings.Contains(data.Role, "admin") {
		role = store.MemberRoleAdmin
	}
	return h.store.UpsertMembership(&store.Membership{
		OrgID:  org.ID,
		UserID: user.ID,
		Role:   role,
	})
}

func (h *WebhookHandler) deleteMembership(raw json.RawMessage) error {
	var data membershipEventData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode membership deletion: %w", err)
	}
	org, user, err := h.resolveMembership(&data)
	if err != nil || org == nil || user == nil {
		return err
	}
	return h.store.DeleteMembership(org.ID, user.ID)
}

func (h *WebhookHandler) resolveMembership(data *membershipEventData) (*store.Organization, *store.User, error) {
	org, err := h.store.GetOrganizationByClerkID(data.Organization.ID)
	if err != nil {
		return nil, nil, err
	}
	user, err := h.store.GetUserByClerkID(data.PublicUserData.UserID)
	if err != nil {
		return nil, nil, err
	}
	return org, user, nil
}

func primaryEmail(data *userEventData) string {
	for _, addr := range data.EmailAddresses {
		if addr.ID == data.PrimaryEmailAddressID {
			return addr.EmailAddress
		}
	}
	if len(data.EmailAddresses) > 0 {
		return data.EmailAddresses[0].EmailAddress
	}
	return ""
}

func fullName(data *userEventData) string {
	return strings.TrimSpace(data.FirstName + " " + data.LastName)
}
