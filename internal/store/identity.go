package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateUser inserts a new user record.
func (s *Store) CreateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO users (id, clerk_user_id, email, name, image_url, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ClerkUserID, u.Email, u.Name, u.ImageURL,
		u.CreatedAt.Unix(), u.UpdatedAt.Unix(), nullableTimeUnix(u.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateUser modifies an existing user record.
func (s *Store) UpdateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	u.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE users SET clerk_user_id = ?, email = ?, name = ?, image_url = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		u.ClerkUserID, u.Email, u.Name, u.ImageURL,
		u.UpdatedAt.Unix(), nullableTimeUnix(u.DeletedAt), u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", u.ID)
	}
	return nil
}

// GetUser retrieves a user by local ID.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, clerk_user_id, email, name, image_url, created_at, updated_at, deleted_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByClerkID retrieves a user by the identity provider's user ID.
func (s *Store) GetUserByClerkID(clerkUserID string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, clerk_user_id, email, name, image_url, created_at, updated_at, deleted_at
		FROM users WHERE clerk_user_id = ?`, clerkUserID)
	return scanUser(row)
}

// SoftDeleteUser stamps deleted_at without removing the row, preserving
// referential history for tasks and subscriptions.
func (s *Store) SoftDeleteUser(id string) error {
	now := time.Now().UTC().Unix()
	res, err := s.db.Exec(`UPDATE users SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", id)
	}
	return nil
}

// CreateOrganization inserts a new organization record.
func (s *Store) CreateOrganization(o *Organization) error {
	if o == nil {
		return fmt.Errorf("organization is nil")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO organizations (id, clerk_org_id, name, slug, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ClerkOrgID, o.Name, o.Slug,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix(), nullableTimeUnix(o.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// UpdateOrganization modifies an existing organization record.
func (s *Store) UpdateOrganization(o *Organization) error {
	if o == nil {
		return fmt.Errorf("organization is nil")
	}
	o.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE organizations SET clerk_org_id = ?, name = ?, slug = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		o.ClerkOrgID, o.Name, o.Slug, o.UpdatedAt.Unix(), nullableTimeUnix(o.DeletedAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("organization %q not found", o.ID)
	}
	return nil
}

// GetOrganization retrieves an organization by local ID.
func (s *Store) GetOrganization(id string) (*Organization, error) {
	row := s.db.QueryRow(`SELECT id, clerk_org_id, name, slug, created_at, updated_at, deleted_at
		FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// GetOrganizationByClerkID retrieves an organization by the identity
// provider's organization ID.
func (s *Store) GetOrganizationByClerkID(clerkOrgID string) (*Organization, error) {
	row := s.db.QueryRow(`SELECT id, clerk_org_id, name, slug, created_at, updated_at, deleted_at
		FROM organizations WHERE clerk_org_id = ?`, clerkOrgID)
	return scanOrganization(row)
}

// SoftDeleteOrganization stamps deleted_at without removing the row.
func (s *Store) SoftDeleteOrganization(id string) error {
	now := time.Now().UTC().Unix()
	res, err := s.db.Exec(`UPDATE organizations SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete organization: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("organization %q not found", id)
	}
	return nil
}

// UpsertMembership creates or updates an org/user membership.
func (s *Store) UpsertMembership(m *Membership) error {
	if m == nil {
		return fmt.Errorf("membership is nil")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO memberships (org_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id, user_id) DO UPDATE SET role = excluded.role`,
		m.OrgID, m.UserID, string(m.Role), m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// GetMembership retrieves a membership, or nil if absent.
func (s *Store) GetMembership(orgID, userID string) (*Membership, error) {
	row := s.db.QueryRow(`SELECT org_id, user_id, role, created_at
		FROM memberships WHERE org_id = ? AND user_id = ?`, orgID, userID)

	var m Membership
	var role string
	var createdAt int64
	if err := row.Scan(&m.OrgID, &m.UserID, &role, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan membership: %w", err)
	}
	m.Role = MemberRole(role)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &m, nil
}

// DeleteMembership removes a membership row.
func (s *Store) DeleteMembership(orgID, userID string) error {
	_, err := s.db.Exec(`DELETE FROM memberships WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

// ListMemberships returns all memberships for an organization.
func (s *Store) ListMemberships(orgID string) ([]*Membership, error) {
	rows, err := s.db.Query(`SELECT org_id, user_id, role, created_at
		FROM memberships WHERE org_id = ? ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		var role string
		var createdAt int64
		if err := rows.Scan(&m.OrgID, &m.UserID, &role, &createdAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Role = MemberRole(role)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanUser(s scanner) (*User, error) {
	var u User
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := s.Scan(&u.ID, &u.ClerkUserID, &u.Email, &u.Name, &u.ImageURL, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	u.DeletedAt = nullableUnixTime(deletedAt)
	return &u, nil
}

func scanOrganization(s scanner) (*Organization, error) {
	var o Organization
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := s.Scan(&o.ID, &o.ClerkOrgID, &o.Name, &o.Slug, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	o.DeletedAt = nullableUnixTime(deletedAt)
	return &o, nil
}
