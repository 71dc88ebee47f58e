package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = `id, email, display_name, password_hash, role, google_id, profile_image_url,
	legacy_user_id, last_login, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                         User
		email, googleID, legacyID sql.NullString
		lastLogin                 sql.NullInt64
		created, updated          int64
	)
	err := row.Scan(&u.ID, &email, &u.DisplayName, &u.PasswordHash, &u.Role, &googleID,
		&u.ProfileImageURL, &legacyID, &lastLogin, &created, &updated)
	if err != nil {
		return nil, mapErr(err)
	}
	u.Email, u.GoogleID, u.LegacyUserID = email.String, googleID.String, legacyID.String
	if lastLogin.Valid {
		t := fromMillis(lastLogin.Int64)
		u.LastLogin = &t
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) insertUser(ctx context.Context, q queryer, u User) (*User, error) {
	if u.Role == "" {
		u.Role = RoleUser
	}
	if !u.Role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalid, u.Role)
	}
	u.Email = NormalizeEmail(u.Email)
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	u.ID = newID()
	now := s.stamp()
	_, err := q.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, nullable(u.Email), u.DisplayName, u.PasswordHash, string(u.Role), nullable(u.GoogleID),
		u.ProfileImageURL, nullable(u.LegacyUserID), nil, now, now)
	if err != nil {
		return nil, mapErr(err)
	}
	u.CreatedAt, u.UpdatedAt = fromMillis(now), fromMillis(now)
	return &u, nil
}

// CreateUser inserts a user. Duplicate emails, Google ids or legacy ids
// return ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u User) (*User, error) {
	return s.insertUser(ctx, s.db, u)
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// FindUserByEmail looks a user up by normalized email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, NormalizeEmail(email)))
}

// FindUserByGoogleID looks a user up by Google subject id.
func (s *Store) FindUserByGoogleID(ctx context.Context, googleID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE google_id = ?`, googleID))
}

// FindOrCreateByLegacyID returns the citizen user with legacyID, creating
// one with role user when absent.
func (s *Store) FindOrCreateByLegacyID(ctx context.Context, legacyID, displayName, imageURL string) (*User, error) {
	if strings.TrimSpace(legacyID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	var out *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE legacy_user_id = ?`, legacyID))
		if err == nil {
			out = u
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		out, err = s.insertUser(ctx, tx, User{
			LegacyUserID:    legacyID,
			DisplayName:     displayName,
			ProfileImageURL: imageURL,
			Role:            RoleUser,
		})
		return err
	})
	return out, err
}

// GoogleProfile is the identity returned by Google sign-in.
type GoogleProfile struct {
	GoogleID    string
	Email       string
	DisplayName string
	ImageURL    string
}

// FindOrCreateByGoogle resolves a Google identity to a user. It matches on
// Google id, then links an existing account with the same email, and
// otherwise creates a user. The first user ever created gets firstRole,
// later ones newRole. passwordHash seeds created accounts.
func (s *Store) FindOrCreateByGoogle(ctx context.Context, p GoogleProfile, firstRole, newRole Role, passwordHash string) (*User, error) {
	if p.GoogleID == "" {
		return nil, fmt.Errorf("%w: google id is required", ErrInvalid)
	}
	var out *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE google_id = ?`, p.GoogleID))
		if err == nil {
			out = u
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		if email := NormalizeEmail(p.Email); email != "" {
			u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
			switch {
			case err == nil:
				image := u.ProfileImageURL
				if image == "" {
					image = p.ImageURL
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE users SET google_id = ?, profile_image_url = ?, updated_at = ? WHERE id = ?`,
					p.GoogleID, image, s.stamp(), u.ID); err != nil {
					return mapErr(err)
				}
				u.GoogleID, u.ProfileImageURL = p.GoogleID, image
				out = u
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
			return fmt.Errorf("store: count users: %w", err)
		}
		role := newRole
		if count == 0 {
			role = firstRole
		}
		out, err = s.insertUser(ctx, tx, User{
			Email:           p.Email,
			DisplayName:     p.DisplayName,
			ProfileImageURL: p.ImageURL,
			GoogleID:        p.GoogleID,
			PasswordHash:    passwordHash,
			Role:            role,
		})
		return err
	})
	return out, err
}

// CreateUserIfNone inserts u only while no user holds any of roles. The
// check and the insert share one transaction. It returns ErrExists when
// such a user is already present.
func (s *Store) CreateUserIfNone(ctx context.Context, u User, roles ...Role) (*User, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrInvalid)
	}
	args := make([]any, len(roles))
	for i, r := range roles {
		args[i] = string(r)
	}
	var out *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE role IN (`+placeholders(len(roles))+`)`, args...).Scan(&n); err != nil {
			return fmt.Errorf("store: count users: %w", err)
		}
		if n > 0 {
			return ErrExists
		}
		var err error
		out, err = s.insertUser(ctx, tx, u)
		return err
	})
	return out, err
}

// CountUsers counts users holding any of roles; no roles counts everyone.
func (s *Store) CountUsers(ctx context.Context, roles ...Role) (int, error) {
	q := `SELECT COUNT(*) FROM users`
	args := make([]any, len(roles))
	for i, r := range roles {
		args[i] = string(r)
	}
	if len(roles) > 0 {
		q += ` WHERE role IN (` + placeholders(len(roles)) + `)`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// TouchLastLogin records a successful sign-in.
func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("store: touch last login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserProfile changes display name and role.
func (s *Store) UpdateUserProfile(ctx context.Context, id, displayName string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalid, role)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET display_name = ?, role = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(displayName), string(role), s.stamp(), id)
	if err != nil {
		return nil, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, id)
}
