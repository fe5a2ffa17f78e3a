package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente/identity-core/internal/corestore"
)

func (s *Store) CreateUser(ctx context.Context, u *corestore.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, realm, email, phone, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		toUUID(u.ID), u.Realm, toTextPtr(u.Email), toTextPtr(u.Phone), u.PasswordHash,
		string(u.Status), toTime(u.CreatedAt), toTime(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	for _, role := range u.Roles {
		if err := s.AssignRole(ctx, u.Realm, u.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanUser(ctx context.Context, row pgx.Row, realm string, id uuid.UUID) (*corestore.User, error) {
	var u corestore.User
	var pgID pgtype.UUID
	var email, phone pgtype.Text
	var status string
	var createdAt, updatedAt pgtype.Timestamptz

	if err := row.Scan(&pgID, &u.Realm, &email, &phone, &u.PasswordHash, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = fromUUID(pgID)
	u.Email = fromTextPtr(email)
	u.Phone = fromTextPtr(phone)
	u.Status = corestore.UserStatus(status)
	u.CreatedAt = createdAt.Time.UTC()
	u.UpdatedAt = updatedAt.Time.UTC()

	roles, err := s.listRolesForUser(ctx, realm, id)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, realm string, id uuid.UUID) (*corestore.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, realm, email, phone, password_hash, status, created_at, updated_at
		FROM users WHERE realm = $1 AND id = $2`, realm, toUUID(id))
	return s.scanUser(ctx, row, realm, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, realm string, email string) (*corestore.User, error) {
	var pgID pgtype.UUID
	row := s.db.QueryRow(ctx, `SELECT id FROM users WHERE realm = $1 AND email = $2`, realm, email)
	if err := row.Scan(&pgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}
	return s.GetUserByID(ctx, realm, fromUUID(pgID))
}

func (s *Store) GetUserByPhone(ctx context.Context, realm string, phone string) (*corestore.User, error) {
	var pgID pgtype.UUID
	row := s.db.QueryRow(ctx, `SELECT id FROM users WHERE realm = $1 AND phone = $2`, realm, phone)
	if err := row.Scan(&pgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("lookup user by phone: %w", err)
	}
	return s.GetUserByID(ctx, realm, fromUUID(pgID))
}

func (s *Store) UpdateUser(ctx context.Context, u *corestore.User) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET email=$1, phone=$2, password_hash=$3, status=$4, updated_at=$5
		WHERE id=$6 AND realm=$7`,
		toTextPtr(u.Email), toTextPtr(u.Phone), u.PasswordHash, string(u.Status), toTime(u.UpdatedAt),
		toUUID(u.ID), u.Realm)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, realm string, id uuid.UUID) error {
	// Cascades: tokens, sessions, lockouts, mfa state, roles all FK ON DELETE CASCADE.
	_, err := s.db.Exec(ctx, `DELETE FROM users WHERE realm=$1 AND id=$2`, realm, toUUID(id))
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Store) AssignRole(ctx context.Context, realm string, userID uuid.UUID, role string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_roles (realm, user_id, role_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (realm, user_id, role_name) DO NOTHING`,
		realm, toUUID(userID), role)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, realm string, userID uuid.UUID, role string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM user_roles WHERE realm=$1 AND user_id=$2 AND role_name=$3`,
		realm, toUUID(userID), role)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	return nil
}

func (s *Store) listRolesForUser(ctx context.Context, realm string, userID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT role_name FROM user_roles WHERE realm=$1 AND user_id=$2 ORDER BY role_name`,
		realm, toUUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, r *corestore.Role) error {
	_, err := s.db.Exec(ctx, `INSERT INTO roles (realm, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, r.Realm, r.Name)
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

func (s *Store) ListRoles(ctx context.Context, realm string) ([]corestore.Role, error) {
	rows, err := s.db.Query(ctx, `SELECT realm, name FROM roles WHERE realm=$1 ORDER BY name`, realm)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []corestore.Role
	for rows.Next() {
		var r corestore.Role
		if err := rows.Scan(&r.Realm, &r.Name); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) DeleteRole(ctx context.Context, realm string, name string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM roles WHERE realm=$1 AND name=$2`, realm, name)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return nil
}
