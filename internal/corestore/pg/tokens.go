package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente/identity-core/internal/corestore"
)

func (s *Store) InsertToken(ctx context.Context, t *corestore.StoredToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tokens (id, user_id, token_hash, type, revoked, created_at, expires_at,
			token_family, parent_token_id, first_used_at, last_used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		toUUID(t.ID), toUUID(t.UserID), t.TokenHash, string(t.Type), t.Revoked,
		toTime(t.CreatedAt), toTime(t.ExpiresAt), toUUID(t.TokenFamily),
		toUUIDPtr(t.ParentTokenID), toTimePtr(t.FirstUsedAt), toTimePtr(t.LastUsedAt))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func scanToken(row pgx.Row) (*corestore.StoredToken, error) {
	var t corestore.StoredToken
	var id, userID, family, parent pgtype.UUID
	var typ string
	var createdAt, expiresAt, firstUsed, lastUsed pgtype.Timestamptz

	err := row.Scan(&id, &userID, &t.TokenHash, &typ, &t.Revoked, &createdAt, &expiresAt,
		&family, &parent, &firstUsed, &lastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.ID = fromUUID(id)
	t.UserID = fromUUID(userID)
	t.Type = corestore.TokenType(typ)
	t.CreatedAt = createdAt.Time.UTC()
	t.ExpiresAt = expiresAt.Time.UTC()
	t.TokenFamily = fromUUID(family)
	t.ParentTokenID = fromUUIDPtr(parent)
	t.FirstUsedAt = fromTimePtr(firstUsed)
	t.LastUsedAt = fromTimePtr(lastUsed)
	return &t, nil
}

const tokenColumns = `id, user_id, token_hash, type, revoked, created_at, expires_at, token_family, parent_token_id, first_used_at, last_used_at`

func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*corestore.StoredToken, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_hash=$1`, tokenHash)
	return scanToken(row)
}

func (s *Store) MarkTokenUsed(ctx context.Context, id uuid.UUID, firstUsedAt, lastUsedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tokens SET first_used_at = COALESCE(first_used_at, $2), last_used_at = $3 WHERE id=$1`,
		toUUID(id), toTime(firstUsedAt), toTime(lastUsedAt))
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	return nil
}

func (s *Store) RevokeToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE tokens SET revoked = true WHERE id=$1`, toUUID(id))
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM tokens WHERE id=$1`, toUUID(id))
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (s *Store) RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE tokens SET revoked = true WHERE user_id=$1 AND revoked = false`, toUUID(userID))
	if err != nil {
		return fmt.Errorf("revoke all tokens for user: %w", err)
	}
	return nil
}

func (s *Store) RevokeTokenFamily(ctx context.Context, family uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE tokens SET revoked = true WHERE token_family=$1 AND revoked = false`, toUUID(family))
	if err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

func (s *Store) ListTokensInFamily(ctx context.Context, family uuid.UUID) ([]corestore.StoredToken, error) {
	rows, err := s.db.Query(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_family=$1 ORDER BY created_at`, toUUID(family))
	if err != nil {
		return nil, fmt.Errorf("list tokens in family: %w", err)
	}
	defer rows.Close()

	var out []corestore.StoredToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
