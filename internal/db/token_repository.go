package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tvoe/clipshare/internal/domain"
)

// TokenRepository handles share token persistence
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Insert stores a token. A taken token id yields ErrConflict.
func (r *TokenRepository) Insert(ctx context.Context, token *domain.ShareToken) error {
	query := `
		INSERT INTO share_tokens (token_id, media_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		token.TokenID,
		token.MediaID,
		token.ExpiresAt,
		token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert share token: %w", classify(err))
	}

	return nil
}

// FindByID retrieves a token, expired or not
func (r *TokenRepository) FindByID(ctx context.Context, tokenID int64) (*domain.ShareToken, error) {
	query := `
		SELECT token_id, media_id, expires_at, created_at
		FROM share_tokens
		WHERE token_id = $1
	`

	var token domain.ShareToken
	err := r.db.Pool.QueryRow(ctx, query, tokenID).Scan(
		&token.TokenID,
		&token.MediaID,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		if err = classify(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share token: %w", err)
	}

	return &token, nil
}

// Delete removes a token; deleting an absent token is not an error
func (r *TokenRepository) Delete(ctx context.Context, tokenID int64) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM share_tokens WHERE token_id = $1`, tokenID); err != nil {
		return fmt.Errorf("failed to delete share token: %w", err)
	}
	return nil
}

// DeleteExpired removes every token whose deadline is before now
func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM share_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired share tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
