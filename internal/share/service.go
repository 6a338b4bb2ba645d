// Package share issues and redeems time-limited numeric share tokens.
package share

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/db"
	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/metrics"
)

// TokenStore persists share tokens. Insert reports a taken token id as db.ErrConflict.
type TokenStore interface {
	Insert(ctx context.Context, token *domain.ShareToken) error
	FindByID(ctx context.Context, tokenID int64) (*domain.ShareToken, error)
	Delete(ctx context.Context, tokenID int64) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MediaLookup resolves the record a token points at
type MediaLookup interface {
	FindByID(ctx context.Context, id int64) (*domain.MediaRecord, error)
}

// Options configures a Service
type Options struct {
	Digits      int
	MaxAttempts int
	// Now overrides the clock; defaults to time.Now
	Now func() time.Time
}

// Service is the access token service
type Service struct {
	tokens      TokenStore
	media       MediaLookup
	generator   *TokenGenerator
	generate    func() (int64, error)
	maxAttempts int
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewService creates a new token service
func NewService(tokens TokenStore, media MediaLookup, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if opts.Digits == 0 {
		opts.Digits = DefaultDigits
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	generator, err := NewTokenGenerator(opts.Digits)
	if err != nil {
		return nil, err
	}

	return &Service{
		tokens:      tokens,
		media:       media,
		generator:   generator,
		generate:    generator.Generate,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		logger:      logger.With(zap.String("component", "share")),
		metrics:     m,
	}, nil
}

// ParseTokenID validates the textual form of a token before any lookup
func (s *Service) ParseTokenID(raw string) (int64, error) {
	return s.generator.Parse(raw)
}

// Issue creates a token granting access to mediaID for ttl
func (s *Service) Issue(ctx context.Context, mediaID int64, ttl time.Duration) (*domain.ShareToken, error) {
	if mediaID <= 0 {
		return nil, domain.Validationf("video id must be positive")
	}
	if ttl <= 0 {
		return nil, domain.Validationf("expiry must be positive")
	}

	if _, err := s.media.FindByID(ctx, mediaID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, domain.NotFoundf("video %d not found", mediaID).WithDetails("videoId", mediaID)
		}
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		tokenID, err := s.generate()
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		token := &domain.ShareToken{
			TokenID:   tokenID,
			MediaID:   mediaID,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}

		err = s.tokens.Insert(ctx, token)
		if errors.Is(err, db.ErrConflict) {
			s.logger.Debug("share token collision, re-rolling", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.IncrementTokensIssued()
		s.logger.Info("share token issued",
			zap.Int64("media_id", mediaID),
			zap.Time("expires_at", token.ExpiresAt),
		)
		return token, nil
	}

	return nil, domain.ExecutionFailuref("failed to issue unique share token after %d attempts", s.maxAttempts)
}

// Redeem returns the record behind a valid token. Expired tokens are deleted on sight;
// valid ones stay usable until they expire.
func (s *Service) Redeem(ctx context.Context, tokenID int64) (*domain.MediaRecord, error) {
	token, err := s.tokens.FindByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.metrics.IncrementRedemptions("not_found")
			return nil, domain.NotFoundf("share link not found")
		}
		return nil, err
	}
	if token.Malformed() {
		s.metrics.IncrementRedemptions("not_found")
		s.logger.Warn("malformed share token", zap.Int64("token_id", tokenID))
		return nil, domain.NotFoundf("share link not found")
	}

	if token.ExpiredAt(s.now()) {
		expired := domain.Expiredf("share link has expired").
			WithDetails("expiredAt", token.ExpiresAt)
		if err := s.tokens.Delete(ctx, tokenID); err != nil {
			s.logger.Error("failed to delete expired share token", zap.Error(err))
			expired = expired.Wrap(err)
		}
		s.metrics.IncrementRedemptions("expired")
		return nil, expired
	}

	record, err := s.media.FindByID(ctx, token.MediaID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.metrics.IncrementRedemptions("not_found")
			return nil, domain.NotFoundf("shared video not found")
		}
		return nil, err
	}

	s.metrics.IncrementRedemptions("ok")
	return record, nil
}

// Revoke deletes a token; revoking an unknown token succeeds
func (s *Service) Revoke(ctx context.Context, tokenID int64) error {
	if err := s.tokens.Delete(ctx, tokenID); err != nil {
		return err
	}
	s.logger.Info("share token revoked", zap.Int64("token_id", tokenID))
	return nil
}

// PurgeExpired removes every expired token
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.AddTokensPurged(float64(n))
	return n, nil
}
