package domain

import "time"

// ShareToken is a time-bounded capability to read one media record without authentication
type ShareToken struct {
	TokenID   int64     `json:"tokenId" db:"token_id"`
	MediaID   int64     `json:"mediaId" db:"media_id"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Malformed reports whether a stored tuple is missing one of its required fields
func (t *ShareToken) Malformed() bool {
	return t == nil || t.TokenID <= 0 || t.MediaID <= 0 || t.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the token is past its deadline at the given instant.
// A token is still valid at exactly ExpiresAt.
func (t *ShareToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
