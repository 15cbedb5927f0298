package tokenkit

import "time"

// TokenRecord is the active QuickBooks credential set for one user. QBO
// allows a single admin token per realm, so at most one record exists per
// user and per realm at any time.
type TokenRecord struct {
	UserID        string
	RealmID       string
	AccessToken   string
	RefreshToken  string
	TokenType     string
	IssuedAtUnix  int64
	ExpiresAtUnix int64
}

// IssuedAt returns the issue timestamp.
func (record *TokenRecord) IssuedAt() time.Time {
	return time.Unix(record.IssuedAtUnix, 0).UTC()
}

// ExpiresAt returns the absolute expiry timestamp.
func (record *TokenRecord) ExpiresAt() time.Time {
	return time.Unix(record.ExpiresAtUnix, 0).UTC()
}

// IsExpired reports whether the access token is past its expiry at the
// given instant. Expiry is inclusive: a token expiring exactly now is dead.
func (record *TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(record.ExpiresAt())
}

// IsNearExpiry reports whether the access token expires within the given
// lead time. An expired token is always near expiry for any non-negative
// threshold, so proactive and reactive checks compose.
func (record *TokenRecord) IsNearExpiry(now time.Time, threshold time.Duration) bool {
	return record.ExpiresAt().Sub(now) <= threshold
}
