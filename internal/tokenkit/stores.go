package tokenkit

import "context"

// TokenStore persists the active QuickBooks token record per user. All
// writes are atomic: callers never observe two active records for one realm
// or a half-applied refresh.
type TokenStore interface {
	// Store persists a new active record, superseding any prior record for
	// the same user and for the same realm in one atomic write.
	Store(ctx context.Context, record TokenRecord) error
	// Get returns the current active record, or ErrTokenRecordNotFound.
	// It does not validate expiry.
	Get(ctx context.Context, userID string) (*TokenRecord, error)
	// Update merges rotated fields into the existing active record and
	// returns the result. Fails with ErrTokenRecordNotFound when no record
	// exists; a refresh must never create a record out of thin air.
	Update(ctx context.Context, userID string, update TokenUpdate) (*TokenRecord, error)
	// Delete hard-removes all records for the user. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, userID string) error
}

// TokenUpdate carries the fields rotated by a successful refresh. An empty
// RefreshToken keeps the stored one; providers do not always rotate it.
type TokenUpdate struct {
	AccessToken   string
	RefreshToken  string
	TokenType     string
	IssuedAtUnix  int64
	ExpiresAtUnix int64
}
