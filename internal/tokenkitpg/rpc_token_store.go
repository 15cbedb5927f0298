package tokenkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerpulse/ledgerlink/internal/tokenkit"
)

// ErrRPCFailure indicates the RPC function reported success=false for a
// reason other than a missing record.
var ErrRPCFailure = errors.New("token_store.rpc.failure")

// RPCTokenStore implements tokenkit.TokenStore on top of the Postgres RPC
// functions installed by EnsureSchema. This mirrors a managed-Postgres
// deployment where the row store is only reachable through its RPC surface
// and every function runs as one atomic transaction.
type RPCTokenStore struct {
	pool *pgxpool.Pool
}

// NewRPCTokenStore constructs the RPC-backed store.
func NewRPCTokenStore(pool *pgxpool.Pool) *RPCTokenStore {
	return &RPCTokenStore{pool: pool}
}

// Store calls store_token, which supersedes same-user and same-realm rows
// and inserts the new record in one transaction.
func (store *RPCTokenStore) Store(ctx context.Context, record tokenkit.TokenRecord) error {
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("token_store.rpc.store: %w", tokenkit.ErrEmptyUserID)
	}
	if strings.TrimSpace(record.RealmID) == "" {
		return fmt.Errorf("token_store.rpc.store: %w", tokenkit.ErrEmptyRealmID)
	}
	var success bool
	var message string
	row := store.pool.QueryRow(ctx, `
SELECT success, message FROM store_token($1, $2, $3, $4, $5, $6, $7)
`, record.UserID, record.RealmID, record.AccessToken, record.RefreshToken, record.TokenType, record.IssuedAtUnix, record.ExpiresAtUnix)
	if scanErr := row.Scan(&success, &message); scanErr != nil {
		return fmt.Errorf("token_store.rpc.store: %w", scanErr)
	}
	if !success {
		return fmt.Errorf("token_store.rpc.store: %w: %s", ErrRPCFailure, message)
	}
	return nil
}

// Get calls get_token and maps an empty result to ErrTokenRecordNotFound.
func (store *RPCTokenStore) Get(ctx context.Context, userID string) (*tokenkit.TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_store.rpc.get: %w", tokenkit.ErrEmptyUserID)
	}
	var record tokenkit.TokenRecord
	row := store.pool.QueryRow(ctx, `
SELECT user_id, realm_id, access_token, refresh_token, token_type, issued_at_unix, expires_at_unix
FROM get_token($1)
`, userID)
	scanErr := row.Scan(&record.UserID, &record.RealmID, &record.AccessToken, &record.RefreshToken, &record.TokenType, &record.IssuedAtUnix, &record.ExpiresAtUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token_store.rpc.get: %w", tokenkit.ErrTokenRecordNotFound)
		}
		return nil, fmt.Errorf("token_store.rpc.get: %w", scanErr)
	}
	return &record, nil
}

// Update calls update_token; a success=false envelope means no active
// record exists for the user.
func (store *RPCTokenStore) Update(ctx context.Context, userID string, update tokenkit.TokenUpdate) (*tokenkit.TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_store.rpc.update: %w", tokenkit.ErrEmptyUserID)
	}
	var success bool
	var message string
	row := store.pool.QueryRow(ctx, `
SELECT success, message FROM update_token($1, $2, $3, $4, $5, $6)
`, userID, update.AccessToken, update.RefreshToken, update.TokenType, update.IssuedAtUnix, update.ExpiresAtUnix)
	if scanErr := row.Scan(&success, &message); scanErr != nil {
		return nil, fmt.Errorf("token_store.rpc.update: %w", scanErr)
	}
	if !success {
		if message == "not_found" {
			return nil, fmt.Errorf("token_store.rpc.update: %w", tokenkit.ErrTokenRecordNotFound)
		}
		return nil, fmt.Errorf("token_store.rpc.update: %w: %s", ErrRPCFailure, message)
	}
	return store.Get(ctx, userID)
}

// Delete calls delete_tokens. Idempotent.
func (store *RPCTokenStore) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("token_store.rpc.delete: %w", tokenkit.ErrEmptyUserID)
	}
	var success bool
	var message string
	row := store.pool.QueryRow(ctx, `
SELECT success, message FROM delete_tokens($1)
`, userID)
	if scanErr := row.Scan(&success, &message); scanErr != nil {
		return fmt.Errorf("token_store.rpc.delete: %w", scanErr)
	}
	if !success {
		return fmt.Errorf("token_store.rpc.delete: %w: %s", ErrRPCFailure, message)
	}
	return nil
}
