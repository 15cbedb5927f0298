package tokenkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryTokenStore is an in-memory TokenStore intended for tests and dev.
// The mutex makes each operation atomic, so the one-record-per-user and
// one-record-per-realm invariants hold under concurrent writers.
type MemoryTokenStore struct {
	mutex       sync.Mutex
	byUser      map[string]*TokenRecord
	realmOwners map[string]string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		byUser:      make(map[string]*TokenRecord),
		realmOwners: make(map[string]string),
	}
}

// Store persists a new active record, evicting the user's prior record and
// any other user's record for the same realm.
func (store *MemoryTokenStore) Store(ctx context.Context, record TokenRecord) error {
	if err := validateRecord(record); err != nil {
		return fmt.Errorf("token_store.memory.store: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.evictUserLocked(record.UserID)
	if previousOwner, ok := store.realmOwners[record.RealmID]; ok {
		store.evictUserLocked(previousOwner)
	}

	stored := record
	store.byUser[record.UserID] = &stored
	store.realmOwners[record.RealmID] = record.UserID
	return nil
}

// Get returns a copy of the user's active record.
func (store *MemoryTokenStore) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_store.memory.get: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("token_store.memory.get: %w", ErrTokenRecordNotFound)
	}
	copied := *record
	return &copied, nil
}

// Update merges rotated fields into the existing record.
func (store *MemoryTokenStore) Update(ctx context.Context, userID string, update TokenUpdate) (*TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_store.memory.update: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("token_store.memory.update: %w", ErrTokenRecordNotFound)
	}
	applyUpdate(record, update)
	copied := *record
	return &copied, nil
}

// Delete removes the user's record. Idempotent.
func (store *MemoryTokenStore) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("token_store.memory.delete: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.evictUserLocked(userID)
	return nil
}

func (store *MemoryTokenStore) evictUserLocked(userID string) {
	record, ok := store.byUser[userID]
	if !ok {
		return
	}
	delete(store.byUser, userID)
	if store.realmOwners[record.RealmID] == userID {
		delete(store.realmOwners, record.RealmID)
	}
}

func validateRecord(record TokenRecord) error {
	if strings.TrimSpace(record.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(record.RealmID) == "" {
		return ErrEmptyRealmID
	}
	if strings.TrimSpace(record.AccessToken) == "" {
		return ErrEmptyAccessToken
	}
	return nil
}

func applyUpdate(record *TokenRecord, update TokenUpdate) {
	if update.AccessToken != "" {
		record.AccessToken = update.AccessToken
	}
	if update.RefreshToken != "" {
		record.RefreshToken = update.RefreshToken
	}
	if update.TokenType != "" {
		record.TokenType = update.TokenType
	}
	if update.IssuedAtUnix != 0 {
		record.IssuedAtUnix = update.IssuedAtUnix
	}
	if update.ExpiresAtUnix != 0 {
		record.ExpiresAtUnix = update.ExpiresAtUnix
	}
}
