package web

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStateNotFound indicates the supplied state was not issued or already consumed.
	ErrStateNotFound = errors.New("connect state not found")
	// ErrStateExpired indicates the state expired before the callback returned.
	ErrStateExpired = errors.New("connect state expired")
)

// ConnectStateStore issues one-time CSRF state values binding an authorize
// redirect to its callback.
type ConnectStateStore interface {
	// Issue creates a new state value for the user with the configured TTL.
	Issue(ctx context.Context, userID string) (string, error)
	// Consume validates and invalidates an issued state, returning the user
	// it was issued for.
	Consume(ctx context.Context, state string) (string, error)
}

type stateEntry struct {
	userID  string
	expires time.Time
}

type memoryConnectStateStore struct {
	mutex     sync.Mutex
	entries   map[string]stateEntry
	ttl       time.Duration
	now       func() time.Time
	tokenSize int
}

// NewMemoryConnectStateStore constructs an in-memory ConnectStateStore.
func NewMemoryConnectStateStore(ttl time.Duration) ConnectStateStore {
	return &memoryConnectStateStore{
		entries:   make(map[string]stateEntry),
		ttl:       ttl,
		now:       time.Now,
		tokenSize: 32,
	}
}

func (store *memoryConnectStateStore) Issue(ctx context.Context, userID string) (string, error) {
	state, err := store.randomState()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = stateEntry{userID: userID, expires: store.now().Add(store.ttl)}
	return state, nil
}

func (store *memoryConnectStateStore) Consume(ctx context.Context, state string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return "", ErrStateNotFound
	}
	delete(store.entries, state)
	if store.now().After(entry.expires) {
		store.purgeExpiredLocked()
		return "", ErrStateExpired
	}
	store.purgeExpiredLocked()
	return entry.userID, nil
}

func (store *memoryConnectStateStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for state, entry := range store.entries {
		if now.After(entry.expires) {
			delete(store.entries, state)
		}
	}
}

func (store *memoryConnectStateStore) randomState() (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
