package tokenkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrReauthRequired signals that local credentials are gone or unrecoverable
// and the user must redo the OAuth authorization flow. Whenever a refresh
// resolves to this error the stored record has already been deleted, so a
// subsequent Get sees "never connected".
var ErrReauthRequired = errors.New("refresh.reauth_required")

// RefreshState tracks per-user in-flight refreshes and attempt counters.
// It is constructor-injected rather than package-global so tests and
// multi-tenant hosts get isolated registries. The state is process-local:
// across processes the store's atomic write is the real mutual exclusion,
// and this registry only collapses the thundering herd.
type RefreshState struct {
	mutex    sync.Mutex
	inflight map[string]*refreshCall
	attempts map[string]int
}

type refreshCall struct {
	done   chan struct{}
	record *TokenRecord
	err    error
}

// NewRefreshState creates an empty registry.
func NewRefreshState() *RefreshState {
	return &RefreshState{
		inflight: make(map[string]*refreshCall),
		attempts: make(map[string]int),
	}
}

// Clear drops the attempt counter for a user, e.g. on logout.
func (state *RefreshState) Clear(userID string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	delete(state.attempts, userID)
}

func (state *RefreshState) nextAttempt(userID string) int {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.attempts[userID]++
	return state.attempts[userID]
}

// BackoffDelay returns the pause after failed attempt k: base * 2^(k-1).
func BackoffDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return baseDelay << (attempt - 1)
}

// RefreshCoordinator serializes refresh attempts per user and applies the
// retry, backoff, and re-authentication policy. The only outcomes callers
// see are a refreshed record or ErrReauthRequired; transient provider
// trouble is retried internally up to the attempt limit.
type RefreshCoordinator struct {
	configuration Config
	store         TokenStore
	provider      ProviderClient
	state         *RefreshState
	clock         Clock
	sleeper       Sleeper
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewRefreshCoordinator wires the coordinator. Nil clock, sleeper, logger,
// and metrics fall back to system implementations.
func NewRefreshCoordinator(configuration Config, store TokenStore, provider ProviderClient, state *RefreshState, clock Clock, sleeper Sleeper, logger *zap.Logger, metrics MetricsRecorder) *RefreshCoordinator {
	if state == nil {
		state = NewRefreshState()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if sleeper == nil {
		sleeper = NewSystemSleeper()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &RefreshCoordinator{
		configuration: configuration,
		store:         store,
		provider:      provider,
		state:         state,
		clock:         clock,
		sleeper:       sleeper,
		logger:        logger,
		metrics:       metrics,
	}
}

// Refresh rotates the user's token set. Concurrent callers for the same
// user collapse into one provider call and share its outcome.
func (coordinator *RefreshCoordinator) Refresh(ctx context.Context, userID string) (*TokenRecord, error) {
	coordinator.state.mutex.Lock()
	if existing, ok := coordinator.state.inflight[userID]; ok {
		coordinator.state.mutex.Unlock()
		select {
		case <-existing.done:
			return existing.record, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	coordinator.state.inflight[userID] = call
	coordinator.state.mutex.Unlock()

	record, err := coordinator.runRefreshCycle(ctx, userID)
	call.record, call.err = record, err
	close(call.done)

	coordinator.state.mutex.Lock()
	delete(coordinator.state.inflight, userID)
	coordinator.state.mutex.Unlock()

	return record, err
}

func (coordinator *RefreshCoordinator) runRefreshCycle(ctx context.Context, userID string) (*TokenRecord, error) {
	record, getErr := coordinator.store.Get(ctx, userID)
	if getErr != nil {
		if errors.Is(getErr, ErrTokenRecordNotFound) {
			coordinator.state.Clear(userID)
			return nil, fmt.Errorf("refresh.no_record: %w", ErrReauthRequired)
		}
		return nil, fmt.Errorf("refresh.load_record: %w", getErr)
	}
	if record.RefreshToken == "" {
		// A record without a refresh token cannot be rotated; no network call.
		return nil, coordinator.failReauth(ctx, userID, &OAuthError{Code: CodeInvalidGrant, Description: "no refresh token on record"})
	}

	for {
		attempt := coordinator.state.nextAttempt(userID)
		if attempt > coordinator.configuration.MaxRefreshAttempts {
			coordinator.logger.Warn("refresh attempts exhausted",
				zap.String("code", "refresh.max_attempts"),
				zap.String("user_id", userID),
				zap.Int("max_attempts", coordinator.configuration.MaxRefreshAttempts))
			return nil, coordinator.failReauth(ctx, userID, &OAuthError{Code: CodeUnknown, Description: "refresh attempts exhausted"})
		}
		if attempt > 1 {
			delay := BackoffDelay(coordinator.configuration.BackoffBaseDelay, attempt-1)
			if sleepErr := coordinator.sleeper.Sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}

		grant, callErr := coordinator.provider.RefreshGrant(ctx, record.RefreshToken)
		if callErr == nil {
			return coordinator.persistGrant(ctx, userID, grant)
		}

		var oauthErr *OAuthError
		if !errors.As(callErr, &oauthErr) {
			oauthErr = &OAuthError{Code: CodeUnknown, Description: callErr.Error()}
		}
		if oauthErr.RequiresReauth() {
			return nil, coordinator.failReauth(ctx, userID, oauthErr)
		}
		if !oauthErr.Retryable() && oauthErr.Code != CodeUnknown {
			// Known non-retryable, non-reauth codes (e.g. invalid_request)
			// will fail identically on every retry.
			return nil, coordinator.failReauth(ctx, userID, oauthErr)
		}

		coordinator.metrics.Increment(MetricRefreshRetry)
		coordinator.logger.Warn("refresh attempt failed",
			zap.String("code", "refresh.attempt_failed"),
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.String("oauth_code", string(oauthErr.Code)),
			zap.Int("http_status", oauthErr.HTTPStatus))
	}
}

// persistGrant commits the rotated token set in one store write and resets
// the attempt counter.
func (coordinator *RefreshCoordinator) persistGrant(ctx context.Context, userID string, grant *GrantResult) (*TokenRecord, error) {
	now := coordinator.clock.Now()
	update := TokenUpdate{
		AccessToken:   grant.AccessToken,
		RefreshToken:  grant.RefreshToken,
		TokenType:     grant.TokenType,
		IssuedAtUnix:  now.Unix(),
		ExpiresAtUnix: now.Add(time.Duration(grant.ExpiresInSeconds) * time.Second).Unix(),
	}
	updated, updateErr := coordinator.store.Update(ctx, userID, update)
	if updateErr != nil {
		return nil, fmt.Errorf("refresh.persist: %w", updateErr)
	}
	coordinator.state.Clear(userID)
	coordinator.metrics.Increment(MetricRefreshSuccess)
	coordinator.logger.Info("token refreshed",
		zap.String("code", "refresh.success"),
		zap.String("user_id", userID),
		zap.Time("expires_at", updated.ExpiresAt()))
	return updated, nil
}

// failReauth deletes the stored record so absence unambiguously means
// "must re-authenticate", clears attempt state, and surfaces the verdict.
func (coordinator *RefreshCoordinator) failReauth(ctx context.Context, userID string, oauthErr *OAuthError) error {
	if deleteErr := coordinator.store.Delete(ctx, userID); deleteErr != nil {
		coordinator.logger.Error("failed to clear token record",
			zap.String("code", "refresh.clear_failed"),
			zap.String("user_id", userID),
			zap.Error(deleteErr))
	}
	coordinator.state.Clear(userID)
	coordinator.metrics.Increment(MetricRefreshReauth)
	coordinator.logger.Warn("refresh requires re-authentication",
		zap.String("code", "refresh.reauth"),
		zap.String("user_id", userID),
		zap.String("oauth_code", string(oauthErr.Code)))
	return fmt.Errorf("%w: %w", ErrReauthRequired, oauthErr)
}
