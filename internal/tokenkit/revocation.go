package tokenkit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// RevocationManager disconnects a user's QuickBooks company: best-effort
// remote revoke, guaranteed local cleanup. The user-visible contract
// ("you are disconnected") holds even when the provider is unreachable.
type RevocationManager struct {
	store    TokenStore
	provider ProviderClient
	state    *RefreshState
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewRevocationManager wires the manager.
func NewRevocationManager(store TokenStore, provider ProviderClient, state *RefreshState, logger *zap.Logger, metrics MetricsRecorder) *RevocationManager {
	if state == nil {
		state = NewRefreshState()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &RevocationManager{
		store:    store,
		provider: provider,
		state:    state,
		logger:   logger,
		metrics:  metrics,
	}
}

// Revoke invalidates the user's refresh token at the provider and removes
// the local record. Idempotent: revoking a user with no record, or a record
// without a refresh token, succeeds without any network call.
func (manager *RevocationManager) Revoke(ctx context.Context, userID string) error {
	record, getErr := manager.store.Get(ctx, userID)
	if getErr != nil {
		if errors.Is(getErr, ErrTokenRecordNotFound) {
			manager.state.Clear(userID)
			return nil
		}
		return fmt.Errorf("revoke.load_record: %w", getErr)
	}

	if record.RefreshToken != "" {
		if revokeErr := manager.provider.Revoke(ctx, record.RefreshToken); revokeErr != nil {
			// Swallowed after logging: remote revocation is a courtesy,
			// not a precondition for local cleanup.
			manager.metrics.Increment(MetricRevokeRemoteFailure)
			manager.logger.Warn("remote token revocation failed",
				zap.String("code", "revoke.remote_failed"),
				zap.String("user_id", userID),
				zap.Error(revokeErr))
		}
	}

	manager.state.Clear(userID)
	if deleteErr := manager.store.Delete(ctx, userID); deleteErr != nil {
		return fmt.Errorf("revoke.clear_local: %w", deleteErr)
	}
	manager.metrics.Increment(MetricRevokeSuccess)
	manager.logger.Info("quickbooks connection removed",
		zap.String("code", "revoke.done"),
		zap.String("user_id", userID),
		zap.String("realm_id", record.RealmID))
	return nil
}
