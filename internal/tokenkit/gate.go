package tokenkit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// GateOutcome describes how the pre-flight validation resolved.
type GateOutcome string

const (
	// GateOutcomeValid means the stored token was fresh; no network call happened.
	GateOutcomeValid GateOutcome = "valid"
	// GateOutcomeRefreshed means a refresh ran and committed a new token set.
	GateOutcomeRefreshed GateOutcome = "refreshed"
	// GateOutcomeDegraded means a proactive refresh failed but the existing
	// token has not actually expired, so the caller may proceed with it.
	GateOutcomeDegraded GateOutcome = "degraded"
)

// ValidationGate fronts every external data-fetch path: callers get a usable
// token record or ErrReauthRequired, never a stale or ambiguous state.
type ValidationGate struct {
	configuration Config
	store         TokenStore
	coordinator   *RefreshCoordinator
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewValidationGate wires the gate.
func NewValidationGate(configuration Config, store TokenStore, coordinator *RefreshCoordinator, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *ValidationGate {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &ValidationGate{
		configuration: configuration,
		store:         store,
		coordinator:   coordinator,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
	}
}

// ValidateAndRefreshIfNeeded resolves the user's token before a data fetch.
// No record or hard expiry with a failed refresh fail closed; a failed
// proactive refresh degrades gracefully to the still-valid stored token.
func (gate *ValidationGate) ValidateAndRefreshIfNeeded(ctx context.Context, userID string) (*TokenRecord, GateOutcome, error) {
	record, getErr := gate.store.Get(ctx, userID)
	if getErr != nil {
		if errors.Is(getErr, ErrTokenRecordNotFound) {
			return nil, "", fmt.Errorf("gate.no_record: %w", ErrReauthRequired)
		}
		return nil, "", fmt.Errorf("gate.load_record: %w", getErr)
	}

	now := gate.clock.Now()
	if record.IsExpired(now) {
		refreshed, refreshErr := gate.coordinator.Refresh(ctx, userID)
		if refreshErr != nil {
			if errors.Is(refreshErr, ErrReauthRequired) {
				return nil, "", refreshErr
			}
			// The token is hard-expired and unusable either way; make sure
			// no stale record lingers before failing closed.
			if deleteErr := gate.store.Delete(ctx, userID); deleteErr != nil {
				gate.logger.Error("failed to clear expired token record",
					zap.String("code", "gate.clear_failed"),
					zap.String("user_id", userID),
					zap.Error(deleteErr))
			}
			return nil, "", fmt.Errorf("gate.expired: %w: %w", ErrReauthRequired, refreshErr)
		}
		return refreshed, GateOutcomeRefreshed, nil
	}

	if record.IsNearExpiry(now, gate.configuration.NearExpiryThreshold) {
		refreshed, refreshErr := gate.coordinator.Refresh(ctx, userID)
		if refreshErr != nil {
			gate.metrics.Increment(MetricGateDegraded)
			gate.logger.Warn("proactive refresh failed, proceeding with current token",
				zap.String("code", "gate.degraded"),
				zap.String("user_id", userID),
				zap.Time("expires_at", record.ExpiresAt()),
				zap.Error(refreshErr))
			return record, GateOutcomeDegraded, nil
		}
		return refreshed, GateOutcomeRefreshed, nil
	}

	return record, GateOutcomeValid, nil
}
