package tokenkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshPollInterval is how often a session's scheduler re-checks
// the token. Well under the near-expiry threshold so proactive refreshes
// happen long before hard expiry.
const DefaultRefreshPollInterval = time.Hour

// RefreshScheduler opportunistically refreshes a session's token ahead of
// expiry. One scheduler run per authenticated session, tied to the
// session's context; it stops on cancellation or once re-authentication
// is required, never free-running globally.
type RefreshScheduler struct {
	gate     *ValidationGate
	interval time.Duration
	logger   *zap.Logger
}

// NewRefreshScheduler constructs a scheduler. A non-positive interval falls
// back to DefaultRefreshPollInterval.
func NewRefreshScheduler(gate *ValidationGate, interval time.Duration, logger *zap.Logger) *RefreshScheduler {
	if interval <= 0 {
		interval = DefaultRefreshPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshScheduler{
		gate:     gate,
		interval: interval,
		logger:   logger,
	}
}

// ScheduledSession is a handle to one running scheduler loop.
type ScheduledSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop and waits for it to exit.
func (session *ScheduledSession) Stop() {
	session.cancel()
	<-session.done
}

// Start launches the scheduler loop for a user and returns its handle.
func (scheduler *RefreshScheduler) Start(ctx context.Context, userID string) *ScheduledSession {
	loopCtx, cancel := context.WithCancel(ctx)
	session := &ScheduledSession{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(session.done)
		scheduler.run(loopCtx, userID)
	}()
	return session
}

func (scheduler *RefreshScheduler) run(ctx context.Context, userID string) {
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, outcome, err := scheduler.gate.ValidateAndRefreshIfNeeded(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrReauthRequired) {
				scheduler.logger.Info("stopping proactive refresh, reconnection required",
					zap.String("code", "scheduler.reauth"),
					zap.String("user_id", userID))
				return
			}
			scheduler.logger.Warn("proactive refresh check failed",
				zap.String("code", "scheduler.check_failed"),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if outcome == GateOutcomeRefreshed {
			scheduler.logger.Info("proactive refresh completed",
				zap.String("code", "scheduler.refreshed"),
				zap.String("user_id", userID))
		}
	}
}
