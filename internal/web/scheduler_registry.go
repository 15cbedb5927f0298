package web

import (
	"context"
	"sync"

	"github.com/ledgerpulse/ledgerlink/internal/tokenkit"
)

// SchedulerRegistry tracks the proactive refresh loop per connected user.
// Connecting replaces any running loop; disconnecting stops it. StopAll is
// called on server shutdown so no loop outlives the process lifecycle.
type SchedulerRegistry struct {
	mutex     sync.Mutex
	baseCtx   context.Context
	scheduler *tokenkit.RefreshScheduler
	sessions  map[string]*tokenkit.ScheduledSession
}

// NewSchedulerRegistry constructs a registry around the given scheduler.
// Loops are parented to baseCtx, not to the request that started them, so
// they live until disconnect or server shutdown.
func NewSchedulerRegistry(baseCtx context.Context, scheduler *tokenkit.RefreshScheduler) *SchedulerRegistry {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &SchedulerRegistry{
		baseCtx:   baseCtx,
		scheduler: scheduler,
		sessions:  make(map[string]*tokenkit.ScheduledSession),
	}
}

// Start launches (or restarts) the refresh loop for a user.
func (registry *SchedulerRegistry) Start(userID string) {
	registry.mutex.Lock()
	previous := registry.sessions[userID]
	delete(registry.sessions, userID)
	registry.mutex.Unlock()
	if previous != nil {
		previous.Stop()
	}

	session := registry.scheduler.Start(registry.baseCtx, userID)
	registry.mutex.Lock()
	registry.sessions[userID] = session
	registry.mutex.Unlock()
}

// Stop halts the refresh loop for a user, if one is running.
func (registry *SchedulerRegistry) Stop(userID string) {
	registry.mutex.Lock()
	session := registry.sessions[userID]
	delete(registry.sessions, userID)
	registry.mutex.Unlock()
	if session != nil {
		session.Stop()
	}
}

// StopAll halts every running refresh loop.
func (registry *SchedulerRegistry) StopAll() {
	registry.mutex.Lock()
	sessions := registry.sessions
	registry.sessions = make(map[string]*tokenkit.ScheduledSession)
	registry.mutex.Unlock()
	for _, session := range sessions {
		session.Stop()
	}
}
