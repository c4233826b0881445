package session

import (
	"context"
	"time"

	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
)

// HeartbeatWatcher evicts clients whose last heartbeat is older than twice
// the timeout window and broadcasts the departure. This is the sole eviction
// path; there is no per-connection timer. onEvict lets the caller clean up
// relay registrations keyed by username. Runs until ctx is cancelled.
func (m *Manager) HeartbeatWatcher(ctx context.Context, onEvict func(username string)) {
	ticker := time.NewTicker(m.heartbeatTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, username := range m.evictStale() {
				m.Broadcast(protocol.ActionUserLeft, map[string]interface{}{
					"username":     username,
					"participants": m.ListClients(),
				})
				m.Broadcast(protocol.ActionPresenceSync, map[string]interface{}{
					"participants": m.PresenceSnapshot(),
				})
				if onEvict != nil {
					onEvict(username)
				}
			}
		}
	}
}

// evictStale removes timed-out clients and returns their usernames
func (m *Manager) evictStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := 2 * m.heartbeatTimeout.Seconds()
	var stale []string
	for username, client := range m.clients {
		if client.lastSeenSeconds(now) > cutoff {
			stale = append(stale, username)
		}
	}
	for _, username := range stale {
		logger.Warn("Client %s timed out", username)
		m.unregisterLocked(username, "user_left", map[string]interface{}{"reason": "heartbeat_timeout"})
	}
	return stale
}
