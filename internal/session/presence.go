package session

import (
	"sort"
	"time"
)

// PresenceEntry is the read-only per-user projection shown to participants.
// LastSeenSeconds is filled in when the entry is read; everything else is
// refreshed whenever the underlying client mutates.
type PresenceEntry struct {
	Username        string   `json:"username"`
	IsPresenter     bool     `json:"is_presenter"`
	AudioEnabled    bool     `json:"audio_enabled"`
	VideoEnabled    bool     `json:"video_enabled"`
	IsTyping        bool     `json:"is_typing"`
	HandRaised      bool     `json:"hand_raised"`
	HandRaisedAtMs  int64    `json:"hand_raised_at_ms,omitempty"`
	LatencyMs       *float64 `json:"latency_ms"`
	JitterMs        *float64 `json:"jitter_ms"`
	ConnectedAt     float64  `json:"connected_at"`
	LastSeenSeconds float64  `json:"last_seen_seconds"`
}

// refreshPresenceLocked rebuilds the cached entry for one user. Callers hold
// the manager mutex.
func (m *Manager) refreshPresenceLocked(username string) {
	client, ok := m.clients[username]
	if !ok {
		delete(m.presence, username)
		return
	}
	entry := &PresenceEntry{
		Username:     client.Username,
		IsPresenter:  client.IsPresenter,
		AudioEnabled: client.AudioEnabled,
		VideoEnabled: client.VideoEnabled,
		IsTyping:     client.IsTyping,
		HandRaised:   client.HandRaised,
		LatencyMs:    client.LatencyMs,
		JitterMs:     client.JitterMs,
		ConnectedAt:  float64(client.ConnectedAt.UnixNano()) / 1e9,
	}
	if client.HandRaised && !client.HandRaisedAt.IsZero() {
		entry.HandRaisedAtMs = client.HandRaisedAt.UnixMilli()
	}
	m.presence[username] = entry
}

// PresenceEntryFor returns the cached entry for one user, false if unknown
func (m *Manager) PresenceEntryFor(username string) (PresenceEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.presence[username]
	if !ok {
		return PresenceEntry{}, false
	}
	out := *entry
	if client, ok := m.clients[username]; ok {
		out.LastSeenSeconds = client.lastSeenSeconds(time.Now())
	}
	return out, true
}

// PresenceSnapshot returns the entries of all connected users
func (m *Manager) PresenceSnapshot() []PresenceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presenceSnapshotLocked()
}

func (m *Manager) presenceSnapshotLocked() []PresenceEntry {
	now := time.Now()
	entries := make([]PresenceEntry, 0, len(m.presence))
	for username, entry := range m.presence {
		out := *entry
		if client, ok := m.clients[username]; ok {
			out.LastSeenSeconds = client.lastSeenSeconds(now)
		}
		entries = append(entries, out)
	}
	// Stable ordering keeps presence lists comparable across broadcasts
	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
	return entries
}
