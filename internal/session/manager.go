package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
)

// Registration failures the control server must tell apart
var (
	ErrDuplicateUsername = errors.New("username already connected")
	ErrBanned            = errors.New("username is banned")
)

// Manager coordinates connected clients and everything they share. One mutex
// guards all state; broadcasts snapshot their recipients inside the critical
// section and enqueue without blocking, so a slow socket never stalls an
// unrelated mutation.
type Manager struct {
	mu          sync.Mutex
	clients     map[string]*ConnectedClient
	presence    map[string]*PresenceEntry
	presenter   string
	chatHistory []protocol.ChatMessage
	chatSeq     uint64
	banned      map[string]struct{}
	timeLimit   *timeLimit

	events   []Event
	eventSeq uint64
	subs     map[int]chan Event
	nextSub  int

	heartbeatTimeout time.Duration
}

// NewManager creates an empty session manager
func NewManager(heartbeatTimeout time.Duration) *Manager {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = consts.HeartbeatTimeout
	}
	return &Manager{
		clients:          make(map[string]*ConnectedClient),
		presence:         make(map[string]*PresenceEntry),
		banned:           make(map[string]struct{}),
		subs:             make(map[int]chan Event),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register adds a new client. Duplicate usernames and banned usernames are
// the only failures; both leave existing state untouched.
func (m *Manager) Register(username string, transport Transport, peer net.Addr) (*ConnectedClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[username]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUsername, username)
	}
	if _, ok := m.banned[username]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBanned, username)
	}

	client := newConnectedClient(username, transport, peer)
	m.clients[username] = client
	m.refreshPresenceLocked(username)
	m.recordEventLocked("user_joined", map[string]interface{}{"username": username})
	logger.Info("Registered client %s", username)
	return client, nil
}

// Unregister removes a client, clearing the presenter slot if held. Returns
// false when the username is unknown, with no other side effects.
func (m *Manager) Unregister(username string, eventType string, details map[string]interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(username, eventType, details)
}

func (m *Manager) unregisterLocked(username string, eventType string, details map[string]interface{}) bool {
	client, ok := m.clients[username]
	if !ok {
		return false
	}
	delete(m.clients, username)
	delete(m.presence, username)
	if m.presenter == username {
		m.presenter = ""
	}
	if client.transport != nil {
		client.transport.Close()
	}
	if eventType == "" {
		eventType = "user_left"
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["username"] = username
	m.recordEventLocked(eventType, details)
	logger.Info("Unregistered client %s (%s)", username, eventType)
	return true
}

// GrantPresenter is a non-blocking compare-and-set: it succeeds only when no
// presenter is active or the requester already holds the slot.
func (m *Manager) GrantPresenter(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[username]; !ok {
		return false
	}
	if m.presenter == username {
		return true
	}
	if m.presenter != "" {
		return false
	}
	m.presenter = username
	m.clients[username].IsPresenter = true
	m.refreshPresenceLocked(username)
	m.recordEventLocked("presenter_granted", map[string]interface{}{"username": username})
	return true
}

// RevokePresenter clears the slot if held by username; always safe
func (m *Manager) RevokePresenter(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.presenter == username {
		m.presenter = ""
	}
	if client, ok := m.clients[username]; ok {
		client.IsPresenter = false
		m.refreshPresenceLocked(username)
	}
	m.recordEventLocked("presenter_revoked", map[string]interface{}{"username": username})
}

// Presenter returns the current presenter, empty when none
func (m *Manager) Presenter() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presenter
}

// IsPresenter reports whether username holds the presenter slot
func (m *Manager) IsPresenter(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presenter != "" && m.presenter == username
}

// Broadcast sends an encoded control message to every connected client not in
// exclude. Per-recipient failures are logged and skipped.
func (m *Manager) Broadcast(action protocol.Action, data interface{}, exclude ...string) {
	frame, err := protocol.EncodeControlMessage(action, data)
	if err != nil {
		logger.Error("Failed to encode %s broadcast: %v", action, err)
		return
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for username, client := range m.clients {
		if _, excluded := skip[username]; excluded {
			continue
		}
		m.enqueueLocked(client, frame, action)
	}
}

// SendTo delivers a control message to one client; unknown usernames no-op
func (m *Manager) SendTo(username string, action protocol.Action, data interface{}) {
	frame, err := protocol.EncodeControlMessage(action, data)
	if err != nil {
		logger.Error("Failed to encode %s message: %v", action, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[username]
	if !ok {
		return
	}
	m.enqueueLocked(client, frame, action)
}

func (m *Manager) enqueueLocked(client *ConnectedClient, frame []byte, action protocol.Action) {
	if client.transport == nil {
		return
	}
	if err := client.transport.Enqueue(frame); err != nil {
		logger.Warn("Failed to queue %s message to %s: %v", action, client.Username, err)
		return
	}
	client.BytesSent += int64(len(frame))
}

// MarkHeartbeat refreshes the liveness timestamp for username
func (m *Manager) MarkHeartbeat(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[username]; ok {
		client.touch()
	}
}

// RecordReceived accounts inbound bytes against username
func (m *Manager) RecordReceived(username string, numBytes int) {
	if numBytes <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[username]; ok {
		client.BytesReceived += int64(numBytes)
	}
}

// UpdateMediaState sets the audio/video flags that are non-nil and returns
// the delta payload for the caller to broadcast, nil when username is unknown
func (m *Manager) UpdateMediaState(username string, audioEnabled, videoEnabled *bool) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[username]
	if !ok {
		return nil
	}
	if audioEnabled != nil {
		client.AudioEnabled = *audioEnabled
	}
	if videoEnabled != nil {
		client.VideoEnabled = *videoEnabled
	}
	m.refreshPresenceLocked(username)
	return map[string]interface{}{
		"username":      username,
		"audio_enabled": client.AudioEnabled,
		"video_enabled": client.VideoEnabled,
	}
}

// SetTyping updates the typing flag and returns the delta payload
func (m *Manager) SetTyping(username string, isTyping bool) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[username]
	if !ok {
		return nil
	}
	client.IsTyping = isTyping
	if isTyping {
		client.LastTypingAt = time.Now()
	}
	m.refreshPresenceLocked(username)
	return map[string]interface{}{
		"username":  username,
		"is_typing": isTyping,
	}
}

// SetHandStatus updates the hand-raised flag and returns the delta payload
func (m *Manager) SetHandStatus(username string, raised bool) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[username]
	if !ok {
		return nil
	}
	client.HandRaised = raised
	if raised {
		client.HandRaisedAt = time.Now()
	} else {
		client.HandRaisedAt = time.Time{}
	}
	m.refreshPresenceLocked(username)
	payload := map[string]interface{}{
		"username":    username,
		"hand_raised": raised,
	}
	if raised {
		payload["hand_raised_at_ms"] = client.HandRaisedAt.UnixMilli()
	}
	return payload
}

// UpdateLatency records a round-trip measurement and returns the delta payload
func (m *Manager) UpdateLatency(username string, latencyMs float64, jitterMs *float64) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[username]
	if !ok {
		return nil
	}
	client.LatencyMs = &latencyMs
	client.JitterMs = jitterMs
	m.refreshPresenceLocked(username)
	payload := map[string]interface{}{
		"username":   username,
		"latency_ms": latencyMs,
	}
	if jitterMs != nil {
		payload["jitter_ms"] = *jitterMs
	}
	return payload
}

// AddChatMessage appends to the bounded history; never rejects
func (m *Manager) AddChatMessage(msg protocol.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chatSeq++
	m.chatHistory = append(m.chatHistory, msg)
	if len(m.chatHistory) > consts.ChatHistoryLimit {
		m.chatHistory = m.chatHistory[len(m.chatHistory)-consts.ChatHistoryLimit:]
	}
	m.recordEventLocked("chat_message", map[string]interface{}{
		"sender":  msg.Sender,
		"message": msg.Message,
	})
}

// ChatHistory returns a copy of the retained history
func (m *Manager) ChatHistory() []protocol.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.ChatMessage, len(m.chatHistory))
	copy(out, m.chatHistory)
	return out
}

// ChatHistoryFor filters history for a joining user: broadcasts plus direct
// messages the user sent or received
func (m *Manager) ChatHistoryFor(username string) []protocol.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.ChatMessage, 0, len(m.chatHistory))
	for _, msg := range m.chatHistory {
		if len(msg.Recipients) == 0 || msg.Sender == username {
			out = append(out, msg)
			continue
		}
		for _, recipient := range msg.Recipients {
			if recipient == username {
				out = append(out, msg)
				break
			}
		}
	}
	return out
}

// ListClients returns the connected usernames, sorted
func (m *Manager) ListClients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listClientsLocked()
}

func (m *Manager) listClientsLocked() []string {
	usernames := make([]string, 0, len(m.clients))
	for username := range m.clients {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	return usernames
}

// IsConnected reports whether username has an active control connection
func (m *Manager) IsConnected(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[username]
	return ok
}

// BanUser bars a username from registering until unbanned
func (m *Manager) BanUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banned[username] = struct{}{}
	m.recordEventLocked("user_banned", map[string]interface{}{"username": username})
}

// UnbanUser lifts a ban; unknown usernames no-op
func (m *Manager) UnbanUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.banned[username]; !ok {
		return
	}
	delete(m.banned, username)
	m.recordEventLocked("user_unbanned", map[string]interface{}{"username": username})
}

// IsBanned reports whether username is barred from registering
func (m *Manager) IsBanned(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.banned[username]
	return ok
}

// RecordBlockedAttempt notes a banned user trying to rejoin
func (m *Manager) RecordBlockedAttempt(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordEventLocked("user_blocked", map[string]interface{}{"username": username})
}

// RecordAdminNotice stores and returns a notice payload for broadcasting
func (m *Manager) RecordAdminNotice(message, level, actor string) map[string]interface{} {
	switch level {
	case "info", "warning", "error", "success":
	default:
		level = "info"
	}
	if actor == "" {
		actor = "admin"
	}
	notice := map[string]interface{}{
		"message":      message,
		"level":        level,
		"actor":        actor,
		"timestamp_ms": time.Now().UnixMilli(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordEventLocked("admin_notice", map[string]interface{}{
		"message": message,
		"level":   level,
		"actor":   actor,
	})
	return notice
}

// MediaStateSnapshot maps each connected user to its audio/video flags
func (m *Manager) MediaStateSnapshot() map[string]map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]map[string]bool, len(m.clients))
	for username, client := range m.clients {
		out[username] = map[string]bool{
			"audio_enabled": client.AudioEnabled,
			"video_enabled": client.VideoEnabled,
		}
	}
	return out
}

// Snapshot returns a full read-only state projection for diagnostics
func (m *Manager) Snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	clients := make([]map[string]interface{}, 0, len(m.clients))
	usernames := make([]string, 0, len(m.clients))
	for _, username := range m.listClientsLocked() {
		client := m.clients[username]
		elapsed := now.Sub(client.ConnectedAt).Seconds()
		if elapsed < 0.001 {
			elapsed = 0.001
		}
		clients = append(clients, map[string]interface{}{
			"username":          client.Username,
			"last_seen_seconds": client.lastSeenSeconds(now),
			"connected_at":      float64(client.ConnectedAt.UnixNano()) / 1e9,
			"is_presenter":      client.IsPresenter,
			"peer_ip":           client.PeerIP,
			"peer_port":         client.PeerPort,
			"bytes_sent":        client.BytesSent,
			"bytes_received":    client.BytesReceived,
			"throughput_bps":    float64(client.BytesReceived*8) / elapsed,
			"bandwidth_bps":     float64(client.BytesSent*8) / elapsed,
		})
		usernames = append(usernames, username)
	}

	chatHistory := make([]protocol.ChatMessage, len(m.chatHistory))
	copy(chatHistory, m.chatHistory)

	return map[string]interface{}{
		"clients":               clients,
		"presenter":             m.presenter,
		"chat_history":          chatHistory,
		"events":                m.recentEventsLocked(300),
		"presence":              m.presenceSnapshotLocked(),
		"participant_usernames": usernames,
		"participant_count":     len(usernames),
		"time_limit":            m.timeLimitStatusLocked(now),
	}
}

// DisconnectAll notifies every client with a kick-like message, closes all
// transports, and clears state. Used at shutdown.
func (m *Manager) DisconnectAll(reason string) {
	frame, err := protocol.EncodeControlMessage(protocol.ActionKicked, map[string]interface{}{
		"reason": reason,
	})
	if err != nil {
		logger.Error("Failed to encode shutdown notice: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for username, client := range m.clients {
		if frame != nil {
			m.enqueueLocked(client, frame, protocol.ActionKicked)
		}
		if client.transport != nil {
			client.transport.Close()
		}
		delete(m.clients, username)
		delete(m.presence, username)
	}
	m.presenter = ""
	m.recordEventLocked("shutdown", map[string]interface{}{"reason": reason})
	logger.Info("Disconnected all clients: %s", reason)
}
