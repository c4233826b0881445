package control

import (
	"net"
	"testing"
	"time"

	"github.com/codefionn/lancollab/internal/protocol"
	"github.com/codefionn/lancollab/internal/session"
)

// wire drives one side of a control connection in tests
type wire struct {
	conn    net.Conn
	buf     []byte
	pending []protocol.Envelope
}

func connect(t *testing.T, srv *Server) *wire {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	c := newClient(serverSide, srv)
	c.start()
	return &wire{conn: clientSide}
}

func (w *wire) send(t *testing.T, action protocol.Action, data interface{}) {
	t.Helper()
	frame, err := protocol.EncodeControlMessage(action, data)
	if err != nil {
		t.Fatalf("EncodeControlMessage failed: %v", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := w.conn.Write(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// next returns the next received envelope, reading more frames as needed
func (w *wire) next(t *testing.T) protocol.Envelope {
	t.Helper()
	chunk := make([]byte, 4096)
	for {
		if len(w.pending) > 0 {
			envelope := w.pending[0]
			w.pending = w.pending[1:]
			return envelope
		}

		w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := w.conn.Read(chunk)
		if err != nil {
			t.Fatalf("Read failed while waiting for a frame: %v", err)
		}
		w.buf = append(w.buf, chunk[:n]...)

		messages, rest, err := protocol.DecodeControlStream(w.buf)
		if err != nil {
			t.Fatalf("Received malformed frame: %v", err)
		}
		w.buf = rest
		w.pending = append(w.pending, messages...)
	}
}

// nextOf skips frames until one with the wanted action arrives
func (w *wire) nextOf(t *testing.T, action protocol.Action) protocol.Envelope {
	t.Helper()
	for {
		envelope := w.next(t)
		if envelope.Action == action {
			return envelope
		}
	}
}

// expectClosed waits for the server to drop the connection
func (w *wire) expectClosed(t *testing.T) {
	t.Helper()
	chunk := make([]byte, 4096)
	w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := w.conn.Read(chunk)
		if err != nil {
			return
		}
		w.buf = append(w.buf, chunk[:n]...)
	}
}

func newTestServer(psk string) (*Server, *session.Manager) {
	sessions := session.NewManager(0)
	srv := NewServer("127.0.0.1", 0, sessions, nil, map[string]interface{}{
		"audio_port": 56010,
	}, psk)
	return srv, sessions
}

func join(t *testing.T, srv *Server, username string) *wire {
	t.Helper()
	w := connect(t, srv)
	w.send(t, protocol.ActionHello, protocol.Hello{Username: username})
	w.nextOf(t, protocol.ActionWelcome)
	w.nextOf(t, protocol.ActionPresenceSync)
	return w
}

func TestHandshakeWelcome(t *testing.T) {
	srv, sessions := newTestServer("")
	w := connect(t, srv)

	w.send(t, protocol.ActionHello, protocol.Hello{Username: "alice"})

	welcome := w.next(t)
	if welcome.Action != protocol.ActionWelcome {
		t.Fatalf("Expected WELCOME first, got %s", welcome.Action)
	}
	var payload struct {
		Username string                 `json:"username"`
		Peers    []string               `json:"peers"`
		Media    map[string]interface{} `json:"media"`
	}
	if err := protocol.DecodeData(welcome, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Username != "alice" {
		t.Errorf("WELCOME username = %q", payload.Username)
	}
	if len(payload.Peers) != 1 || payload.Peers[0] != "alice" {
		t.Errorf("WELCOME peers = %v", payload.Peers)
	}
	if payload.Media["audio_port"] == nil {
		t.Error("WELCOME missing media configuration")
	}

	// PRESENCE_SYNC follows the direct WELCOME
	sync := w.next(t)
	if sync.Action != protocol.ActionPresenceSync {
		t.Fatalf("Expected PRESENCE_SYNC after WELCOME, got %s", sync.Action)
	}

	if !sessions.IsConnected("alice") {
		t.Error("Session manager should list alice as connected")
	}
}

func TestJoinOrderingForExistingClient(t *testing.T) {
	srv, _ := newTestServer("")
	alice := join(t, srv, "alice")

	join(t, srv, "bob")

	// Alice observes the join before the presence resync
	joined := alice.nextOf(t, protocol.ActionUserJoined)
	var payload struct {
		Username string `json:"username"`
	}
	if err := protocol.DecodeData(joined, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Username != "bob" {
		t.Errorf("USER_JOINED username = %q", payload.Username)
	}
	alice.nextOf(t, protocol.ActionPresenceSync)
}

func TestFirstFrameMustBeHello(t *testing.T) {
	srv, sessions := newTestServer("")
	w := connect(t, srv)

	w.send(t, protocol.ActionHeartbeat, nil)
	w.expectClosed(t)

	if len(sessions.ListClients()) != 0 {
		t.Error("Protocol violation must not create session state")
	}
}

func TestHandshakeRejectsBadKey(t *testing.T) {
	srv, sessions := newTestServer("sekrit")
	w := connect(t, srv)

	w.send(t, protocol.ActionHello, protocol.Hello{Username: "alice", PreSharedKey: "wrong"})

	errFrame := w.next(t)
	if errFrame.Action != protocol.ActionError {
		t.Fatalf("Expected ERROR, got %s", errFrame.Action)
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := protocol.DecodeData(errFrame, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Code != "auth_failed" {
		t.Errorf("Expected auth_failed code, got %q", payload.Code)
	}
	w.expectClosed(t)

	if len(sessions.ListClients()) != 0 {
		t.Error("Failed auth must not create session state")
	}
}

func TestHandshakeRejectsBanned(t *testing.T) {
	srv, sessions := newTestServer("")
	sessions.BanUser("mallory")

	w := connect(t, srv)
	w.send(t, protocol.ActionHello, protocol.Hello{Username: "mallory"})

	kicked := w.next(t)
	if kicked.Action != protocol.ActionKicked {
		t.Fatalf("Expected KICKED, got %s", kicked.Action)
	}
	w.expectClosed(t)
}

func TestDuplicateUsernameClosesNewConnection(t *testing.T) {
	srv, sessions := newTestServer("")
	alice := join(t, srv, "alice")

	dup := connect(t, srv)
	dup.send(t, protocol.ActionHello, protocol.Hello{Username: "alice"})
	dup.expectClosed(t)

	if !sessions.IsConnected("alice") {
		t.Error("Existing session must survive a duplicate registration")
	}

	// The survivor keeps working
	alice.send(t, protocol.ActionChatMessage, protocol.ChatMessage{Message: "still here"})
	msg := alice.nextOf(t, protocol.ActionChatMessage)
	var payload protocol.ChatMessage
	if err := protocol.DecodeData(msg, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Message != "still here" {
		t.Errorf("Unexpected chat payload: %+v", payload)
	}
}

func TestChatBroadcastAndSenderOverride(t *testing.T) {
	srv, _ := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.nextOf(t, protocol.ActionPresenceSync) // bob's join resync

	// Client-supplied sender is replaced with the authenticated username
	alice.send(t, protocol.ActionChatMessage, protocol.ChatMessage{
		Sender:      "spoofed",
		Message:     "hi",
		TimestampMs: 1000,
	})

	msg := bob.nextOf(t, protocol.ActionChatMessage)
	var payload protocol.ChatMessage
	if err := protocol.DecodeData(msg, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Sender != "alice" || payload.Message != "hi" || payload.TimestampMs != 1000 {
		t.Errorf("Unexpected broadcast payload: %+v", payload)
	}
}

func TestDirectChatMessage(t *testing.T) {
	srv, sessions := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	_ = join(t, srv, "carol")
	alice.nextOf(t, protocol.ActionPresenceSync)
	alice.nextOf(t, protocol.ActionPresenceSync)
	bob.nextOf(t, protocol.ActionPresenceSync)

	alice.send(t, protocol.ActionChatMessage, protocol.ChatMessage{
		Message:    "psst",
		Recipients: []string{"bob"},
	})

	msg := bob.nextOf(t, protocol.ActionChatMessage)
	var payload protocol.ChatMessage
	if err := protocol.DecodeData(msg, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Message != "psst" {
		t.Errorf("Unexpected direct payload: %+v", payload)
	}
	// Sender gets a copy of its own direct message
	alice.nextOf(t, protocol.ActionChatMessage)

	// Carol must not see it; confirm via her filtered history instead of
	// racing on the wire
	history := sessions.ChatHistoryFor("carol")
	if len(history) != 0 {
		t.Errorf("Uninvolved user's history should be empty, got %v", history)
	}
}

func TestPresenterFlow(t *testing.T) {
	srv, sessions := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.nextOf(t, protocol.ActionPresenceSync)

	alice.send(t, protocol.ActionPresenterGranted, nil)
	bob.nextOf(t, protocol.ActionPresenterGranted)

	// A grant while alice holds the slot produces no broadcast
	bob.send(t, protocol.ActionPresenterGranted, nil)
	bob.send(t, protocol.ActionHeartbeat, nil)
	deadlineWait(t, func() bool { return sessions.Presenter() == "alice" })

	alice.send(t, protocol.ActionPresenterRevoked, nil)
	bob.nextOf(t, protocol.ActionPresenterRevoked)
	deadlineWait(t, func() bool { return sessions.Presenter() == "" })
}

func TestDisconnectCleansUp(t *testing.T) {
	srv, sessions := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.nextOf(t, protocol.ActionPresenceSync)
	_ = bob

	alice.conn.Close()

	deadlineWait(t, func() bool { return !sessions.IsConnected("alice") })
	left := bob.nextOf(t, protocol.ActionUserLeft)
	var payload struct {
		Username string `json:"username"`
	}
	if err := protocol.DecodeData(left, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Username != "alice" {
		t.Errorf("USER_LEFT username = %q", payload.Username)
	}
	bob.nextOf(t, protocol.ActionPresenceSync)
}

func TestForceDisconnectBansAndNotifies(t *testing.T) {
	srv, sessions := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.nextOf(t, protocol.ActionPresenceSync)

	if !srv.ForceDisconnect("alice", "admin") {
		t.Fatal("ForceDisconnect of a connected user should return true")
	}
	if !sessions.IsBanned("alice") {
		t.Error("A kick must be sticky")
	}

	kicked := alice.nextOf(t, protocol.ActionKicked)
	var payload struct {
		Actor string `json:"actor"`
	}
	if err := protocol.DecodeData(kicked, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Actor != "admin" {
		t.Errorf("KICKED actor = %q", payload.Actor)
	}
	bob.nextOf(t, protocol.ActionUserLeft)

	if srv.ForceDisconnect("alice", "admin") {
		t.Error("ForceDisconnect of a disconnected user should return false")
	}
}

func TestUnknownActionIgnored(t *testing.T) {
	srv, sessions := newTestServer("")
	alice := join(t, srv, "alice")

	alice.send(t, protocol.Action("bogus_action"), map[string]interface{}{"x": 1})
	// The connection survives and keeps dispatching
	alice.send(t, protocol.ActionHeartbeat, nil)
	deadlineWait(t, func() bool { return sessions.IsConnected("alice") })
}

func TestStatusUpdatesBroadcastDeltaAndPresence(t *testing.T) {
	srv, _ := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.nextOf(t, protocol.ActionPresenceSync)

	alice.send(t, protocol.ActionAudioStatus, protocol.AudioStatus{AudioEnabled: true})

	delta := bob.nextOf(t, protocol.ActionAudioStatus)
	var payload struct {
		Username     string `json:"username"`
		AudioEnabled bool   `json:"audio_enabled"`
	}
	if err := protocol.DecodeData(delta, &payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Username != "alice" || !payload.AudioEnabled {
		t.Errorf("Unexpected audio delta: %+v", payload)
	}
	// The delta is followed by a refreshed presence entry
	bob.nextOf(t, protocol.ActionPresenceUpdate)
}

func TestHandStatusTriggersFullSync(t *testing.T) {
	srv, _ := newTestServer("")
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.nextOf(t, protocol.ActionPresenceSync)

	alice.send(t, protocol.ActionHandStatus, protocol.HandStatus{HandRaised: true})

	bob.nextOf(t, protocol.ActionHandStatus)
	bob.nextOf(t, protocol.ActionPresenceSync)
}

func deadlineWait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not reached before deadline")
}
