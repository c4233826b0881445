package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
	"github.com/codefionn/lancollab/internal/session"
)

var errSendQueueFull = errors.New("send queue full")

// Client runs the state machine for one control connection. Until the HELLO
// handshake succeeds the connection has no identity; afterwards username is
// set and the session manager owns the corresponding ConnectedClient.
type Client struct {
	id     string
	conn   net.Conn
	server *Server

	username string

	send     chan []byte
	mu       sync.Mutex
	closed   bool
	stopChan chan struct{}
	stopOnce sync.Once
}

func newClient(conn net.Conn, server *Server) *Client {
	c := &Client{
		conn:     conn,
		server:   server,
		send:     make(chan []byte, consts.ClientSendQueue),
		stopChan: make(chan struct{}),
	}
	server.trackClient(c)
	return c
}

func (c *Client) start() {
	go c.readLoop()
	go c.writePump()
}

// Enqueue implements session.Transport. It never blocks: a full queue is an
// error the caller logs and moves past.
func (c *Client) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close implements session.Transport. It signals shutdown; the write pump
// flushes queued frames and closes the socket, which unblocks the read loop.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopChan)
	})
}

// readLoop reads frames and drives the per-connection state machine
func (c *Client) readLoop() {
	defer c.cleanup()

	buffer := make([]byte, 0, consts.BufferSize4KB)
	chunk := make([]byte, consts.BufferSize4KB)

	for {
		n, err := c.conn.Read(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Client %s disconnected (EOF)", c.describe())
			} else if !errors.Is(err, net.ErrClosed) {
				logger.Warn("Error reading from client %s: %v", c.describe(), err)
			}
			return
		}
		buffer = append(buffer, chunk[:n]...)
		if c.username != "" {
			c.server.sessions.RecordReceived(c.username, n)
		}

		messages, rest, decodeErr := protocol.DecodeControlStream(buffer)
		buffer = rest

		for _, envelope := range messages {
			var handleErr error
			if c.username == "" {
				handleErr = c.handleHello(envelope)
			} else {
				handleErr = c.handleMessage(envelope)
			}
			if handleErr != nil {
				logger.Warn("Closing client %s: %v", c.describe(), handleErr)
				return
			}
		}

		if decodeErr != nil {
			// Malformed framing is a protocol violation; drop the connection
			logger.Warn("Protocol violation from %s: %v", c.describe(), decodeErr)
			return
		}
	}
}

// writePump writes queued frames to the socket, one deadline per frame. On
// shutdown it flushes what is already queued before closing the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.stopChan:
			c.flushPending()
			return
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				logger.Warn("Failed to write to client %s: %v", c.describe(), err)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) writeFrame(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(consts.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *Client) flushPending() {
	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handleHello enforces the AwaitingHello state: the first frame must be a
// valid HELLO or the connection dies without creating any state.
func (c *Client) handleHello(envelope protocol.Envelope) error {
	if envelope.Action != protocol.ActionHello {
		return fmt.Errorf("expected %s as first message, got %s", protocol.ActionHello, envelope.Action)
	}

	var hello protocol.Hello
	if err := protocol.DecodeData(envelope, &hello); err != nil {
		return err
	}
	if err := hello.Validate(); err != nil {
		return err
	}

	if key := c.server.currentKey(); key != "" && hello.PreSharedKey != key {
		c.sendDirect(protocol.ActionError, map[string]interface{}{
			"reason": "Authentication failed",
			"code":   "auth_failed",
		})
		return fmt.Errorf("invalid pre-shared key from %s", hello.Username)
	}

	if c.server.sessions.IsBanned(hello.Username) {
		c.sendDirect(protocol.ActionKicked, map[string]interface{}{
			"reason": "An administrator removed you from this meeting.",
		})
		c.server.sessions.RecordBlockedAttempt(hello.Username)
		return fmt.Errorf("rejected banned user %s", hello.Username)
	}

	_, err := c.server.sessions.Register(hello.Username, c, c.conn.RemoteAddr())
	if err != nil {
		if errors.Is(err, session.ErrDuplicateUsername) {
			// The existing session stays untouched; only this connection dies
			return fmt.Errorf("duplicate username %s", hello.Username)
		}
		if errors.Is(err, session.ErrBanned) {
			c.sendDirect(protocol.ActionKicked, map[string]interface{}{
				"reason": "An administrator removed you from this meeting.",
			})
			return err
		}
		return err
	}
	c.username = hello.Username

	sessions := c.server.sessions
	sessions.Broadcast(protocol.ActionUserJoined, map[string]interface{}{
		"username":     c.username,
		"participants": sessions.ListClients(),
	}, c.username)

	files := []protocol.FileOffer{}
	if c.server.files != nil {
		files = c.server.files.ListFiles()
	}
	// WELCOME goes to the joiner before PRESENCE_SYNC goes to everyone, so
	// the joiner has a local identity before its first presence update.
	sessions.SendTo(c.username, protocol.ActionWelcome, map[string]interface{}{
		"username":     c.username,
		"chat_history": sessions.ChatHistoryFor(c.username),
		"peers":        sessions.ListClients(),
		"files":        files,
		"media":        c.server.mediaConfigPayload(),
		"presenter":    sessions.Presenter(),
		"media_state":  sessions.MediaStateSnapshot(),
		"presence":     sessions.PresenceSnapshot(),
		"time_limit":   sessions.TimeLimitStatus(),
	})
	sessions.Broadcast(protocol.ActionPresenceSync, map[string]interface{}{
		"participants": sessions.PresenceSnapshot(),
	})

	logger.Info("Client %s joined from %s", c.username, c.conn.RemoteAddr())
	return nil
}

// handleMessage dispatches one frame in the Active state
func (c *Client) handleMessage(envelope protocol.Envelope) error {
	sessions := c.server.sessions

	switch envelope.Action {
	case protocol.ActionHeartbeat:
		sessions.MarkHeartbeat(c.username)
		return nil

	case protocol.ActionChatMessage:
		var msg protocol.ChatMessage
		if err := protocol.DecodeData(envelope, &msg); err != nil {
			return err
		}
		// The authenticated username is the sender, whatever the frame says
		msg.Sender = c.username
		msg.NormalizeRecipients()
		if msg.TimestampMs == 0 {
			msg.TimestampMs = time.Now().UnixMilli()
		}
		sessions.AddChatMessage(msg)
		if len(msg.Recipients) == 0 {
			sessions.Broadcast(protocol.ActionChatMessage, msg)
			return nil
		}
		targets := map[string]struct{}{c.username: {}}
		for _, recipient := range msg.Recipients {
			targets[recipient] = struct{}{}
		}
		for target := range targets {
			sessions.SendTo(target, protocol.ActionChatMessage, msg)
		}
		return nil

	case protocol.ActionPresenterGranted:
		if !sessions.GrantPresenter(c.username) {
			return nil
		}
		sessions.Broadcast(protocol.ActionPresenterGranted, map[string]interface{}{
			"username": c.username,
		})
		return nil

	case protocol.ActionPresenterRevoked:
		sessions.RevokePresenter(c.username)
		sessions.Broadcast(protocol.ActionPresenterRevoked, map[string]interface{}{
			"username": c.username,
		})
		return nil

	case protocol.ActionFileRequest:
		var req protocol.FileRequest
		if err := protocol.DecodeData(envelope, &req); err != nil {
			return err
		}
		if req.Request == "list" && c.server.files != nil {
			sessions.SendTo(c.username, protocol.ActionFileOffer, map[string]interface{}{
				"files": c.server.files.ListFiles(),
			})
		}
		return nil

	case protocol.ActionVideoStatus:
		var status protocol.VideoStatus
		if err := protocol.DecodeData(envelope, &status); err != nil {
			return err
		}
		if state := sessions.UpdateMediaState(c.username, nil, &status.VideoEnabled); state != nil {
			sessions.Broadcast(protocol.ActionVideoStatus, state)
			c.broadcastPresenceEntry()
		}
		return nil

	case protocol.ActionAudioStatus:
		var status protocol.AudioStatus
		if err := protocol.DecodeData(envelope, &status); err != nil {
			return err
		}
		if state := sessions.UpdateMediaState(c.username, &status.AudioEnabled, nil); state != nil {
			sessions.Broadcast(protocol.ActionAudioStatus, state)
			c.broadcastPresenceEntry()
		}
		return nil

	case protocol.ActionTypingStatus:
		var status protocol.TypingStatus
		if err := protocol.DecodeData(envelope, &status); err != nil {
			return err
		}
		if state := sessions.SetTyping(c.username, status.IsTyping); state != nil {
			sessions.Broadcast(protocol.ActionTypingStatus, state)
			c.broadcastPresenceEntry()
		}
		return nil

	case protocol.ActionHandStatus:
		var status protocol.HandStatus
		if err := protocol.DecodeData(envelope, &status); err != nil {
			return err
		}
		if state := sessions.SetHandStatus(c.username, status.HandRaised); state != nil {
			sessions.Broadcast(protocol.ActionHandStatus, state)
			// Hand-raise ordering drives a queue UI; resync everyone
			sessions.Broadcast(protocol.ActionPresenceSync, map[string]interface{}{
				"participants": sessions.PresenceSnapshot(),
			})
			c.broadcastPresenceEntry()
		}
		return nil

	case protocol.ActionReaction:
		var reaction protocol.Reaction
		if err := protocol.DecodeData(envelope, &reaction); err != nil {
			return err
		}
		sessions.Broadcast(protocol.ActionReaction, map[string]interface{}{
			"username":     c.username,
			"reaction":     reaction.Reaction,
			"timestamp_ms": reaction.TimestampMs,
		})
		return nil

	case protocol.ActionLatencyUpdate:
		var update protocol.LatencyUpdate
		if err := protocol.DecodeData(envelope, &update); err != nil {
			return err
		}
		if state := sessions.UpdateLatency(c.username, update.LatencyMs, update.JitterMs); state != nil {
			sessions.Broadcast(protocol.ActionLatencyUpdate, state)
			c.broadcastPresenceEntry()
		}
		return nil

	default:
		// Forward compatibility: unknown actions are logged and ignored
		logger.Debug("Unhandled control action %s from %s", envelope.Action, c.username)
		return nil
	}
}

func (c *Client) broadcastPresenceEntry() {
	if entry, ok := c.server.sessions.PresenceEntryFor(c.username); ok {
		c.server.sessions.Broadcast(protocol.ActionPresenceUpdate, entry)
	}
}

// sendDirect writes a terminal notice on a connection with no session yet
func (c *Client) sendDirect(action protocol.Action, data interface{}) {
	frame, err := protocol.EncodeControlMessage(action, data)
	if err != nil {
		return
	}
	if err := c.Enqueue(frame); err != nil {
		logger.Debug("Failed to notify %s before close: %v", c.conn.RemoteAddr(), err)
	}
}

// cleanup transitions to Closed: the session entry is removed exactly once,
// departures are announced only when something was actually removed, and
// relay registrations are dropped.
func (c *Client) cleanup() {
	if c.username != "" {
		sessions := c.server.sessions
		removed := sessions.Unregister(c.username, "user_left", nil)
		if removed {
			sessions.Broadcast(protocol.ActionUserLeft, map[string]interface{}{
				"username":     c.username,
				"participants": sessions.ListClients(),
			})
			sessions.Broadcast(protocol.ActionPresenceSync, map[string]interface{}{
				"participants": sessions.PresenceSnapshot(),
			})
		}
		c.server.CleanupRelays(c.username)
	}
	c.Close()
}

func (c *Client) describe() string {
	if c.username != "" {
		return c.username
	}
	return fmt.Sprintf("%s (%s)", c.id, c.conn.RemoteAddr())
}
