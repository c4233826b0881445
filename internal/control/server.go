// Package control implements the TCP control plane: the per-connection
// handshake/heartbeat/message state machine that translates client actions
// into session manager operations and broadcasts.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
	"github.com/codefionn/lancollab/internal/session"
)

// FileCatalog lists the files currently offered for download. Implemented by
// the transfer server; nil when file sharing is disabled.
type FileCatalog interface {
	ListFiles() []protocol.FileOffer
}

// MediaRegistry is a relay keying per-user state by username. The control
// server tells every registry when a user leaves so no ghost targets remain.
type MediaRegistry interface {
	RemoveUser(username string)
}

// Server accepts control connections and runs one Client per connection
type Server struct {
	host         string
	port         int
	sessions     *session.Manager
	files        FileCatalog
	relays       []MediaRegistry
	mediaConfig  map[string]interface{}
	listener     net.Listener

	keyMu        sync.RWMutex
	preSharedKey string

	connMu    sync.Mutex
	connCount int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewServer creates a control server bound to host:port
func NewServer(host string, port int, sessions *session.Manager, files FileCatalog, mediaConfig map[string]interface{}, preSharedKey string) *Server {
	if mediaConfig == nil {
		mediaConfig = map[string]interface{}{}
	}
	return &Server{
		host:         host,
		port:         port,
		sessions:     sessions,
		files:        files,
		mediaConfig:  mediaConfig,
		preSharedKey: preSharedKey,
		stopChan:     make(chan struct{}),
	}
}

// AddMediaRegistry registers a relay for leave-time cleanup
func (s *Server) AddMediaRegistry(registry MediaRegistry) {
	s.relays = append(s.relays, registry)
}

// SetPreSharedKey swaps the handshake key; applies to future connections
func (s *Server) SetPreSharedKey(key string) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	s.preSharedKey = key
}

func (s *Server) currentKey() string {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.preSharedKey
}

// Start begins accepting control connections
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("control server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.acceptLoop(ctx)

	logger.Info("Control server listening on %s", listener.Addr())
	return nil
}

// Stop stops accepting connections and detaches from the listener. Connected
// clients are torn down separately through the session manager.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Error("Error closing control listener: %v", err)
			}
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		logger.Info("Control server stopped")
	})
}

// acceptLoop accepts incoming connections until stopped
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
			if tcp, ok := s.listener.(*net.TCPListener); ok {
				tcp.SetDeadline(time.Now().Add(consts.AcceptPollInterval))
			}

			conn, err := s.listener.Accept()
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Error("Error accepting control connection: %v", err)
				continue
			}

			client := newClient(conn, s)
			client.start()
			logger.Info("Incoming control connection from %s", conn.RemoteAddr())
		}
	}
}

// ForceDisconnect kicks a connected user on behalf of an admin. The kick is
// sticky: the username is banned until explicitly unbanned. Returns false
// when the user is not connected.
func (s *Server) ForceDisconnect(username, actor string) bool {
	if actor == "" {
		actor = "admin"
	}
	s.sessions.SendTo(username, protocol.ActionKicked, map[string]interface{}{
		"reason": "An administrator removed you from this meeting.",
		"actor":  actor,
	})

	removed := s.sessions.Unregister(username, "user_kicked", map[string]interface{}{"actor": actor})
	if !removed {
		return false
	}

	s.sessions.BanUser(username)
	s.sessions.Broadcast(protocol.ActionUserLeft, map[string]interface{}{
		"username":     username,
		"participants": s.sessions.ListClients(),
	})
	s.sessions.Broadcast(protocol.ActionPresenceSync, map[string]interface{}{
		"participants": s.sessions.PresenceSnapshot(),
	})
	s.CleanupRelays(username)

	logger.Info("Forcefully disconnected %s (actor=%s)", username, actor)
	return true
}

// CleanupRelays drops any UDP/TCP relay registration for username
func (s *Server) CleanupRelays(username string) {
	for _, relay := range s.relays {
		relay.RemoveUser(username)
	}
}

func (s *Server) trackClient(c *Client) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connCount++
	c.id = fmt.Sprintf("conn_%d", s.connCount)
}

func (s *Server) mediaConfigPayload() map[string]interface{} {
	out := make(map[string]interface{}, len(s.mediaConfig))
	for k, v := range s.mediaConfig {
		out[k] = v
	}
	return out
}
