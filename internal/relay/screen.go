package relay

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
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

// ScreenRelay accepts one TCP stream from the active presenter and fans each
// received frame out over the control plane as a SCREEN_FRAME broadcast.
// Connections from anyone but the current presenter are rejected before any
// data is exchanged.
type ScreenRelay struct {
	host     string
	port     int
	sessions *session.Manager

	listener net.Listener

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewScreenRelay(host string, port int, sessions *session.Manager) *ScreenRelay {
	return &ScreenRelay{
		host:     host,
		port:     port,
		sessions: sessions,
		stopChan: make(chan struct{}),
	}
}

func (r *ScreenRelay) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.host, r.port))
	if err != nil {
		return fmt.Errorf("failed to bind screen port: %w", err)
	}
	r.listener = listener

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	go r.acceptLoop()

	logger.Info("Screen relay listening on %s:%d", r.host, r.port)
	return nil
}

func (r *ScreenRelay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.stopChan)
		if r.listener != nil {
			r.listener.Close()
		}
		logger.Info("Screen relay stopped")
	})
}

func (r *ScreenRelay) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *ScreenRelay) acceptLoop() {
	for r.isRunning() {
		if tcpListener, ok := r.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(consts.AcceptPollInterval))
		}

		conn, err := r.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Screen relay accept error: %v", err)
			continue
		}

		go r.handleStream(conn)
	}
}

func (r *ScreenRelay) handleStream(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	reader := bufio.NewReaderSize(conn, consts.BufferSize64KB)

	handshakeBytes, err := readLengthPrefixed(reader, consts.MaxControlFrameSize)
	if err != nil || handshakeBytes == nil {
		logger.Warn("Screen stream from %s ended before handshake: %v", peer, err)
		return
	}

	var handshake protocol.ScreenHandshake
	if err := json.Unmarshal(handshakeBytes, &handshake); err != nil {
		logger.Warn("Malformed screen handshake from %s: %v", peer, err)
		return
	}
	if handshake.Username == "" {
		logger.Warn("Screen handshake from %s missing username", peer)
		return
	}
	if !r.sessions.IsPresenter(handshake.Username) {
		logger.Warn("Rejected screen stream: %s is not the active presenter", handshake.Username)
		return
	}

	logger.Info("Screen stream from %s (%dx%d @ %.0f fps)",
		handshake.Username, handshake.Width, handshake.Height, handshake.FPS)

	r.sessions.Broadcast(protocol.ActionScreenControl, map[string]interface{}{
		"state":    "start",
		"username": handshake.Username,
		"width":    handshake.Width,
		"height":   handshake.Height,
	}, handshake.Username)

	defer r.sessions.Broadcast(protocol.ActionScreenControl, map[string]interface{}{
		"state":    "stop",
		"username": handshake.Username,
	}, handshake.Username)

	for {
		frame, err := readLengthPrefixed(reader, consts.MaxScreenFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn("Screen stream from %s failed: %v", handshake.Username, err)
			}
			return
		}
		if frame == nil {
			// Zero-length frame is the presenter's end-of-stream marker
			return
		}

		r.sessions.Broadcast(protocol.ActionScreenFrame, map[string]interface{}{
			"username":     handshake.Username,
			"timestamp_ms": time.Now().UnixMilli(),
			"frame":        base64.StdEncoding.EncodeToString(frame),
			"width":        handshake.Width,
			"height":       handshake.Height,
		}, handshake.Username)
	}
}

// readLengthPrefixed returns the next 4-byte big-endian prefixed blob, or
// (nil, nil) for a zero-length terminator
func readLengthPrefixed(reader io.Reader, limit uint32) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(reader, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length == 0 {
		return nil, nil
	}
	if length > limit {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", length, limit)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
