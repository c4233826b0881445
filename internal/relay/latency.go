package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
)

// LatencyEcho answers UDP probes with the client's own fields plus a server
// timestamp. It keeps no per-client state and never touches the session
// manager; round-trip measurement is pure request/response.
type LatencyEcho struct {
	host string
	port int

	conn *net.UDPConn

	keyMu        sync.Mutex
	preSharedKey string

	stopOnce sync.Once
}

func NewLatencyEcho(host string, port int, preSharedKey string) *LatencyEcho {
	return &LatencyEcho{
		host:         host,
		port:         port,
		preSharedKey: preSharedKey,
	}
}

// SetPreSharedKey swaps the key accepted on probes (config hot reload)
func (e *LatencyEcho) SetPreSharedKey(key string) {
	e.keyMu.Lock()
	e.preSharedKey = key
	e.keyMu.Unlock()
}

func (e *LatencyEcho) currentKey() string {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	return e.preSharedKey
}

func (e *LatencyEcho) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(e.host), Port: e.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind latency port: %w", err)
	}
	e.conn = conn
	go e.readLoop()

	logger.Info("Latency echo listening on %s:%d", e.host, e.port)
	return nil
}

func (e *LatencyEcho) Stop() {
	e.stopOnce.Do(func() {
		if e.conn != nil {
			e.conn.Close()
		}
		logger.Info("Latency echo stopped")
	})
}

func (e *LatencyEcho) readLoop() {
	buf := make([]byte, consts.MaxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn("Latency echo read error: %v", err)
			}
			return
		}

		response, ok := e.buildResponse(buf[:n], addr)
		if !ok {
			continue
		}
		if _, err := e.conn.WriteToUDP(response, addr); err != nil {
			logger.Warn("Failed to respond to latency probe from %s: %v", addr, err)
		}
	}
}

func (e *LatencyEcho) buildResponse(data []byte, addr *net.UDPAddr) ([]byte, bool) {
	var probe protocol.LatencyProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		logger.Debug("Discarding malformed latency probe from %s", addr)
		return nil, false
	}

	if key := e.currentKey(); key != "" && probe.PreSharedKey != key {
		logger.Warn("Latency probe rejected due to invalid key from %s", addr)
		return nil, false
	}

	response := map[string]interface{}{
		"timestamp_ms":        probe.TimestampMs,
		"server_timestamp_ms": time.Now().UnixMilli(),
	}
	if probe.Username != "" {
		response["username"] = probe.Username
	}
	if probe.Sequence != nil {
		response["sequence"] = *probe.Sequence
	}
	if probe.Echo != "" {
		response["echo"] = probe.Echo
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, false
	}
	return payload, true
}
