package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
)

// VideoRelay forwards each participant's encoded video datagrams verbatim to
// every other registered address. No buffering and no backpressure: a slow
// receiver simply misses frames.
type VideoRelay struct {
	host string
	port int

	conn *net.UDPConn

	mu      sync.Mutex
	clients map[string]*videoClient // keyed by addr.String()

	stopOnce sync.Once
}

type videoClient struct {
	username string
	addr     *net.UDPAddr
}

func NewVideoRelay(host string, port int) *VideoRelay {
	return &VideoRelay{
		host:    host,
		port:    port,
		clients: make(map[string]*videoClient),
	}
}

func (r *VideoRelay) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(r.host), Port: r.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind video port: %w", err)
	}
	r.conn = conn
	go r.readLoop()

	logger.Info("Video relay listening on %s:%d", r.host, r.port)
	return nil
}

func (r *VideoRelay) Stop() {
	r.stopOnce.Do(func() {
		if r.conn != nil {
			r.conn.Close()
		}
		logger.Info("Video relay stopped")
	})
}

// RemoveUser drops every address registered under the username
func (r *VideoRelay) RemoveUser(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, client := range r.clients {
		if client.username == username {
			delete(r.clients, key)
		}
	}
}

func (r *VideoRelay) readLoop() {
	buf := make([]byte, consts.MaxDatagramSize)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn("Video relay read error: %v", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.handleDatagram(data, addr)
	}
}

func (r *VideoRelay) handleDatagram(data []byte, addr *net.UDPAddr) {
	key := addr.String()

	r.mu.Lock()
	_, registered := r.clients[key]
	r.mu.Unlock()

	if !registered {
		var reg protocol.RelayRegister
		if err := json.Unmarshal(data, &reg); err != nil {
			logger.Debug("Discarding non-JSON video handshake from %s", addr)
			return
		}
		if err := reg.Validate(); err != nil {
			logger.Debug("Rejected video handshake from %s: %v", addr, err)
			return
		}

		r.mu.Lock()
		r.clients[key] = &videoClient{username: reg.Username, addr: addr}
		r.mu.Unlock()

		logger.Info("Registered video client %s at %s", reg.Username, addr)
		return
	}

	header, err := protocol.UnpackMediaHeader(data)
	if err != nil {
		return
	}
	if header.PayloadType != protocol.PayloadVideo {
		return
	}

	r.mu.Lock()
	targets := make([]*videoClient, 0, len(r.clients))
	for targetKey, client := range r.clients {
		if targetKey == key {
			continue
		}
		targets = append(targets, client)
	}
	r.mu.Unlock()

	for _, target := range targets {
		if _, err := r.conn.WriteToUDP(data, target.addr); err != nil {
			logger.Warn("Failed to forward video frame to %s: %v", target.username, err)
		}
	}
}
