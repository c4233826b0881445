// Package session owns all shared mutable collaboration state: connected
// clients, presence, chat history, the presenter, bans, the time limit, and
// the audit event log. Every other component calls into the Manager instead
// of holding its own copy of truth.
package session

import (
	"net"
	"time"
)

// Transport is the outbound side of a control connection. Enqueue must not
// block: a recipient that cannot keep up loses frames rather than stalling a
// broadcast to everyone else.
type Transport interface {
	Enqueue(frame []byte) error
	Close()
}

// ConnectedClient tracks one active control connection. It is owned
// exclusively by the Manager; no other component retains a pointer.
type ConnectedClient struct {
	Username    string
	ConnectedAt time.Time
	PeerIP      string
	PeerPort    int

	transport Transport
	lastSeen  time.Time

	IsPresenter  bool
	AudioEnabled bool
	VideoEnabled bool
	IsTyping     bool
	LastTypingAt time.Time
	HandRaised   bool
	HandRaisedAt time.Time
	LatencyMs    *float64
	JitterMs     *float64

	BytesSent     int64
	BytesReceived int64
}

func newConnectedClient(username string, transport Transport, peer net.Addr) *ConnectedClient {
	c := &ConnectedClient{
		Username:    username,
		ConnectedAt: time.Now(),
		transport:   transport,
		lastSeen:    time.Now(),
	}
	if tcp, ok := peer.(*net.TCPAddr); ok && tcp != nil {
		c.PeerIP = tcp.IP.String()
		c.PeerPort = tcp.Port
	} else if peer != nil {
		c.PeerIP = peer.String()
	}
	return c
}

func (c *ConnectedClient) touch() {
	c.lastSeen = time.Now()
}

func (c *ConnectedClient) lastSeenSeconds(now time.Time) float64 {
	seconds := now.Sub(c.lastSeen).Seconds()
	if seconds < 0 {
		return 0
	}
	return seconds
}
