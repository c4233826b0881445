// Package relay implements the media-plane endpoints: the UDP audio mixer,
// the UDP video relay, the TCP screen relay, and the UDP latency echo. The
// relays key their per-address state by username from an out-of-band
// registration message; the control plane tells them when a user leaves.
package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
)

// mixStreamID labels the server-generated mix in outgoing audio headers
const mixStreamID = 1

// AudioMixer receives PCM chunks over UDP, buffers them per user, and every
// mix interval sends each registered address a personalized mix of everyone
// else's audio. A destination never hears its own echo, and a tick with no
// other contributor sends that destination nothing.
type AudioMixer struct {
	host string
	port int

	conn *net.UDPConn

	mu      sync.Mutex
	clients map[string]*audioClient // keyed by addr.String()
	buffers map[string][][]float32  // username -> queued chunks

	sampleRate   int
	channels     int
	frameSamples int
	sequence     uint32

	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

type audioClient struct {
	username string
	addr     *net.UDPAddr
}

func NewAudioMixer(host string, port int) *AudioMixer {
	return &AudioMixer{
		host:         host,
		port:         port,
		clients:      make(map[string]*audioClient),
		buffers:      make(map[string][][]float32),
		sampleRate:   16000,
		channels:     1,
		frameSamples: 320,
		stopChan:     make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the receive and mix loops
func (m *AudioMixer) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(m.host), Port: m.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind audio port: %w", err)
	}
	m.conn = conn

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	go m.readLoop()
	go m.mixLoop()

	logger.Info("Audio mixer listening on %s:%d", m.host, m.port)
	return nil
}

// Stop closes the socket, which unblocks the read loop, and halts the mixer
func (m *AudioMixer) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.stopChan)
		if m.conn != nil {
			m.conn.Close()
		}
		logger.Info("Audio mixer stopped")
	})
}

// SampleRate reports the negotiated capture rate for the WELCOME payload
func (m *AudioMixer) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleRate
}

// RemoveUser drops the user's registration and any buffered audio
func (m *AudioMixer) RemoveUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, client := range m.clients {
		if client.username == username {
			delete(m.clients, key)
		}
	}
	delete(m.buffers, username)
}

func (m *AudioMixer) readLoop() {
	buf := make([]byte, consts.MaxDatagramSize)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn("Audio mixer read error: %v", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.handleDatagram(data, addr)
	}
}

func (m *AudioMixer) handleDatagram(data []byte, addr *net.UDPAddr) {
	key := addr.String()

	m.mu.Lock()
	client, registered := m.clients[key]
	m.mu.Unlock()

	if !registered {
		var reg protocol.RelayRegister
		if err := json.Unmarshal(data, &reg); err != nil {
			return
		}
		if err := reg.Validate(); err != nil {
			return
		}

		m.mu.Lock()
		m.clients[key] = &audioClient{username: reg.Username, addr: addr}
		if reg.SampleRate > 0 {
			m.sampleRate = reg.SampleRate
		}
		if reg.Channels > 0 {
			m.channels = reg.Channels
		}
		if reg.FrameSamples > 0 {
			m.frameSamples = reg.FrameSamples
		}
		m.mu.Unlock()

		logger.Info("Registered audio client %s at %s", reg.Username, addr)
		return
	}

	header, err := protocol.UnpackMediaHeader(data)
	if err != nil {
		return
	}
	if header.PayloadType != protocol.PayloadAudio {
		return
	}

	samples := decodeSamples(data[protocol.MediaHeaderSize:])
	if len(samples) == 0 {
		return
	}

	m.mu.Lock()
	queue := m.buffers[client.username]
	if len(queue) >= consts.JitterBufferChunks {
		// Jitter buffer full: drop the oldest chunk rather than grow latency
		queue = queue[1:]
	}
	m.buffers[client.username] = append(queue, samples)
	m.mu.Unlock()
}

func (m *AudioMixer) mixLoop() {
	ticker := time.NewTicker(consts.AudioMixInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mixOnce()
		}
	}
}

// mixOnce drains at most one chunk per user and sends each destination the
// mean of every other user's chunk
func (m *AudioMixer) mixOnce() {
	m.mu.Lock()
	targets := make([]*audioClient, 0, len(m.clients))
	for _, client := range m.clients {
		targets = append(targets, client)
	}
	contributions := make(map[string][]float32)
	for username, queue := range m.buffers {
		if len(queue) == 0 {
			continue
		}
		contributions[username] = queue[0]
		m.buffers[username] = queue[1:]
	}
	m.sequence = (m.sequence + 1) % protocol.SequenceModulus
	sequence := m.sequence
	m.mu.Unlock()

	if len(targets) == 0 || len(contributions) == 0 {
		return
	}

	maxLen := 0
	for _, chunk := range contributions {
		if len(chunk) > maxLen {
			maxLen = len(chunk)
		}
	}

	header := protocol.MediaHeader{
		StreamID:       mixStreamID,
		SequenceNumber: sequence,
		TimestampMs:    float32(time.Now().UnixMilli() % math.MaxInt32),
		PayloadType:    protocol.PayloadAudio,
	}.Pack()

	for _, target := range targets {
		mix := mixExcluding(contributions, target.username, maxLen)
		if mix == nil {
			continue
		}
		datagram := append(append(make([]byte, 0, len(header)+4*len(mix)), header...), encodeSamples(mix)...)
		if _, err := m.conn.WriteToUDP(datagram, target.addr); err != nil {
			logger.Warn("Failed to send mixed audio to %s: %v", target.username, err)
		}
	}
}

// mixExcluding averages every contributor except the named one, zero-padding
// shorter chunks to maxLen. Nil means nobody else contributed this tick.
func mixExcluding(contributions map[string][]float32, exclude string, maxLen int) []float32 {
	count := 0
	mix := make([]float32, maxLen)
	for username, chunk := range contributions {
		if username == exclude {
			continue
		}
		for i, sample := range chunk {
			mix[i] += sample
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range mix {
		mix[i] /= float32(count)
	}
	return mix
}

// Audio payloads are little-endian float32 PCM, matching client capture
func decodeSamples(payload []byte) []float32 {
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return samples
}

func encodeSamples(samples []float32) []byte {
	payload := make([]byte, 4*len(samples))
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(sample))
	}
	return payload
}
