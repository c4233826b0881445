package protocol

import (
	"fmt"
	"strings"
)

// Hello is the first frame a client must send on the control connection
type Hello struct {
	Username      string `json:"username"`
	PreSharedKey  string `json:"pre_shared_key,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// Validate rejects identities the session manager cannot key on
func (h *Hello) Validate() error {
	if strings.TrimSpace(h.Username) == "" {
		return fmt.Errorf("hello missing username")
	}
	return nil
}

// ChatMessage is a chat payload. Empty Recipients means broadcast; otherwise
// the message is delivered only to the listed users plus the sender.
type ChatMessage struct {
	Sender      string   `json:"sender"`
	Message     string   `json:"message"`
	TimestampMs int64    `json:"timestamp_ms"`
	Recipients  []string `json:"recipients,omitempty"`
}

// NormalizeRecipients trims entries and drops blanks; nil means broadcast
func (m *ChatMessage) NormalizeRecipients() {
	if len(m.Recipients) == 0 {
		m.Recipients = nil
		return
	}
	cleaned := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		r = strings.TrimSpace(r)
		if r != "" {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		cleaned = nil
	}
	m.Recipients = cleaned
}

// FileOffer announces a completed upload
type FileOffer struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	Uploader  string `json:"uploader"`
}

// FileRequest asks the server about shared files
type FileRequest struct {
	Request string `json:"request"`
}

// VideoStatus toggles the sender's camera state
type VideoStatus struct {
	VideoEnabled bool `json:"video_enabled"`
}

// AudioStatus toggles the sender's microphone state
type AudioStatus struct {
	AudioEnabled bool `json:"audio_enabled"`
}

// TypingStatus reports whether the sender is composing a message
type TypingStatus struct {
	IsTyping bool `json:"is_typing"`
}

// HandStatus raises or lowers the sender's hand
type HandStatus struct {
	HandRaised bool `json:"hand_raised"`
}

// Reaction is an ephemeral emoji broadcast
type Reaction struct {
	Reaction    string `json:"reaction"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
}

// LatencyUpdate carries a client's round-trip measurement
type LatencyUpdate struct {
	LatencyMs float64  `json:"latency_ms"`
	JitterMs  *float64 `json:"jitter_ms,omitempty"`
}

// RelayRegister is the JSON handshake datagram mapping a UDP address to a
// username before binary media frames are accepted from it.
type RelayRegister struct {
	Action       string `json:"action"`
	Username     string `json:"username"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	FrameSamples int    `json:"frame_samples,omitempty"`
}

// Validate checks the handshake shape
func (r *RelayRegister) Validate() error {
	if r.Action != "register" {
		return fmt.Errorf("unexpected relay handshake action %q", r.Action)
	}
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("relay handshake missing username")
	}
	return nil
}

// ScreenHandshake opens a presenter's screen stream
type ScreenHandshake struct {
	Username string  `json:"username"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps,omitempty"`
}

// LatencyProbe is a latency echo request; unknown fields are not echoed back
type LatencyProbe struct {
	TimestampMs  *float64 `json:"timestamp_ms"`
	Username     string   `json:"username,omitempty"`
	Sequence     *int64   `json:"sequence,omitempty"`
	Echo         string   `json:"echo,omitempty"`
	PreSharedKey string   `json:"pre_shared_key,omitempty"`
}
