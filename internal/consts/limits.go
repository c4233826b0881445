package consts

import "time"

// Bounded history sizes
const (
	// ChatHistoryLimit is the maximum number of chat messages retained for late joiners
	ChatHistoryLimit = 200
	// EventLogLimit is the maximum number of audit events retained in memory
	EventLogLimit = 1000
	// LogTailLimit is the maximum number of recent log lines kept for diagnostics
	LogTailLimit = 200
)

// Buffer sizes for network operations
const (
	// BufferSize4KB is 4 kilobytes
	BufferSize4KB = 4 * 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// MaxControlFrameSize is the largest accepted control frame body
	MaxControlFrameSize = 1024 * 1024
	// MaxDatagramSize is the receive buffer for a single UDP datagram
	MaxDatagramSize = 64 * 1024
	// MaxScreenFrameSize is the largest accepted screen-share frame
	MaxScreenFrameSize = 16 * 1024 * 1024
)

// Outbound queue depths
const (
	// ClientSendQueue is the per-connection outbound frame buffer
	ClientSendQueue = 256
	// JitterBufferChunks is the per-user audio jitter buffer capacity (~200ms at 20ms chunks)
	JitterBufferChunks = 10
	// EventSubscriberQueue is the buffer for admin event subscriptions
	EventSubscriberQueue = 64
)

// Timeouts and intervals
const (
	// HeartbeatTimeout is the interval of the heartbeat watcher; clients silent
	// for more than twice this value are evicted
	HeartbeatTimeout = 10 * time.Second
	// AudioMixInterval is the period of the audio mix loop
	AudioMixInterval = 20 * time.Millisecond
	// AcceptPollInterval bounds how long an accept loop blocks before
	// rechecking its stop signal
	AcceptPollInterval = 1 * time.Second
	// WriteTimeout is the per-frame deadline for outbound TCP writes
	WriteTimeout = 10 * time.Second
	// ShutdownGrace is how long shutdown waits for connections to drain
	ShutdownGrace = 100 * time.Millisecond
)

// Session limits
const (
	// TimeLimitMinimum is the floor applied to admin-set session time limits
	TimeLimitMinimum = 60 * time.Second
	// MaxUploadSize is the default cap for a single file upload
	MaxUploadSize = 512 * 1024 * 1024
)
