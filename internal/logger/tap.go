package logger

import (
	"sync"
	"time"

	"github.com/codefionn/lancollab/internal/consts"
)

// TapEntry is one captured log line
type TapEntry struct {
	Message   string  `json:"message"`
	Level     string  `json:"level"`
	Timestamp float64 `json:"timestamp"`
}

// Tap keeps a bounded ring of recent log lines so the admin dashboard can
// show a log tail without reading the log file.
type Tap struct {
	mu      sync.Mutex
	entries []TapEntry
}

func newTap() *Tap {
	return &Tap{}
}

func (t *Tap) record(level Level, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, TapEntry{
		Message:   message,
		Level:     levelLower(level),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if len(t.entries) > consts.LogTailLimit {
		t.entries = t.entries[len(t.entries)-consts.LogTailLimit:]
	}
}

func (t *Tap) tail(limit int) []TapEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || len(t.entries) == 0 {
		return nil
	}
	if limit > len(t.entries) {
		limit = len(t.entries)
	}
	out := make([]TapEntry, limit)
	copy(out, t.entries[len(t.entries)-limit:])
	return out
}

func levelLower(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
