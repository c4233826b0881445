package session

import (
	"time"

	"github.com/codefionn/lancollab/internal/consts"
)

// timeLimit is the optional admin-set session deadline. Timestamps are epoch
// seconds; remaining time and progress are recomputed on every read.
type timeLimit struct {
	startedAt    float64
	durationSecs float64
	actor        string
}

func (t *timeLimit) endTimestamp() float64 {
	return t.startedAt + t.durationSecs
}

// SetTimeLimit installs, replaces, or clears the session time limit and
// returns the resulting status payload. A nil or non-positive duration
// clears the limit; short durations are floored to one minute so a limit can
// never expire in the same breath it was set.
func (m *Manager) SetTimeLimit(durationMinutes *float64, startTimestamp *float64, actor string) map[string]interface{} {
	if actor == "" {
		actor = "admin"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if durationMinutes == nil || *durationMinutes <= 0 {
		m.timeLimit = nil
		m.recordEventLocked("time_limit_cleared", map[string]interface{}{"actor": actor})
		return m.timeLimitStatusLocked(now)
	}

	durationSecs := *durationMinutes * 60
	if minimum := consts.TimeLimitMinimum.Seconds(); durationSecs < minimum {
		durationSecs = minimum
	}
	start := float64(now.UnixNano()) / 1e9
	if startTimestamp != nil {
		start = *startTimestamp
	}
	m.timeLimit = &timeLimit{
		startedAt:    start,
		durationSecs: durationSecs,
		actor:        actor,
	}
	m.recordEventLocked("time_limit_set", map[string]interface{}{
		"actor":            actor,
		"duration_seconds": durationSecs,
		"started_at":       start,
	})
	return m.timeLimitStatusLocked(now)
}

// TimeLimitStatus returns the current limit status relative to now
func (m *Manager) TimeLimitStatus() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeLimitStatusLocked(time.Now())
}

func (m *Manager) timeLimitStatusLocked(now time.Time) map[string]interface{} {
	if m.timeLimit == nil {
		return map[string]interface{}{
			"is_active":         false,
			"remaining_seconds": nil,
		}
	}

	nowSecs := float64(now.UnixNano()) / 1e9
	elapsed := nowSecs - m.timeLimit.startedAt
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := m.timeLimit.durationSecs - elapsed
	if remaining < 0 {
		remaining = 0
	}
	progress := elapsed / m.timeLimit.durationSecs
	if progress > 1 {
		progress = 1
	}
	return map[string]interface{}{
		"is_active":         true,
		"duration_seconds":  m.timeLimit.durationSecs,
		"started_at":        m.timeLimit.startedAt,
		"end_timestamp":     m.timeLimit.endTimestamp(),
		"remaining_seconds": remaining,
		"progress":          progress,
		"is_expired":        remaining <= 0,
		"actor":             m.timeLimit.actor,
	}
}
