package session

import (
	"time"

	"github.com/codefionn/lancollab/internal/consts"
)

// Event is one append-only audit log entry
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	Timestamp float64                `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`
}

// recordEventLocked appends to the bounded event log and fans the entry out
// to subscribers. Callers hold the manager mutex. Publishing never blocks; a
// slow subscriber misses entries.
func (m *Manager) recordEventLocked(eventType string, details map[string]interface{}) {
	m.eventSeq++
	event := Event{
		Seq:       m.eventSeq,
		Type:      eventType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Details:   details,
	}
	m.events = append(m.events, event)
	if len(m.events) > consts.EventLogLimit {
		m.events = m.events[len(m.events)-consts.EventLogLimit:]
	}

	for _, sub := range m.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// RecentEvents returns up to limit most recent events, oldest first
func (m *Manager) RecentEvents(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentEventsLocked(limit)
}

func (m *Manager) recentEventsLocked(limit int) []Event {
	if limit <= 0 || len(m.events) == 0 {
		return []Event{}
	}
	if limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]Event, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out
}

// SubscribeEvents registers a listener for future event log entries. The
// returned cancel function must be called to release the subscription.
func (m *Manager) SubscribeEvents() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, consts.EventSubscriberQueue)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
