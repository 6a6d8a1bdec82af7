package pipeline

import (
	"sync"
	"time"
)

// SessionStatus is the lifecycle state of a tracked session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// SessionSnapshot is a point-in-time view of one CEM<->RM session,
// broadcast to session-update observers and served by the connections
// listing endpoint.
type SessionSnapshot struct {
	SessionID    string        `json:"session_id"`
	CEMID        string        `json:"cem_id"`
	RMID         string        `json:"rm_id"`
	Status       SessionStatus `json:"status"`
	OpenedAt     time.Time     `json:"opened_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
	MessageCount int           `json:"message_count"`
}

func (s SessionSnapshot) clone() SessionSnapshot {
	return s
}

type snapshotSubscriber struct {
	ch     chan SessionSnapshot
	closed bool
}

// SessionStateProcessor is the second C9 stage: it tracks every
// session's open/closed lifecycle and broadcasts updated snapshots to
// subscribers (the connections listing and session-update streams).
// A leading S2 message for a session with no prior SESSION_STARTED
// defensively opens one, since a reconnect can resume routing before
// the router's lifecycle marker is observed by this stage.
type SessionStateProcessor struct {
	mu        sync.Mutex
	sessions  map[string]*SessionSnapshot
	subs      map[string]*snapshotSubscriber
	nextSubID int
}

func NewSessionStateProcessor() *SessionStateProcessor {
	return &SessionStateProcessor{
		sessions: make(map[string]*SessionSnapshot),
		subs:     make(map[string]*snapshotSubscriber),
	}
}

func (s *SessionStateProcessor) Process(m *Message) *Message {
	switch m.Kind {
	case KindSessionStart:
		s.open(m)
	case KindSessionEnd:
		s.close(m)
	case KindS2, KindMsgInjected:
		s.touch(m)
	}
	return m
}

func (s *SessionStateProcessor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(s.subs, id)
	}
}

func (s *SessionStateProcessor) open(m *Message) *SessionSnapshot {
	s.mu.Lock()
	snap, ok := s.sessions[m.SessionID]
	if !ok {
		snap = &SessionSnapshot{
			SessionID: m.SessionID,
			CEMID:     m.CEMID,
			RMID:      m.RMID,
			Status:    SessionOpen,
			OpenedAt:  m.Timestamp,
		}
		s.sessions[m.SessionID] = snap
	}
	cp := snap.clone()
	s.mu.Unlock()
	s.broadcast(cp)
	return snap
}

func (s *SessionStateProcessor) close(m *Message) {
	s.mu.Lock()
	snap, ok := s.sessions[m.SessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	snap.Status = SessionClosed
	closedAt := m.Timestamp
	snap.ClosedAt = &closedAt
	cp := snap.clone()
	s.mu.Unlock()
	s.broadcast(cp)
}

func (s *SessionStateProcessor) touch(m *Message) {
	s.mu.Lock()
	snap, ok := s.sessions[m.SessionID]
	if !ok {
		snap = &SessionSnapshot{
			SessionID: m.SessionID,
			CEMID:     m.CEMID,
			RMID:      m.RMID,
			Status:    SessionOpen,
			OpenedAt:  m.Timestamp,
		}
		s.sessions[m.SessionID] = snap
	}
	snap.MessageCount++
	cp := snap.clone()
	s.mu.Unlock()
	s.broadcast(cp)
}

// Snapshot returns the current state of one session, if tracked.
func (s *SessionStateProcessor) Snapshot(sessionID string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[sessionID]
	if !ok {
		return SessionSnapshot{}, false
	}
	return snap.clone(), true
}

// All returns every tracked session, open and closed, for the
// connections listing endpoint.
func (s *SessionStateProcessor) All() []SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(s.sessions))
	for _, snap := range s.sessions {
		out = append(out, snap.clone())
	}
	return out
}

// Subscribe registers a session-update observer and replays the
// current snapshot of every tracked session before streaming updates.
func (s *SessionStateProcessor) Subscribe(bufSize int) (id string, ch <-chan SessionSnapshot) {
	s.mu.Lock()
	s.nextSubID++
	subID := snapshotSubIDFor(s.nextSubID)
	sub := &snapshotSubscriber{ch: make(chan SessionSnapshot, bufSize)}
	s.subs[subID] = sub
	current := make([]SessionSnapshot, 0, len(s.sessions))
	for _, snap := range s.sessions {
		current = append(current, snap.clone())
	}
	s.mu.Unlock()

	for _, snap := range current {
		select {
		case sub.ch <- snap:
		default:
		}
	}
	return subID, sub.ch
}

func (s *SessionStateProcessor) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	delete(s.subs, id)
}

func (s *SessionStateProcessor) broadcast(snap SessionSnapshot) {
	s.mu.Lock()
	subs := make([]*snapshotSubscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

func snapshotSubIDFor(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sess-sub-0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{alphabet[n%36]}, buf...)
		n /= 36
	}
	return "sess-sub-" + string(buf)
}
