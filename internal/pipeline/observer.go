package pipeline

import (
	"log/slog"
	"sync"
)

// Filter limits an observer subscription to Messages matching any of
// its non-empty fields (OR-logic across supplied fields; an empty
// Filter matches everything), per spec §4.9.
type Filter struct {
	SessionID string
	CEMID     string
	RMID      string
}

// Matches reports whether m satisfies f.
func (f Filter) Matches(m *Message) bool {
	if f.SessionID == "" && f.CEMID == "" && f.RMID == "" {
		return true
	}
	if f.SessionID != "" && f.SessionID == m.SessionID {
		return true
	}
	if f.CEMID != "" && f.CEMID == m.CEMID {
		return true
	}
	if f.RMID != "" && f.RMID == m.RMID {
		return true
	}
	return false
}

// HistoryProvider supplies persisted Messages for replay when an
// observer subscribes with "include session history".
type HistoryProvider interface {
	ReplayForSession(sessionID string) ([]*Message, error)
}

// subscriberState tracks whether a subscriber is still replaying
// history (buffering live pushes) or has caught up to live streaming.
type subscriberState int

const (
	stateLive subscriberState = iota
	stateReplaying
)

type subscriber struct {
	mu      sync.Mutex
	state   subscriberState
	ch      chan *Message
	pending []*Message // buffered live messages queued during replay
	filter  Filter
	closed  bool
}

func (s *subscriber) push(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.state == stateReplaying {
		s.pending = append(s.pending, m)
		return
	}
	s.sendLocked(m)
}

func (s *subscriber) sendLocked(m *Message) {
	select {
	case s.ch <- m:
	default:
		// Slow subscriber: drop rather than block the pipeline consumer.
	}
}

// finishReplay flushes any messages buffered while replay ran, then
// switches the subscriber to live mode.
func (s *subscriber) finishReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.pending {
		s.sendLocked(m)
	}
	s.pending = nil
	s.state = stateLive
}

// ObserverFanout is the debugger-message fan-out processor (C9). It
// runs as a pipeline stage: non-blocking broadcast to per-subscriber
// channels, the same shape as an events.Bus broadcast, specialized to
// Messages and per-subscriber Filters.
type ObserverFanout struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	history HistoryProvider
	logger  *slog.Logger
	nextID  int
}

func NewObserverFanout(history HistoryProvider, logger *slog.Logger) *ObserverFanout {
	return &ObserverFanout{
		subs:    make(map[string]*subscriber),
		history: history,
		logger:  logger,
	}
}

// Subscribe registers a new observer and returns its id and receive
// channel. If includeHistory is true and filter.SessionID is set,
// persisted records for that session are replayed before live
// streaming begins; any live event published while replay runs is
// queued until after the replay completes.
func (o *ObserverFanout) Subscribe(filter Filter, bufSize int, includeHistory bool) (id string, ch <-chan *Message) {
	o.mu.Lock()
	o.nextID++
	subID := subIDFor(o.nextID)
	sub := &subscriber{
		ch:     make(chan *Message, bufSize),
		filter: filter,
		state:  stateLive,
	}
	if includeHistory && filter.SessionID != "" && o.history != nil {
		sub.state = stateReplaying
	}
	o.subs[subID] = sub
	o.mu.Unlock()

	if sub.state == stateReplaying {
		go o.replay(sub, filter.SessionID)
	}

	return subID, sub.ch
}

func (o *ObserverFanout) replay(sub *subscriber, sessionID string) {
	records, err := o.history.ReplayForSession(sessionID)
	if err != nil {
		o.logger.Error("observer history replay failed", "session_id", sessionID, "error", err)
		sub.finishReplay()
		return
	}
	for _, m := range records {
		sub.mu.Lock()
		sub.sendLocked(m)
		sub.mu.Unlock()
	}
	sub.finishReplay()
}

// Unsubscribe removes and closes a subscriber.
func (o *ObserverFanout) Unsubscribe(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sub, ok := o.subs[id]
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.ch)
	delete(o.subs, id)
}

// Process pushes m to every matching, still-live subscriber. Handles
// are removed by Unsubscribe itself, so Process only sees current ones.
func (o *ObserverFanout) Process(m *Message) *Message {
	o.mu.Lock()
	subs := make([]*subscriber, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	for _, s := range subs {
		if s.filter.Matches(m) {
			s.push(m)
		}
	}
	return m
}

func (o *ObserverFanout) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, s := range o.subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
		delete(o.subs, id)
	}
}

func subIDFor(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{alphabet[n%36]}, buf...)
		n /= 36
	}
	return "obs-" + string(buf)
}
