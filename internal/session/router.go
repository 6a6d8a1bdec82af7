package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s2flex/s2mitm/internal/pipeline"
	"github.com/s2flex/s2mitm/internal/s2"
)

// ErrNoConnection is returned by Inject when no live half-connection
// holds the requested (origin, dest) key, per spec §6.1's inject
// endpoint contract.
var ErrNoConnection = errors.New("no connection for this cem/rm pair")

type pairKey struct {
	CEMID string
	RMID  string
}

// pairEntry tracks one CEM<->RM pair across reconnects: the session id
// is stable for as long as either half remains known to the router
// (spec Q4), and each side has its own buffer for envelopes addressed
// to it while it is absent.
type pairEntry struct {
	sessionID    string
	cem          *HalfConnection
	rm           *HalfConnection
	pendingToCEM *envelopeQueue
	pendingToRM  *envelopeQueue
}

func (e *pairEntry) bothAbsent() bool {
	return e.cem == nil && e.rm == nil
}

// Router is the Session Router (C3): it pairs half-connections by
// (cem_id, rm_id), forwards envelopes between them in arrival order,
// buffers for an absent partner, and emits session lifecycle messages
// into the message pipeline.
type Router struct {
	mu             sync.Mutex
	pairs          map[pairKey]*pairEntry
	halves         map[ConnectionKey]*HalfConnection
	pipeline       *pipeline.Pipeline
	maxBuffered    int
	logger         *slog.Logger
	closeListeners []func(*HalfConnection)
}

func NewRouter(pl *pipeline.Pipeline, maxBuffered int, logger *slog.Logger) *Router {
	return &Router{
		pairs:       make(map[pairKey]*pairEntry),
		halves:      make(map[ConnectionKey]*HalfConnection),
		pipeline:    pl,
		maxBuffered: maxBuffered,
		logger:      logger,
	}
}

// OnHalfClosed registers a callback invoked, after teardown bookkeeping
// completes, whenever any half-connection finishes closing. Used by the
// emulated CEM (C6) to tear down a DeviceModel when its RM's real
// half-connection disconnects (spec §4.6).
func (r *Router) OnHalfClosed(fn func(*HalfConnection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeListeners = append(r.closeListeners, fn)
}

// Register attaches h to its (cem_id, rm_id) pair, creating the pair
// (and a fresh session id) if this is the first half seen for it, or
// reusing the existing session id if the pair is already known (spec
// Q4: reconnect reuses the session id as long as the pair entry is
// still tracked). Any envelopes buffered for h while it was absent are
// drained into its outbound queue.
func (r *Router) Register(h *HalfConnection) string {
	r.mu.Lock()
	key := pairKey{CEMID: h.CEMID(), RMID: h.RMID()}
	entry, ok := r.pairs[key]
	isNewPair := !ok
	if !ok {
		entry = &pairEntry{
			sessionID:    uuid.NewString(),
			pendingToCEM: newEnvelopeQueue(r.maxBuffered, r.overflowLogger(key)),
			pendingToRM:  newEnvelopeQueue(r.maxBuffered, r.overflowLogger(key)),
		}
		r.pairs[key] = entry
	}

	var drain []Envelope
	if h.OriginType == s2.OriginCEM {
		entry.cem = h
		drain = entry.pendingToCEM.Drain()
	} else {
		entry.rm = h
		drain = entry.pendingToRM.Drain()
	}
	r.halves[h.Key()] = h
	sessionID := entry.sessionID
	r.mu.Unlock()

	for _, env := range drain {
		h.Enqueue(env)
	}

	if isNewPair {
		r.emitLifecycle(sessionID, key, pipeline.KindSessionStart)
	}
	return sessionID
}

// ConnectionHasClosed is called by a half-connection's own teardown
// path once its tasks have stopped. It detaches h from its pair,
// always emits SESSION_ENDED for the pair's current session id, and
// forgets the pair entirely once both sides are gone.
func (r *Router) ConnectionHasClosed(h *HalfConnection) {
	r.mu.Lock()
	key := pairKey{CEMID: h.CEMID(), RMID: h.RMID()}
	entry, ok := r.pairs[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if h.OriginType == s2.OriginCEM {
		entry.cem = nil
	} else {
		entry.rm = nil
	}
	delete(r.halves, h.Key())
	sessionID := entry.sessionID
	gone := entry.bothAbsent()
	if gone {
		delete(r.pairs, key)
	}
	r.mu.Unlock()

	r.emitLifecycle(sessionID, key, pipeline.KindSessionEnd)

	for _, fn := range r.listenersSnapshot() {
		fn(h)
	}
}

func (r *Router) listenersSnapshot() []func(*HalfConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]func(*HalfConnection){}, r.closeListeners...)
}

// RouteS2 forwards a single S2 payload from h to its partner,
// buffering it if the partner is not currently connected, and always
// hands a copy to the message pipeline for logging/parsing/persistence
// /fan-out.
func (r *Router) RouteS2(h *HalfConnection, payload map[string]any) {
	r.route(h, payload, pipeline.KindS2)
}

// Inject forwards an operator-supplied payload as though it had
// arrived from originID, addressed to destID. It returns
// ErrNoConnection if no live half-connection currently holds that
// exact (origin, dest) key (nothing to buffer for, per spec: injection
// targets a live session).
func (r *Router) Inject(originID, destID string, payload map[string]any) error {
	r.mu.Lock()
	h, ok := r.halves[ConnectionKey{OriginID: originID, DestID: destID}]
	r.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}
	r.route(h, payload, pipeline.KindMsgInjected)
	return nil
}

func (r *Router) route(h *HalfConnection, payload map[string]any, kind pipeline.MessageKind) {
	env := Envelope{
		EnvelopeID: uuid.NewString(),
		OriginID:   h.OriginID,
		DestID:     h.DestID,
		Payload:    payload,
	}

	r.mu.Lock()
	key := pairKey{CEMID: h.CEMID(), RMID: h.RMID()}
	entry, ok := r.pairs[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	sessionID := entry.sessionID
	var partner *HalfConnection
	if h.OriginType == s2.OriginCEM {
		partner = entry.rm
	} else {
		partner = entry.cem
	}
	if partner == nil {
		if h.OriginType == s2.OriginCEM {
			entry.pendingToRM.Push(env)
		} else {
			entry.pendingToCEM.Push(env)
		}
	}
	r.mu.Unlock()

	if partner != nil {
		partner.Enqueue(env)
	}

	r.pipeline.Enqueue(&pipeline.Message{
		SessionID:  sessionID,
		CEMID:      h.CEMID(),
		RMID:       h.RMID(),
		OriginType: h.OriginType,
		Timestamp:  time.Now(),
		Kind:       kind,
		RawPayload: payload,
	})
}

func (r *Router) emitLifecycle(sessionID string, key pairKey, kind pipeline.MessageKind) {
	r.pipeline.Enqueue(&pipeline.Message{
		SessionID:  sessionID,
		CEMID:      key.CEMID,
		RMID:       key.RMID,
		Timestamp:  time.Now(),
		Kind:       kind,
		RawPayload: map[string]any{},
	})
}

func (r *Router) overflowLogger(key pairKey) func(Envelope) {
	return func(dropped Envelope) {
		r.logger.Warn("router buffer overflow, dropping oldest envelope",
			"cem_id", key.CEMID, "rm_id", key.RMID, "dropped_envelope_id", dropped.EnvelopeID)
	}
}
