// Package session implements the S2Connection half-connection (C2) and
// the Session Router (C3): pairing two half-connections into a session,
// buffering envelopes while a peer is absent, and forwarding on arrival.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/s2flex/s2mitm/internal/s2"
)

// ConnectionKey identifies one half-connection by its origin and
// destination peer ids. The partner key is (DestID, OriginID).
type ConnectionKey struct {
	OriginID string
	DestID   string
}

// Partner returns the key of this half-connection's counterpart.
func (k ConnectionKey) Partner() ConnectionKey {
	return ConnectionKey{OriginID: k.DestID, DestID: k.OriginID}
}

// Envelope is a pure routing record. Once constructed it is never
// mutated — per spec §3, ownership transfers to whichever queue it is
// pushed onto.
type Envelope struct {
	EnvelopeID string
	OriginID   string
	DestID     string
	Payload    map[string]any
}

// Sink receives payloads handed to a virtual (socket-less) half
// connection instead of being written to a WebSocket. Used by the
// emulated CEM (C6), whose "CEM side" of a session has no adapter.
type Sink func(payload map[string]any)

// Adapter is the subset of wsconn.Adapter a HalfConnection needs. It is
// an interface so virtual (sink-backed) half-connections can omit it.
type Adapter interface {
	Receive() (string, error)
	Send(text string) error
	Close(code int, reason string) error
	IsOpen() bool
}

// HalfConnection represents one side of a CEM<->RM pair (spec §4.2).
type HalfConnection struct {
	OriginID   string
	DestID     string
	OriginType s2.OriginType

	adapter Adapter // nil for virtual (sink-backed) connections
	sink    Sink    // nil for socket-backed connections

	outbound *envelopeQueue

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	router *Router
	logger *slog.Logger

	closeOnce sync.Once
}

// CEMID returns the id of the CEM side of this half-connection's session.
func (h *HalfConnection) CEMID() string {
	if h.OriginType == s2.OriginCEM {
		return h.OriginID
	}
	return h.DestID
}

// RMID returns the id of the RM side of this half-connection's session.
func (h *HalfConnection) RMID() string {
	if h.OriginType == s2.OriginRM {
		return h.OriginID
	}
	return h.DestID
}

// Key returns this half-connection's ConnectionKey.
func (h *HalfConnection) Key() ConnectionKey {
	return ConnectionKey{OriginID: h.OriginID, DestID: h.DestID}
}

// IsRunning reports whether the half-connection's tasks are still active.
func (h *HalfConnection) IsRunning() bool {
	return h.running.Load()
}
