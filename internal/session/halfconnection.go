package session

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/wsconn"
)

const defaultOutboundCapacity = 10_000

// NewSocketHalf constructs a HalfConnection backed by a real WebSocket
// adapter. Call Start to begin its reader/writer tasks.
func NewSocketHalf(originID, destID string, originType s2.OriginType, adapter Adapter, router *Router, logger *slog.Logger) *HalfConnection {
	h := &HalfConnection{
		OriginID:   originID,
		DestID:     destID,
		OriginType: originType,
		adapter:    adapter,
		router:     router,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	h.outbound = newEnvelopeQueue(defaultOutboundCapacity, h.logOverflow)
	return h
}

// NewVirtualHalf constructs a socket-less HalfConnection whose inbound
// envelopes are delivered to sink instead of a WebSocket writer. Used
// by the emulated CEM (C6) to stand in for a real CEM peer.
func NewVirtualHalf(originID, destID string, originType s2.OriginType, sink Sink, router *Router, logger *slog.Logger) *HalfConnection {
	h := &HalfConnection{
		OriginID:   originID,
		DestID:     destID,
		OriginType: originType,
		sink:       sink,
		router:     router,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	h.outbound = newEnvelopeQueue(defaultOutboundCapacity, h.logOverflow)
	return h
}

func (h *HalfConnection) logOverflow(dropped Envelope) {
	h.logger.Warn("router buffer overflow, dropping oldest envelope",
		"origin_id", h.OriginID, "dest_id", h.DestID, "dropped_envelope_id", dropped.EnvelopeID)
}

// Start launches the reader (socket-backed only) and writer tasks.
func (h *HalfConnection) Start() {
	h.running.Store(true)
	h.wg.Add(1)
	go h.writerTask()
	if h.adapter != nil {
		h.wg.Add(1)
		go h.readerTask()
	}
}

// Enqueue pushes a payload onto this half-connection's outbound queue,
// for delivery to whatever consumes it (a WebSocket writer, or a sink).
func (h *HalfConnection) Enqueue(env Envelope) {
	h.outbound.Push(env)
}

// DeliverLocal routes payload to this half-connection's partner as if
// it had just arrived over the wire. Virtual (sink-backed) half
// connections have no readerTask to do this implicitly, since they
// originate messages from local logic (the emulated CEM) rather than
// a socket.
func (h *HalfConnection) DeliverLocal(payload map[string]any) {
	h.router.RouteS2(h, payload)
}

// Stop halts both tasks, closes the adapter and, on the first call
// only, reports the close to the router via ConnectionHasClosed
// (idempotent).
func (h *HalfConnection) Stop() {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.running.Store(false)
		close(h.stopCh)
		h.outbound.Close()
		if h.adapter != nil {
			h.adapter.Close(1000, "session ended")
		}
	})
	h.wg.Wait()
	if first {
		h.router.ConnectionHasClosed(h)
	}
}

func (h *HalfConnection) readerTask() {
	defer h.wg.Done()
	defer h.stopSelf()

	for {
		text, err := h.adapter.Receive()
		if err != nil {
			var wsErr *wsconn.Error
			if errors.As(err, &wsErr) {
				h.logger.Debug("reader task stopping", "origin_id", h.OriginID, "kind", wsErr.Kind)
			} else {
				h.logger.Debug("reader task stopping", "origin_id", h.OriginID, "error", err)
			}
			return
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			h.logger.Warn("dropping frame with invalid JSON", "origin_id", h.OriginID, "error", err)
			continue
		}

		h.router.RouteS2(h, payload)
	}
}

func (h *HalfConnection) writerTask() {
	defer h.wg.Done()
	defer h.stopSelf()

	for {
		env, ok := h.outbound.Pop()
		if !ok {
			return
		}

		if h.sink != nil {
			h.sink(env.Payload)
			continue
		}

		data, err := json.Marshal(env.Payload)
		if err != nil {
			h.logger.Error("failed to serialize outbound payload", "origin_id", h.OriginID, "error", err)
			continue
		}
		if err := h.adapter.Send(string(data)); err != nil {
			h.logger.Debug("writer task stopping", "origin_id", h.OriginID, "error", err)
			return
		}
	}
}

// stopSelf is called by either task on its own exit; it triggers full
// teardown exactly once regardless of which task noticed first.
func (h *HalfConnection) stopSelf() {
	select {
	case <-h.stopCh:
		return // already stopping
	default:
	}
	go h.Stop()
}
