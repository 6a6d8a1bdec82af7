package cem

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s2flex/s2mitm/internal/reception"
	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/session"
)

// SimpleCEM is the emulated CEM (C6): it owns one DeviceModel per
// connected RM and runs a periodic tick across all of them.
type SimpleCEM struct {
	mu               sync.Mutex
	deviceModelsByRM map[string]*DeviceModel

	id       string
	router   *session.Router
	interval time.Duration
	logger   *slog.Logger
}

func New(id string, router *session.Router, tickInterval time.Duration, logger *slog.Logger) *SimpleCEM {
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	return &SimpleCEM{
		deviceModelsByRM: make(map[string]*DeviceModel),
		id:               id,
		router:           router,
		interval:         tickInterval,
		logger:           logger,
	}
}

// AttachRM registers a virtual CEM-side half-connection for rmID and
// creates its DeviceModel. Called when the operator dials or accepts
// an RM this emulated CEM should drive directly (spec §4.6).
func (c *SimpleCEM) AttachRM(rmID string) *DeviceModel {
	awaiter := reception.New(c.logger)

	var half *session.HalfConnection
	sink := func(payload map[string]any) {
		c.handle(half, payload, awaiter)
	}
	half = session.NewVirtualHalf(c.id, rmID, s2.OriginCEM, sink, c.router, c.logger)

	dm := NewDeviceModel(rmID, half, awaiter, c.logger)

	c.mu.Lock()
	c.deviceModelsByRM[rmID] = dm
	c.mu.Unlock()

	c.router.Register(half)
	half.Start()
	return dm
}

// HandleHalfClosed is registered with the router via OnHalfClosed; it
// detaches the DeviceModel for rmID whenever the RM's real (socket- or
// dial-backed) half-connection closes (spec §4.6: "When the
// half-connection closes, the DeviceModel is torn down"). The emulated
// CEM's own virtual half-connection is CEM-typed, so it never
// triggers this path itself.
func (c *SimpleCEM) HandleHalfClosed(h *session.HalfConnection) {
	if h.OriginType != s2.OriginRM {
		return
	}
	c.DetachRM(h.RMID())
}

// DetachRM tears down rmID's DeviceModel and its virtual half. Called
// when the underlying RM half-connection closes.
func (c *SimpleCEM) DetachRM(rmID string) {
	c.mu.Lock()
	dm, ok := c.deviceModelsByRM[rmID]
	delete(c.deviceModelsByRM, rmID)
	c.mu.Unlock()
	if !ok {
		return
	}
	dm.half.Stop()
}

// handle implements the Simple CEM's per-envelope dispatch (spec
// §4.6). Because each DeviceModel owns its own sink closure, the
// "origin_id has no DeviceModel" case the spec names cannot occur
// here — routing to this closure already implies the DeviceModel
// exists.
func (c *SimpleCEM) handle(half *session.HalfConnection, payload map[string]any, awaiter *reception.Awaiter) {
	msgType, _ := payload["message_type"].(string)
	id, _ := payload["message_id"].(string)

	if msgType == "" || id == "" {
		half.DeliverLocal(map[string]any{
			"message_type":       "ReceptionStatus",
			"message_id":         uuid.NewString(),
			"subject_message_id": id,
			"status":             string(s2.ReceptionStatusInvalidMessage),
		})
		return
	}

	if msgType == "ReceptionStatus" {
		var rs s2.ReceptionStatus
		if err := remarshal(payload, &rs); err != nil {
			c.logger.Warn("malformed ReceptionStatus", "error", err)
			return
		}
		awaiter.Receive(rs)
		return
	}

	half.DeliverLocal(map[string]any{
		"message_type":       "ReceptionStatus",
		"message_id":         uuid.NewString(),
		"subject_message_id": id,
		"status":             string(s2.ReceptionStatusOK),
	})

	c.mu.Lock()
	dm, ok := c.deviceModelsByRM[half.RMID()]
	c.mu.Unlock()
	if !ok {
		c.logger.Error("no device model for rm", "rm_id", half.RMID())
		return
	}
	dm.Handle(payload)
}

// Run drives the periodic tick loop until ctx is cancelled. Missed
// deadlines (a slow tick) simply skip ahead rather than queue up,
// matching time.Ticker's drop-on-backpressure behavior.
func (c *SimpleCEM) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tickAll(now)
		}
	}
}

func (c *SimpleCEM) tickAll(now time.Time) {
	c.mu.Lock()
	models := make([]*DeviceModel, 0, len(c.deviceModelsByRM))
	for _, dm := range c.deviceModelsByRM {
		models = append(models, dm)
	}
	c.mu.Unlock()

	tEnd := now.Add(c.interval)
	for _, dm := range models {
		dm.Tick(now, tEnd)
	}
}
