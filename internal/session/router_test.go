package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/s2flex/s2mitm/internal/pipeline"
	"github.com/s2flex/s2mitm/internal/s2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingProcessor records every Message handed to it, for assertions
// against what the router emits into the pipeline.
type capturingProcessor struct {
	mu   sync.Mutex
	msgs []*pipeline.Message
}

func (c *capturingProcessor) Process(m *pipeline.Message) *pipeline.Message {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return m
}
func (c *capturingProcessor) Close() {}

func (c *capturingProcessor) snapshot() []*pipeline.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*pipeline.Message(nil), c.msgs...)
}

func waitForCount(t *testing.T, cap *capturingProcessor, n int) []*pipeline.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msgs := cap.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pipeline messages, got %d", n, len(cap.snapshot()))
	return nil
}

func newTestRig(t *testing.T) (*Router, *capturingProcessor) {
	t.Helper()
	cap := &capturingProcessor{}
	pl := pipeline.New(discardLogger(), cap)
	pl.Start()
	t.Cleanup(pl.Shutdown)
	return NewRouter(pl, 10, discardLogger()), cap
}

// newSinkHalf builds an unstarted virtual half-connection. Callers must
// call router.Register(h) before h.Start(), matching the production
// call order (see cem.SimpleCEM.AttachRM, api.Server.acceptHalf):
// Start spawns tasks that can immediately call back into the router,
// so the pair must already be installed.
func newSinkHalf(originID, destID string, originType s2.OriginType, router *Router, recv *[]map[string]any, mu *sync.Mutex) *HalfConnection {
	return NewVirtualHalf(originID, destID, originType, func(payload map[string]any) {
		mu.Lock()
		*recv = append(*recv, payload)
		mu.Unlock()
	}, router, discardLogger())
}

func TestRouter_RegisterEmitsSessionStartOnce(t *testing.T) {
	router, cap := newTestRig(t)

	var cemRecv, rmRecv []map[string]any
	var mu sync.Mutex
	cem := newSinkHalf("cem-1", "rm-1", s2.OriginCEM, router, &cemRecv, &mu)
	rm := newSinkHalf("rm-1", "cem-1", s2.OriginRM, router, &rmRecv, &mu)
	t.Cleanup(func() { cem.Stop(); rm.Stop() })

	sid1 := router.Register(cem)
	cem.Start()
	sid2 := router.Register(rm)
	rm.Start()
	if sid1 != sid2 {
		t.Fatalf("expected same session id for both halves, got %q and %q", sid1, sid2)
	}

	msgs := waitForCount(t, cap, 1)
	if msgs[0].Kind != pipeline.KindSessionStart {
		t.Errorf("kind = %v, want SESSION_STARTED", msgs[0].Kind)
	}
}

func TestRouter_RouteS2_ForwardsToPartnerAndPipeline(t *testing.T) {
	router, cap := newTestRig(t)

	var cemRecv, rmRecv []map[string]any
	var mu sync.Mutex
	cem := newSinkHalf("cem-1", "rm-1", s2.OriginCEM, router, &cemRecv, &mu)
	rm := newSinkHalf("rm-1", "cem-1", s2.OriginRM, router, &rmRecv, &mu)
	t.Cleanup(func() { cem.Stop(); rm.Stop() })

	router.Register(cem)
	cem.Start()
	router.Register(rm)
	rm.Start()
	waitForCount(t, cap, 1) // session start

	router.RouteS2(cem, map[string]any{"message_type": "Handshake", "message_id": "m1"})

	waitForCount(t, cap, 2)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(rmRecv)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rmRecv) != 1 || rmRecv[0]["message_id"] != "m1" {
		t.Fatalf("expected rm side to receive forwarded payload, got %v", rmRecv)
	}
}

func TestRouter_RouteS2_BuffersForAbsentPartner(t *testing.T) {
	router, cap := newTestRig(t)

	var cemRecv []map[string]any
	var mu sync.Mutex
	cem := newSinkHalf("cem-1", "rm-1", s2.OriginCEM, router, &cemRecv, &mu)
	t.Cleanup(cem.Stop)

	router.Register(cem)
	cem.Start()
	waitForCount(t, cap, 1)

	router.RouteS2(cem, map[string]any{"message_type": "Handshake", "message_id": "m1"})
	waitForCount(t, cap, 2) // still logged even though no partner

	var rmRecv []map[string]any
	rm := newSinkHalf("rm-1", "cem-1", s2.OriginRM, router, &rmRecv, &mu)
	t.Cleanup(rm.Stop)
	router.Register(rm) // drains the buffered envelope to rm
	rm.Start()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(rmRecv)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rmRecv) != 1 || rmRecv[0]["message_id"] != "m1" {
		t.Fatalf("expected buffered envelope delivered on reconnect, got %v", rmRecv)
	}
}

func TestRouter_Inject_NoConnectionReturnsError(t *testing.T) {
	router, _ := newTestRig(t)
	err := router.Inject("cem-x", "rm-x", map[string]any{"message_type": "Handshake", "message_id": "m1"})
	if err != ErrNoConnection {
		t.Errorf("err = %v, want ErrNoConnection", err)
	}
}

func TestRouter_Inject_DeliversAsMsgInjectedKind(t *testing.T) {
	router, cap := newTestRig(t)

	var cemRecv, rmRecv []map[string]any
	var mu sync.Mutex
	cem := newSinkHalf("cem-1", "rm-1", s2.OriginCEM, router, &cemRecv, &mu)
	rm := newSinkHalf("rm-1", "cem-1", s2.OriginRM, router, &rmRecv, &mu)
	t.Cleanup(func() { cem.Stop(); rm.Stop() })

	router.Register(cem)
	cem.Start()
	router.Register(rm)
	rm.Start()
	waitForCount(t, cap, 1)

	if err := router.Inject("cem-1", "rm-1", map[string]any{"message_type": "Handshake", "message_id": "inj1"}); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	msgs := waitForCount(t, cap, 2)
	if msgs[1].Kind != pipeline.KindMsgInjected {
		t.Errorf("kind = %v, want MSG_INJECTED", msgs[1].Kind)
	}
}

func TestRouter_ConnectionHasClosed_EmitsSessionEndAndReusesIDOnReconnect(t *testing.T) {
	router, cap := newTestRig(t)

	var cemRecv, rmRecv []map[string]any
	var mu sync.Mutex
	cem := newSinkHalf("cem-1", "rm-1", s2.OriginCEM, router, &cemRecv, &mu)
	rm := newSinkHalf("rm-1", "cem-1", s2.OriginRM, router, &rmRecv, &mu)

	sid1 := router.Register(cem)
	cem.Start()
	router.Register(rm)
	rm.Start()
	waitForCount(t, cap, 1)

	// rm disconnects; session stays tracked because cem half is still live.
	// Stop calls router.ConnectionHasClosed on rm's behalf once its
	// tasks have exited.
	rm.Stop()
	waitForCount(t, cap, 2)

	rm2 := newSinkHalf("rm-1", "cem-1", s2.OriginRM, router, &rmRecv, &mu)
	t.Cleanup(func() { cem.Stop(); rm2.Stop() })
	sid2 := router.Register(rm2)
	rm2.Start()

	if sid1 != sid2 {
		t.Errorf("expected session id reuse on reconnect while partner still lives, got %q and %q", sid1, sid2)
	}
}
