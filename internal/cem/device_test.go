package cem

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/s2flex/s2mitm/internal/pipeline"
	"github.com/s2flex/s2mitm/internal/reception"
	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingSink records every payload the DeviceModel sends towards
// "the RM" and immediately answers it OK, the way the real Simple CEM
// dispatch loop (spec §4.6) acknowledges every non-ReceptionStatus
// envelope it forwards.
type capturingSink struct {
	mu       sync.Mutex
	sent     []map[string]any
	awaiter  *reception.Awaiter
	autoAck  bool
}

func (s *capturingSink) record(payload map[string]any) {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()

	if !s.autoAck {
		return
	}
	id, _ := payload["message_id"].(string)
	s.awaiter.Receive(s2.ReceptionStatus{
		MessageType:      "ReceptionStatus",
		MessageID:        uuid.NewString(),
		SubjectMessageID: id,
		Status:           s2.ReceptionStatusOK,
	})
}

func (s *capturingSink) snapshot() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.sent...)
}

func newTestDeviceModel(t *testing.T) (*DeviceModel, *capturingSink) {
	t.Helper()
	pl := pipeline.New(discardLogger())
	pl.Start()
	t.Cleanup(pl.Shutdown)

	router := session.NewRouter(pl, 10, discardLogger())
	awaiter := reception.New(discardLogger())
	sink := &capturingSink{awaiter: awaiter, autoAck: true}

	// The DeviceModel sends through the CEM-side half; the router
	// forwards each payload to the RM-side half, whose sink records it.
	half := session.NewVirtualHalf("simple-cem", "rm-1", s2.OriginCEM, func(map[string]any) {}, router, discardLogger())
	router.Register(half)
	half.Start()
	t.Cleanup(half.Stop)
	rmHalf := session.NewVirtualHalf("rm-1", "simple-cem", s2.OriginRM, sink.record, router, discardLogger())
	router.Register(rmHalf)
	rmHalf.Start()
	t.Cleanup(rmHalf.Stop)

	dm := NewDeviceModel("rm-1", half, awaiter, discardLogger())
	return dm, sink
}

func TestDeviceModel_Handshake_AdvancesToSelectingControl(t *testing.T) {
	dm, sink := newTestDeviceModel(t)

	dm.Handle(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "h1",
		"role":                        "RM",
		"supported_protocol_versions": []any{SupportedProtocolVersion},
	})

	if dm.State() != StateSelectingControl {
		t.Fatalf("state = %v, want %v", dm.State(), StateSelectingControl)
	}

	sent := sink.snapshot()
	var sawHandshake, sawHandshakeResponse bool
	for _, p := range sent {
		switch p["message_type"] {
		case "Handshake":
			sawHandshake = true
		case "HandshakeResponse":
			sawHandshakeResponse = true
			if p["selected_protocol_version"] != SupportedProtocolVersion {
				t.Errorf("selected_protocol_version = %v, want %v", p["selected_protocol_version"], SupportedProtocolVersion)
			}
		}
	}
	if !sawHandshake || !sawHandshakeResponse {
		t.Errorf("expected both Handshake and HandshakeResponse to be sent, got %+v", sent)
	}
}

func TestDeviceModel_Handshake_UnsupportedVersion_StaysInHandshake(t *testing.T) {
	dm, sink := newTestDeviceModel(t)

	dm.Handle(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "h1",
		"role":                        "RM",
		"supported_protocol_versions": []any{"9.9.9-unsupported"},
	})

	if dm.State() != StateHandshake {
		t.Fatalf("state = %v, want %v (state must not advance on unsupported version)", dm.State(), StateHandshake)
	}
	if len(sink.snapshot()) != 0 {
		t.Errorf("expected no messages sent for an unsupported handshake, got %+v", sink.snapshot())
	}
}

func TestDeviceModel_ResourceManagerDetails_SelectsFRBCAndCreatesStrategy(t *testing.T) {
	dm, _ := newTestDeviceModel(t)

	dm.Handle(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "h1",
		"role":                        "RM",
		"supported_protocol_versions": []any{SupportedProtocolVersion},
	})

	dm.Handle(map[string]any{
		"message_type":             "ResourceManagerDetails",
		"message_id":               "rmd1",
		"resource_id":              "rm-1",
		"available_control_types":  []any{"NO_CONTROL", "FRBC"},
	})

	if dm.State() != StateSelected {
		t.Fatalf("state = %v, want %v", dm.State(), StateSelected)
	}
	if dm.selectedControlType != s2.ControlTypeFRBC {
		t.Errorf("selected_control_type = %v, want FRBC (highest priority available)", dm.selectedControlType)
	}
	if dm.strategy == nil {
		t.Fatal("expected an FRBC strategy to be created on selection")
	}
}

func TestDeviceModel_ResourceManagerDetails_NoSupportedControlType_StaysSelecting(t *testing.T) {
	dm, _ := newTestDeviceModel(t)

	dm.Handle(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "h1",
		"role":                        "RM",
		"supported_protocol_versions": []any{SupportedProtocolVersion},
	})

	dm.Handle(map[string]any{
		"message_type":            "ResourceManagerDetails",
		"message_id":              "rmd1",
		"resource_id":             "rm-1",
		"available_control_types": []any{"DDBC"},
	})

	if dm.State() != StateSelectingControl {
		t.Fatalf("state = %v, want %v", dm.State(), StateSelectingControl)
	}
	if dm.strategy != nil {
		t.Error("expected no strategy when RM offers no supported control type")
	}
}

func TestDeviceModel_Tick_NoopBeforeSelection(t *testing.T) {
	dm, _ := newTestDeviceModel(t)
	// Must not panic: Tick before a control type is selected is a no-op.
	dm.Tick(time.Now(), time.Now().Add(time.Minute))
	if dm.State() != StateHandshake {
		t.Errorf("Tick must not change state before selection, got %v", dm.State())
	}
}
