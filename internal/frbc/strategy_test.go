package frbc_test

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/s2flex/s2mitm/internal/frbc"
	"github.com/s2flex/s2mitm/internal/simrm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick_EndToEnd_MatchesBoundaryScenario5(t *testing.T) {
	sender := simrm.NewCapturingSender()
	s := frbc.New(sender, discardLogger())

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s.Receive(simrm.SystemDescription(now.Add(-time.Minute)))
	s.Receive(simrm.ActuatorStatus())
	s.Receive(simrm.StorageStatus())
	s.Receive(simrm.FillLevelTargetProfile(now))

	s.Tick(now, now.Add(60*time.Second))

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 instruction, got %d", len(sent))
	}

	instr := sent[0]
	if instr.ActuatorID != simrm.ActuatorID {
		t.Errorf("actuator_id = %q, want %q", instr.ActuatorID, simrm.ActuatorID)
	}
	if instr.OperationMode != simrm.OperationModeID {
		t.Errorf("operation_mode = %q, want %q", instr.OperationMode, simrm.OperationModeID)
	}

	const wantFactor = 0.523
	if diff := math.Abs(instr.OperationModeFactor - wantFactor); diff > 0.001+1e-9 {
		t.Errorf("operation_mode_factor = %v, want ~%v (within 0.001), diff=%v", instr.OperationModeFactor, wantFactor, diff)
	}

	wantExecution := now.Add(frbc.DelayInInstructions).Format(time.RFC3339)
	if instr.ExecutionTime != wantExecution {
		t.Errorf("execution_time = %q, want %q", instr.ExecutionTime, wantExecution)
	}
	if instr.AbnormalCondition {
		t.Errorf("abnormal_condition = true, want false")
	}
}

// TestTick_FactorDomainSpansActiveElementRange guards against
// reachableCandidates being restricted to the [0,1] factor domain: it
// crafts a target that is only reachable at operation_mode_factor=5,
// which falls inside the active element's own fill_level_range ([0,10])
// but outside [0,1]. If the search domain were still clamped to [0,1],
// the best the optimizer could do is factor=1 (fill_rate=10, 600 over
// 60s), far short of the 3000 the target requires.
func TestTick_FactorDomainSpansActiveElementRange(t *testing.T) {
	sender := simrm.NewCapturingSender()
	s := frbc.New(sender, discardLogger())

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	const actuatorID = "act-wide-1"
	const operationModeID = "om-wide-1"

	s.Receive(map[string]any{
		"message_type": "FRBC.SystemDescription",
		"message_id":   "sd1",
		"valid_from":   now.Add(-time.Minute).Format(time.RFC3339),
		"actuators": []any{
			map[string]any{
				"id": actuatorID,
				"operation_modes": []any{
					map[string]any{
						"id": operationModeID,
						"elements": []any{
							map[string]any{
								"fill_level_range": map[string]any{"start_of_range": 0, "end_of_range": 10},
								"fill_rate":         map[string]any{"start_of_range": 0, "end_of_range": 10},
							},
						},
					},
				},
				"transitions": []any{},
			},
		},
		"storage": map[string]any{
			"fill_level_range": map[string]any{"start_of_range": 0, "end_of_range": 100},
		},
	})
	s.Receive(map[string]any{
		"message_type":              "FRBC.ActuatorStatus",
		"message_id":                "as1",
		"actuator_id":               actuatorID,
		"active_operation_mode_id":  operationModeID,
		"operation_mode_factor":     0.0,
	})
	s.Receive(map[string]any{
		"message_type":       "FRBC.StorageStatus",
		"message_id":         "ss1",
		"present_fill_level": 5,
	})
	s.Receive(map[string]any{
		"message_type": "FRBC.FillLevelTargetProfile",
		"message_id":   "tp1",
		"start_time":   now.Format(time.RFC3339),
		"elements": []any{
			map[string]any{"duration": 60, "fill_level_range": map[string]any{"start_of_range": 3005, "end_of_range": 3005}},
		},
	})

	s.Tick(now, now.Add(60*time.Second))

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 instruction, got %d", len(sent))
	}

	const wantFactor = 5.0
	if diff := math.Abs(sent[0].OperationModeFactor - wantFactor); diff > 0.001+1e-9 {
		t.Errorf("operation_mode_factor = %v, want ~%v — the factor domain must extend to the active element's fill_level_range, not clamp to [0,1]", sent[0].OperationModeFactor, wantFactor)
	}
}

func TestTick_NoSystemDescription_SkipsSilently(t *testing.T) {
	sender := simrm.NewCapturingSender()
	s := frbc.New(sender, discardLogger())

	now := time.Now()
	s.Receive(simrm.StorageStatus())
	s.Tick(now, now.Add(60*time.Second))

	if len(sender.Sent()) != 0 {
		t.Errorf("expected no instructions without a system description, got %d", len(sender.Sent()))
	}
}

func TestTick_NoKnownFillLevel_SkipsSilently(t *testing.T) {
	sender := simrm.NewCapturingSender()
	s := frbc.New(sender, discardLogger())

	now := time.Now()
	s.Receive(simrm.SystemDescription(now.Add(-time.Minute)))
	s.Receive(simrm.FillLevelTargetProfile(now))
	s.Tick(now, now.Add(60*time.Second))

	if len(sender.Sent()) != 0 {
		t.Errorf("expected no instructions without a known fill level, got %d", len(sender.Sent()))
	}
}

func TestTick_FillLevelAlreadyInTarget_NoActuation(t *testing.T) {
	sender := simrm.NewCapturingSender()
	s := frbc.New(sender, discardLogger())

	now := time.Now()
	s.Receive(simrm.SystemDescription(now.Add(-time.Minute)))
	s.Receive(simrm.ActuatorStatus())
	s.Receive(map[string]any{
		"message_type":       "FRBC.StorageStatus",
		"message_id":         "x",
		"present_fill_level": 100,
	})
	s.Receive(simrm.FillLevelTargetProfile(now))

	s.Tick(now, now.Add(60*time.Second))

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 instruction, got %d", len(sent))
	}
	if diff := math.Abs(sent[0].OperationModeFactor - 0.5); diff > 0.001+1e-9 {
		t.Errorf("expected near-idle factor ~0.5 when already on target, got %v", sent[0].OperationModeFactor)
	}
}
