// Package simrm provides the fixed FRBC message sequence used by
// internal/frbc's tests, grounded on the reference implementation's
// rm_frbc_valid mock RM. It is test-only: nothing in the server wires
// against it.
package simrm

import (
	"fmt"
	"sync"
	"time"

	"github.com/s2flex/s2mitm/internal/s2"
)

const (
	ActuatorID  = "69cb9071-9d77-40a6-a881-df429d5f562f"
	OperationModeID = "3ce97655-91a1-487f-adce-26a86e282c1f"
)

// SystemDescription returns the single-actuator, single-operation-mode
// system description the mock RM advertises: fill_rate in
// [-5.33, 5.33] over the full [0,100] fill-level range.
func SystemDescription(validFrom time.Time) map[string]any {
	return map[string]any{
		"message_type": "FRBC.SystemDescription",
		"message_id":   "e698768f-09e3-4328-9713-c2901e895492",
		"valid_from":   validFrom.Format(time.RFC3339),
		"actuators": []any{
			map[string]any{
				"id": ActuatorID,
				"operation_modes": []any{
					map[string]any{
						"id": OperationModeID,
						"elements": []any{
							map[string]any{
								"fill_level_range": map[string]any{"start_of_range": 0, "end_of_range": 100},
								"fill_rate":         map[string]any{"start_of_range": -5.33, "end_of_range": 5.33},
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
	}
}

// ActuatorStatus returns the mock RM's reported actuator status:
// active at the sole operation mode, factor 0.5.
func ActuatorStatus() map[string]any {
	return map[string]any{
		"message_type":              "FRBC.ActuatorStatus",
		"message_id":                "207373ca-fa16-4677-9bcf-9bcc42870896",
		"actuator_id":               ActuatorID,
		"active_operation_mode_id":  OperationModeID,
		"operation_mode_factor":     0.5,
	}
}

// StorageStatus returns the mock RM's reported fill level (85%).
func StorageStatus() map[string]any {
	return map[string]any{
		"message_type":       "FRBC.StorageStatus",
		"message_id":         "9a13c101-0795-473e-a238-2a0675b4708a",
		"present_fill_level": 85,
	}
}

// FillLevelTargetProfile returns a target profile whose first 60s
// element targets exactly 100, per spec's boundary scenario 5.
func FillLevelTargetProfile(startTime time.Time) map[string]any {
	return map[string]any{
		"message_type": "FRBC.FillLevelTargetProfile",
		"message_id":   "9aa7a698-a843-4e2d-affd-849110bf46af",
		"start_time":   startTime.Format(time.RFC3339),
		"elements": []any{
			map[string]any{"duration": 60, "fill_level_range": map[string]any{"start_of_range": 100, "end_of_range": 100}},
			map[string]any{"duration": 60, "fill_level_range": map[string]any{"start_of_range": 80, "end_of_range": 80}},
			map[string]any{"duration": 60, "fill_level_range": map[string]any{"start_of_range": 30, "end_of_range": 60}},
		},
	}
}

// CapturingSender is an frbc.Sender test double that records every
// Instruction it is handed instead of dispatching it over a socket.
type CapturingSender struct {
	mu           sync.Mutex
	Instructions []s2.Instruction
	RespondWith  s2.ReceptionStatusValue
}

func NewCapturingSender() *CapturingSender {
	return &CapturingSender{RespondWith: s2.ReceptionStatusOK}
}

func (c *CapturingSender) SendInstruction(instr s2.Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Instructions = append(c.Instructions, instr)
	if c.RespondWith != s2.ReceptionStatusOK {
		return fmt.Errorf("RECEPTION_NOT_OK: %s", c.RespondWith)
	}
	return nil
}

func (c *CapturingSender) Sent() []s2.Instruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]s2.Instruction(nil), c.Instructions...)
}
