// Package cem implements the emulated Simple CEM (C6) and its
// per-RM Device Model (C7): a minimal S2 CEM that drives a real RM
// through handshake, control-type selection, and an FRBC strategy.
package cem

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/s2flex/s2mitm/internal/frbc"
	"github.com/s2flex/s2mitm/internal/reception"
	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/session"
)

// SupportedProtocolVersion is the only S2 protocol version this
// emulated CEM negotiates.
const SupportedProtocolVersion = "0.0.1-beta"

// controlTypePriority lists supported control types in selection
// priority order: the first name appearing in an RM's advertised
// list wins.
var controlTypePriority = []s2.ControlType{
	s2.ControlTypeFRBC,
	s2.ControlTypeNoSelection,
	s2.ControlTypeNoControl,
}

// State is a DeviceModel's position in the handshake/selection/
// operation state machine. States only ever advance.
type State string

const (
	StateHandshake       State = "HAND_SHAKE"
	StateSelectingControl State = "SELECTING_CONTROL_TYPE"
	StateSelected        State = "SELECTED_CONTROL_TYPE"
)

// ControlStrategy is the capability a DeviceModel hands S2 subtype
// traffic and tick calls to once a control type is selected.
type ControlStrategy interface {
	Receive(payload map[string]any)
	Tick(tStart, tEnd time.Time)
}

// DeviceModel is the per-RM state machine (C7).
type DeviceModel struct {
	ID   string
	RMID string

	state                  State
	selectedControlType    s2.ControlType
	strategy               ControlStrategy
	handshakeSent          bool
	handshakeReceived      bool
	handshakeResponseSent  bool
	resourceManagerDetails *s2.ResourceManagerDetails
	powerMeasurements      []s2.PowerMeasurement
	powerForecasts         []s2.PowerForecast

	half    *session.HalfConnection
	awaiter *reception.Awaiter
	logger  *slog.Logger
}

func NewDeviceModel(rmID string, half *session.HalfConnection, awaiter *reception.Awaiter, logger *slog.Logger) *DeviceModel {
	return &DeviceModel{
		ID:      uuid.NewString(),
		RMID:    rmID,
		state:   StateHandshake,
		half:    half,
		awaiter: awaiter,
		logger:  logger,
	}
}

func (d *DeviceModel) State() State { return d.state }

// sendAndAwait assigns a message_id if absent, dispatches payload via
// the half-connection, and blocks for the matching ReceptionStatus.
// No timeout is imposed here (spec §5); callers compose their own.
func (d *DeviceModel) sendAndAwait(payload map[string]any) (s2.ReceptionStatus, error) {
	id, _ := payload["message_id"].(string)
	if id == "" {
		id = uuid.NewString()
		payload["message_id"] = id
	}
	return d.awaiter.SendAndAwaitCtx(context.Background(), func() error {
		d.half.DeliverLocal(payload)
		return nil
	}, id)
}

// Handle processes one non-ReceptionStatus envelope already
// acknowledged OK by the Simple CEM (C6).
func (d *DeviceModel) Handle(payload map[string]any) {
	msgType, _ := payload["message_type"].(string)

	switch msgType {
	case "Handshake":
		d.handleHandshake(payload)
	case "ResourceManagerDetails":
		d.handleResourceManagerDetails(payload)
	case "PowerForecast":
		d.handlePowerForecast(payload)
	case "PowerMeasurement":
		d.handlePowerMeasurement(payload)
	default:
		if d.strategy != nil {
			d.strategy.Receive(payload)
		}
	}
}

func (d *DeviceModel) handleHandshake(payload map[string]any) {
	versions, _ := payload["supported_protocol_versions"].([]any)
	supported := false
	for _, v := range versions {
		if s, ok := v.(string); ok && s == SupportedProtocolVersion {
			supported = true
			break
		}
	}
	if !supported {
		d.logger.Warn("rm handshake does not support our protocol version", "rm_id", d.RMID)
		return
	}
	d.handshakeReceived = true

	if !d.handshakeSent {
		d.sendHandshake()
	}
	d.sendHandshakeResponse()

	if d.state == StateHandshake {
		d.state = StateSelectingControl
	}
}

func (d *DeviceModel) sendHandshake() {
	_, err := d.sendAndAwait(map[string]any{
		"message_type":                "Handshake",
		"role":                        "CEM",
		"supported_protocol_versions": []string{SupportedProtocolVersion},
	})
	d.handshakeSent = true
	if err != nil {
		d.logger.Warn("handshake send_and_await failed", "rm_id", d.RMID, "error", err)
	}
}

func (d *DeviceModel) sendHandshakeResponse() {
	_, err := d.sendAndAwait(map[string]any{
		"message_type":              "HandshakeResponse",
		"selected_protocol_version": SupportedProtocolVersion,
	})
	d.handshakeResponseSent = true
	if err != nil {
		d.logger.Warn("handshake response send_and_await failed", "rm_id", d.RMID, "error", err)
	}
}

func (d *DeviceModel) handleResourceManagerDetails(payload map[string]any) {
	var details s2.ResourceManagerDetails
	if err := remarshal(payload, &details); err != nil {
		d.logger.Warn("invalid ResourceManagerDetails", "rm_id", d.RMID, "error", err)
		return
	}
	d.resourceManagerDetails = &details

	if d.state != StateSelectingControl {
		return
	}

	chosen := d.pickControlType(details.AvailableControlTypes)
	if chosen == "" {
		d.logger.Warn("rm advertises no control type we support", "rm_id", d.RMID)
		return
	}

	status, err := d.sendAndAwait(map[string]any{
		"message_type": "SelectControlType",
		"control_type": string(chosen),
	})
	if err != nil {
		d.logger.Warn("select control type send_and_await failed", "rm_id", d.RMID, "error", err)
		return
	}
	if status.Status != s2.ReceptionStatusOK {
		d.logger.Warn("select control type not acknowledged OK", "rm_id", d.RMID, "status", status.Status)
		return
	}

	d.selectedControlType = chosen
	d.state = StateSelected
	if chosen == s2.ControlTypeFRBC {
		d.strategy = frbc.New(&instructionSender{dm: d}, d.logger)
	}
}

func (d *DeviceModel) pickControlType(available []s2.ControlType) s2.ControlType {
	have := make(map[s2.ControlType]bool, len(available))
	for _, ct := range available {
		have[ct] = true
	}
	for _, candidate := range controlTypePriority {
		if have[candidate] {
			return candidate
		}
	}
	return ""
}

func (d *DeviceModel) handlePowerForecast(payload map[string]any) {
	var pf s2.PowerForecast
	if err := remarshal(payload, &pf); err != nil {
		d.logger.Warn("invalid PowerForecast", "rm_id", d.RMID, "error", err)
		return
	}
	d.powerForecasts = append(d.powerForecasts, pf)
}

func (d *DeviceModel) handlePowerMeasurement(payload map[string]any) {
	var pm s2.PowerMeasurement
	if err := remarshal(payload, &pm); err != nil {
		d.logger.Warn("invalid PowerMeasurement", "rm_id", d.RMID, "error", err)
		return
	}
	d.powerMeasurements = append(d.powerMeasurements, pm)
}

// Tick runs the active strategy's tick, if one has been selected.
func (d *DeviceModel) Tick(tStart, tEnd time.Time) {
	if d.state != StateSelected || d.strategy == nil {
		return
	}
	d.strategy.Tick(tStart, tEnd)
}

// instructionSender adapts DeviceModel's send_and_await to the
// frbc.Sender interface, propagating a non-OK ReceptionStatus as an
// error (spec §7 RECEPTION_NOT_OK: "strategy chooses, current:
// propagate").
type instructionSender struct {
	dm *DeviceModel
}

func (s *instructionSender) SendInstruction(instr s2.Instruction) error {
	payload := map[string]any{
		"message_type":          instr.MessageType,
		"message_id":            instr.MessageID,
		"id":                    instr.ID,
		"actuator_id":           instr.ActuatorID,
		"operation_mode":        instr.OperationMode,
		"operation_mode_factor": instr.OperationModeFactor,
		"execution_time":        instr.ExecutionTime,
		"abnormal_condition":    instr.AbnormalCondition,
	}
	status, err := s.dm.sendAndAwait(payload)
	if err != nil {
		return err
	}
	if status.Status != s2.ReceptionStatusOK {
		return &receptionNotOKError{status: status.Status}
	}
	return nil
}

type receptionNotOKError struct {
	status s2.ReceptionStatusValue
}

func (e *receptionNotOKError) Error() string {
	return "RECEPTION_NOT_OK: " + string(e.status)
}
