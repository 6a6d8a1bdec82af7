// Package s2validate implements the Validate(raw) -> (typed, errors)
// capability the message pipeline's parse processor depends on. The
// real S2 JSON Schema library is out of scope for this analyzer (spec
// §1); no suitable third-party JSON-schema dependency appears in the
// example corpus either, so this package is a small hand-rolled
// structural validator covering required fields per message type.
package s2validate

import (
	"encoding/json"
	"fmt"

	"github.com/s2flex/s2mitm/internal/s2"
)

// Error describes a single validation failure at a JSON path.
type Error struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Result is the outcome of validating one payload.
type Result struct {
	Typed    any
	TypeName string
	Errors   []Error
}

// fieldSpec names a required top-level field and its expected JSON kind.
type fieldSpec struct {
	name string
	kind string // "string", "number", "array", "object", "bool"
}

// requiredFields lists the required fields per S2 message_type, beyond
// the universal message_type/message_id pair every message carries.
var requiredFields = map[string][]fieldSpec{
	"Handshake":                  {{"role", "string"}, {"supported_protocol_versions", "array"}},
	"HandshakeResponse":          {{"selected_protocol_version", "string"}},
	"ReceptionStatus":            {{"subject_message_id", "string"}, {"status", "string"}},
	"ResourceManagerDetails":     {{"resource_id", "string"}, {"available_control_types", "array"}},
	"SelectControlType":          {{"control_type", "string"}},
	"PowerForecast":              {{"start_time", "string"}, {"elements", "array"}},
	"PowerMeasurement":           {{"measurement_timestamp", "string"}},
	"FRBC.SystemDescription":     {{"valid_from", "string"}, {"actuators", "array"}, {"storage", "object"}},
	"FRBC.ActuatorStatus":        {{"actuator_id", "string"}, {"active_operation_mode_id", "string"}, {"operation_mode_factor", "number"}},
	"FRBC.StorageStatus":         {{"present_fill_level", "number"}},
	"FRBC.FillLevelTargetProfile": {{"start_time", "string"}, {"elements", "array"}},
	"FRBC.LeakageBehaviour":      {{"valid_from", "string"}, {"elements", "array"}},
	"FRBC.UsageForecast":         {{"start_time", "string"}, {"elements", "array"}},
	"FRBC.Instruction":           {{"id", "string"}, {"actuator_id", "string"}, {"operation_mode", "string"}, {"operation_mode_factor", "number"}, {"execution_time", "string"}},
}

// typedConstructors produces a concrete Go value for a message_type once
// structural validation has passed.
var typedConstructors = map[string]func(json.RawMessage) (any, error){
	"Handshake":                  unmarshalInto[s2.Handshake],
	"HandshakeResponse":          unmarshalInto[s2.HandshakeResponse],
	"ReceptionStatus":            unmarshalInto[s2.ReceptionStatus],
	"ResourceManagerDetails":     unmarshalInto[s2.ResourceManagerDetails],
	"SelectControlType":          unmarshalInto[s2.SelectControlType],
	"PowerForecast":              unmarshalInto[s2.PowerForecast],
	"PowerMeasurement":           unmarshalInto[s2.PowerMeasurement],
	"FRBC.SystemDescription":     unmarshalInto[s2.SystemDescription],
	"FRBC.ActuatorStatus":        unmarshalInto[s2.ActuatorStatus],
	"FRBC.StorageStatus":         unmarshalInto[s2.StorageStatus],
	"FRBC.FillLevelTargetProfile": unmarshalInto[s2.FillLevelTargetProfile],
	"FRBC.LeakageBehaviour":      unmarshalInto[s2.LeakageBehaviour],
	"FRBC.UsageForecast":         unmarshalInto[s2.UsageForecast],
	"FRBC.Instruction":           unmarshalInto[s2.Instruction],
}

func unmarshalInto[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate inspects raw, a decoded JSON object, and attempts to promote
// it to a concrete typed value. It never returns an error for "unknown
// message_type" — unrecognized types pass through untyped, per spec §9
// Dynamic payloads ("a failure to promote never blocks forwarding").
func Validate(raw map[string]any) Result {
	msgType, _ := raw["message_type"].(string)

	if _, known := requiredFields[msgType]; !known {
		return Result{TypeName: msgType}
	}

	var errs []Error
	if _, ok := raw["message_id"].(string); !ok {
		errs = append(errs, Error{Path: "message_id", Kind: "required", Detail: "message_id must be a string"})
	}

	for _, f := range requiredFields[msgType] {
		v, present := raw[f.name]
		if !present {
			errs = append(errs, Error{Path: f.name, Kind: "required", Detail: fmt.Sprintf("%s is required", f.name)})
			continue
		}
		if !kindMatches(v, f.kind) {
			errs = append(errs, Error{Path: f.name, Kind: "type", Detail: fmt.Sprintf("%s must be a %s", f.name, f.kind)})
		}
	}

	if len(errs) > 0 {
		return Result{TypeName: msgType, Errors: errs}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return Result{TypeName: msgType, Errors: []Error{{Path: "$", Kind: "encode", Detail: err.Error()}}}
	}

	construct, ok := typedConstructors[msgType]
	if !ok {
		return Result{TypeName: msgType}
	}

	typed, err := construct(encoded)
	if err != nil {
		return Result{TypeName: msgType, Errors: []Error{{Path: "$", Kind: "decode", Detail: err.Error()}}}
	}

	return Result{Typed: typed, TypeName: msgType}
}

func kindMatches(v any, kind string) bool {
	switch kind {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

// Summary renders a one-line human summary of a Result's errors, for
// the Message.validation.summary field.
func (r Result) Summary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%d validation error(s) for %s", len(r.Errors), r.TypeName)
}
