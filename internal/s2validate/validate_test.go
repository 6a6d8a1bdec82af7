package s2validate

import (
	"testing"
)

func TestValidate_UnknownMessageType_PassesThrough(t *testing.T) {
	result := Validate(map[string]any{"message_type": "SomeFutureType", "message_id": "x"})
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors for unknown message_type, got %v", result.Errors)
	}
	if result.Typed != nil {
		t.Errorf("expected no typed value for unknown message_type, got %v", result.Typed)
	}
}

func TestValidate_MissingMessageID(t *testing.T) {
	result := Validate(map[string]any{
		"message_type": "Handshake",
		"role":         "CEM",
		"supported_protocol_versions": []any{"0.0.1-beta"},
	})
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly 1 error, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Path != "message_id" {
		t.Errorf("error path = %q, want message_id", result.Errors[0].Path)
	}
}

func TestValidate_MissingRequiredField(t *testing.T) {
	result := Validate(map[string]any{
		"message_type": "Handshake",
		"message_id":   "x",
		"role":         "CEM",
	})
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly 1 error, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Path != "supported_protocol_versions" {
		t.Errorf("error path = %q, want supported_protocol_versions", result.Errors[0].Path)
	}
}

func TestValidate_WrongFieldType(t *testing.T) {
	result := Validate(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "x",
		"role":                        "CEM",
		"supported_protocol_versions": "0.0.1-beta", // should be array
	})
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly 1 error, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Kind != "type" {
		t.Errorf("error kind = %q, want type", result.Errors[0].Kind)
	}
}

func TestValidate_ValidHandshake_PromotesToTypedStruct(t *testing.T) {
	result := Validate(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "x",
		"role":                        "CEM",
		"supported_protocol_versions": []any{"0.0.1-beta"},
	})
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if result.Typed == nil {
		t.Fatal("expected a typed value")
	}
	if result.TypeName != "Handshake" {
		t.Errorf("TypeName = %q, want Handshake", result.TypeName)
	}
}

func TestValidate_FRBCActuatorStatus(t *testing.T) {
	result := Validate(map[string]any{
		"message_type":              "FRBC.ActuatorStatus",
		"message_id":                "x",
		"actuator_id":               "a1",
		"active_operation_mode_id":  "om1",
		"operation_mode_factor":     0.5,
	})
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
}

func TestResult_Summary(t *testing.T) {
	result := Validate(map[string]any{"message_type": "Handshake", "role": "CEM"})
	if result.Summary() == "" {
		t.Error("expected a non-empty summary when errors are present")
	}
	ok := Validate(map[string]any{
		"message_type":                "Handshake",
		"message_id":                  "x",
		"role":                        "CEM",
		"supported_protocol_versions": []any{"0.0.1-beta"},
	})
	if ok.Summary() != "" {
		t.Errorf("expected empty summary when no errors, got %q", ok.Summary())
	}
}
