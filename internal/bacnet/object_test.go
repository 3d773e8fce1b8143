package bacnet

import (
	"errors"
	"testing"
)

func TestParseObjectRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ObjectRef
		wantErr bool
	}{
		{"canonical", "analog-input:1", ObjectRef{Type: "analog-input", Instance: 1}, false},
		{"camel case", "analogInput:1", ObjectRef{Type: "analog-input", Instance: 1}, false},
		{"multi-state camel case", "multiStateValue:12", ObjectRef{Type: "multi-state-value", Instance: 12}, false},
		{"accumulator", "accumulator:3", ObjectRef{Type: "accumulator", Instance: 3}, false},
		{"pulse converter", "pulse-converter:0", ObjectRef{Type: "pulse-converter", Instance: 0}, false},
		{"max instance", "analog-value:4194303", ObjectRef{Type: "analog-value", Instance: 4194303}, false},
		{"missing instance", "analog-input", ObjectRef{}, true},
		{"extra separator", "analog:input:1", ObjectRef{}, true},
		{"unknown type", "thermostat:1", ObjectRef{}, true},
		{"instance too large", "analog-input:4194304", ObjectRef{}, true},
		{"negative instance", "analog-input:-1", ObjectRef{}, true},
		{"non-numeric instance", "analog-input:one", ObjectRef{}, true},
		{"empty", "", ObjectRef{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObjectRef(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseObjectRef(%q) = %v, expected error", tt.input, got)
				}
				if !errors.Is(err, ErrInvalidObjectRef) {
					t.Errorf("ParseObjectRef(%q) error = %v, want ErrInvalidObjectRef", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseObjectRef(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseObjectRef(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestObjectRef_String(t *testing.T) {
	obj := ObjectRef{Type: "analog-input", Instance: 42}
	if got := obj.String(); got != "analog-input:42" {
		t.Errorf("String() = %q, want %q", got, "analog-input:42")
	}

	// String output must parse back to the same reference.
	parsed, err := ParseObjectRef(obj.String())
	if err != nil {
		t.Fatalf("ParseObjectRef(String()) error = %v", err)
	}
	if parsed != obj {
		t.Errorf("round trip = %v, want %v", parsed, obj)
	}
}

func TestObjectRef_IsValid(t *testing.T) {
	if !(ObjectRef{Type: "analog-input", Instance: 1}).IsValid() {
		t.Error("IsValid() = false for a well-formed reference")
	}
	if (ObjectRef{Type: "thermostat", Instance: 1}).IsValid() {
		t.Error("IsValid() = true for an unknown object type")
	}
	if (ObjectRef{Type: "analog-input", Instance: maxInstance + 1}).IsValid() {
		t.Error("IsValid() = true for an out-of-range instance")
	}
	if (ObjectRef{}).IsValid() {
		t.Error("IsValid() = true for the zero value")
	}
}
