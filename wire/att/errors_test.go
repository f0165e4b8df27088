package att

import (
	"fmt"
	"strings"
	"testing"
)

func TestErrorName(t *testing.T) {
	tests := []struct {
		code uint8
		want string
	}{
		{ErrAttributeNotFound, "Attribute Not Found"},
		{ErrInvalidHandle, "Invalid Handle"},
		{0x85, "Application Error (0x85)"},
		{0x60, "Unknown Error (0x60)"},
	}

	for _, tt := range tests {
		if got := ErrorName(tt.code); got != tt.want {
			t.Errorf("ErrorName(0x%02X) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(ErrAttributeNotFound, OpFindByTypeValueRequest, 0x0001)
	msg := err.Error()
	if !strings.Contains(msg, "Attribute Not Found") || !strings.Contains(msg, "Find By Type Value Request") {
		t.Errorf("Unexpected error string: %s", msg)
	}
}

func TestCodeUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("discovery: %w", NewError(ErrReadNotPermitted, OpReadRequest, 0x0010))
	if got := Code(wrapped); got != ErrReadNotPermitted {
		t.Errorf("Code() = 0x%02X, want 0x%02X", got, ErrReadNotPermitted)
	}
	if got := Code(fmt.Errorf("plain")); got != 0 {
		t.Errorf("Code() on non-ATT error = 0x%02X, want 0", got)
	}
}

func TestResponseOpcode(t *testing.T) {
	pairs := map[uint8]uint8{
		OpExchangeMTURequest:     OpExchangeMTUResponse,
		OpFindByTypeValueRequest: OpFindByTypeValueResponse,
		OpReadByTypeRequest:      OpReadByTypeResponse,
		OpHandleValueIndication:  OpHandleValueConfirmation,
		OpErrorResponse:          0,
	}
	for req, want := range pairs {
		if got := ResponseOpcode(req); got != want {
			t.Errorf("ResponseOpcode(%s) = 0x%02X, want 0x%02X", OpcodeName(req), got, want)
		}
	}
}
