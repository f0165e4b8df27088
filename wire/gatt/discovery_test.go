package gatt

import (
	"bytes"
	"testing"
)

func TestHandlesInformationRoundTrip(t *testing.T) {
	ranges := []HandleRange{{Start: 0x0010, End: 0x0018}, {Start: 0x0020, End: 0xFFFF}}

	data := EncodeHandlesInformation(ranges)
	if len(data) != 8 {
		t.Fatalf("Encoded length = %d, want 8", len(data))
	}

	parsed, err := ParseHandlesInformation(data)
	if err != nil {
		t.Fatalf("ParseHandlesInformation() error = %v", err)
	}
	if len(parsed) != 2 || parsed[0] != ranges[0] || parsed[1] != ranges[1] {
		t.Errorf("Parsed = %v, want %v", parsed, ranges)
	}
}

func TestParseHandlesInformationErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"odd length", []byte{0x01, 0x00, 0x05}},
		{"zero start", []byte{0x00, 0x00, 0x05, 0x00}},
		{"end before start", []byte{0x10, 0x00, 0x05, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHandlesInformation(tt.data); err == nil {
				t.Errorf("Expected error for %v", tt.data)
			}
		})
	}
}

func TestReadByTypeRoundTrip(t *testing.T) {
	entries := [][]byte{
		{0x02, 0x00, PropRead, 0x03, 0x00, 0xF6, 0xFF},
		{0x04, 0x00, PropWrite, 0x05, 0x00, 0xF6, 0xFF},
	}

	data, err := EncodeReadByTypeResponse(entries)
	if err != nil {
		t.Fatalf("EncodeReadByTypeResponse() error = %v", err)
	}
	if data[0] != 7 {
		t.Errorf("Length byte = %d, want 7", data[0])
	}

	parsed, err := ParseReadByTypeResponse(data)
	if err != nil {
		t.Fatalf("ParseReadByTypeResponse() error = %v", err)
	}
	if len(parsed) != 2 || !bytes.Equal(parsed[1], entries[1]) {
		t.Errorf("Parsed = %v, want %v", parsed, entries)
	}
}

func TestReadByTypeErrors(t *testing.T) {
	if _, err := EncodeReadByTypeResponse(nil); err == nil {
		t.Error("Expected error encoding no entries")
	}
	if _, err := EncodeReadByTypeResponse([][]byte{{1, 2, 3}, {1, 2}}); err == nil {
		t.Error("Expected error encoding mixed lengths")
	}
	if _, err := ParseReadByTypeResponse([]byte{0x07, 0x01, 0x02}); err == nil {
		t.Error("Expected error parsing truncated data")
	}
	if _, err := ParseReadByTypeResponse(nil); err == nil {
		t.Error("Expected error parsing empty data")
	}
}

func TestValueHandle(t *testing.T) {
	vh, err := ValueHandle([]byte{0x02, 0x00, PropRead, 0x34, 0x12, 0xF6, 0xFF})
	if err != nil {
		t.Fatalf("ValueHandle() error = %v", err)
	}
	if vh != 0x1234 {
		t.Errorf("ValueHandle() = 0x%04X, want 0x1234", vh)
	}

	if _, err := ValueHandle([]byte{0x02, 0x00, PropRead}); err == nil {
		t.Error("Expected error for short entry")
	}
}

func TestHandleRangeContains(t *testing.T) {
	r := HandleRange{Start: 5, End: 7}
	if !r.Contains(5) || !r.Contains(7) || r.Contains(8) || r.Contains(4) {
		t.Errorf("Contains() bounds wrong for %s", r)
	}
	if !(HandleRange{}).IsZero() {
		t.Error("Expected zero range to report IsZero")
	}
}
