package logger

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"trace", TRACE},
		{"DEBUG", DEBUG},
		{"Info", INFO},
		{"warn", WARN},
		{"ERROR", ERROR},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(WARN)
	Info("abcd1234 Test", "hidden %d", 1)
	Warn("abcd1234 Test", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected INFO to be filtered at WARN, got %q", out)
	}
	if !strings.Contains(out, "[abcd1234 Test] shown 2") {
		t.Errorf("Expected prefixed WARN line, got %q", out)
	}
}

func TestTraceBelowDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(TRACE)
	Trace("", "rssi sample")
	if !strings.Contains(buf.String(), "TRACE") {
		t.Errorf("Expected TRACE level tag, got %q", buf.String())
	}
}

func TestToJSONProto(t *testing.T) {
	out := ToJSON(wrapperspb.Bool(true))
	if !strings.Contains(out, "true") {
		t.Errorf("Expected protojson rendering of BoolValue, got %q", out)
	}

	out = ToJSON(map[string]int{"handle": 3})
	if !strings.Contains(out, `"handle": 3`) {
		t.Errorf("Expected indented JSON, got %q", out)
	}
}
