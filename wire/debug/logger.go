package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/multirole-blue/wire/att"
)

// Logger writes human-readable JSON logs of the GATT client traffic
// These files are WRITE-ONLY and never read by production code
type Logger struct {
	dir     string
	enabled bool
	mu      sync.Mutex
}

// ATTLog represents one logged ATT request or response
type ATTLog struct {
	Timestamp  string            `json:"timestamp"`
	Direction  string            `json:"direction"` // "tx" or "rx"
	Conn       uint16            `json:"conn"`
	Opcode     string            `json:"opcode"`
	OpcodeName string            `json:"opcode_name"`
	Handle     string            `json:"handle,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	ValueHex   string            `json:"value_hex,omitempty"`
}

// NewLogger creates a logger writing into dir
func NewLogger(dir string, enabled bool) *Logger {
	if !enabled {
		return &Logger{enabled: false}
	}

	os.MkdirAll(dir, 0755)

	return &Logger{
		dir:     dir,
		enabled: enabled,
	}
}

// LogATT logs an ATT PDU to att_packets.jsonl
func (d *Logger) LogATT(direction string, conn uint16, opcode uint8, handle uint16, value []byte) {
	if d == nil || !d.enabled {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry := ATTLog{
		Timestamp:  time.Now().Format(time.RFC3339Nano),
		Direction:  direction,
		Conn:       conn,
		Opcode:     fmt.Sprintf("0x%02X", opcode),
		OpcodeName: att.OpcodeName(opcode),
	}
	if handle != 0 {
		entry.Handle = fmt.Sprintf("0x%04X", handle)
	}
	if len(value) > 0 {
		entry.ValueHex = hex.EncodeToString(value)
	}

	d.appendJSONL("att_packets.jsonl", entry)
}

// LogATTError logs an Error Response
func (d *Logger) LogATTError(conn uint16, requestOpcode uint8, handle uint16, code uint8) {
	if d == nil || !d.enabled {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.appendJSONL("att_packets.jsonl", ATTLog{
		Timestamp:  time.Now().Format(time.RFC3339Nano),
		Direction:  "rx",
		Conn:       conn,
		Opcode:     fmt.Sprintf("0x%02X", att.OpErrorResponse),
		OpcodeName: att.OpcodeName(att.OpErrorResponse),
		Handle:     fmt.Sprintf("0x%04X", handle),
		Data: map[string]string{
			"request_opcode": att.OpcodeName(requestOpcode),
			"error_code":     fmt.Sprintf("0x%02X", code),
			"error_name":     att.ErrorName(code),
		},
	})
}

// appendJSONL appends a JSON line to a file
func (d *Logger) appendJSONL(filename string, data interface{}) {
	path := filepath.Join(d.dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // Silently fail - debug logging is best-effort
	}
	defer f.Close()

	line, err := json.Marshal(data)
	if err != nil {
		return
	}

	f.Write(line)
	f.Write([]byte("\n"))
}
