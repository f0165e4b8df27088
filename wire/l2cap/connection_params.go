package l2cap

import (
	"encoding/binary"
	"fmt"
)

// LE signaling channel command codes for connection parameter updates
const (
	CodeConnectionParameterUpdateRequest  = 0x12
	CodeConnectionParameterUpdateResponse = 0x13
)

// Connection parameter update result codes
const (
	ConnectionParameterAccepted uint16 = 0x0000
	ConnectionParameterRejected uint16 = 0x0001
)

// ConnectionParameters are the timing parameters of one link
type ConnectionParameters struct {
	// Minimum connection interval in units of 1.25ms, 6 (7.5ms) to 3200 (4s)
	IntervalMin uint16 `json:"interval_min"`

	// Maximum connection interval in units of 1.25ms
	IntervalMax uint16 `json:"interval_max"`

	// Number of connection events the peripheral may skip, 0 to 499
	SlaveLatency uint16 `json:"slave_latency"`

	// Supervision timeout in units of 10ms, 10 (100ms) to 3200 (32s)
	SupervisionTimeout uint16 `json:"supervision_timeout"`
}

// DesiredConnectionParameters are requested by a peripheral link once its
// update delay expires
func DesiredConnectionParameters() ConnectionParameters {
	return ConnectionParameters{
		IntervalMin:        400, // 500ms
		IntervalMax:        800, // 1s
		SlaveLatency:       0,
		SupervisionTimeout: 600, // 6s
	}
}

// UpdateConnectionParameters are used by the operator's connection update
// command. The supervision timeout alternates between this value and
// UpdateTimeoutAlternate on each use.
func UpdateConnectionParameters() ConnectionParameters {
	return ConnectionParameters{
		IntervalMin:        400,
		IntervalMax:        800,
		SlaveLatency:       0,
		SupervisionTimeout: 600,
	}
}

// UpdateTimeoutAlternate is the supervision timeout used when the link already
// runs with the default update timeout
const UpdateTimeoutAlternate = 600 + 200

// Validate checks the parameters against the ranges the controller accepts
func (p ConnectionParameters) Validate() error {
	if p.IntervalMin < 6 || p.IntervalMin > 3200 {
		return fmt.Errorf("l2cap: IntervalMin out of range (6-3200): %d", p.IntervalMin)
	}
	if p.IntervalMax < 6 || p.IntervalMax > 3200 {
		return fmt.Errorf("l2cap: IntervalMax out of range (6-3200): %d", p.IntervalMax)
	}
	if p.IntervalMax < p.IntervalMin {
		return fmt.Errorf("l2cap: IntervalMax (%d) must be >= IntervalMin (%d)", p.IntervalMax, p.IntervalMin)
	}
	if p.SlaveLatency > 499 {
		return fmt.Errorf("l2cap: SlaveLatency out of range (0-499): %d", p.SlaveLatency)
	}
	if p.SupervisionTimeout < 10 || p.SupervisionTimeout > 3200 {
		return fmt.Errorf("l2cap: SupervisionTimeout out of range (10-3200): %d", p.SupervisionTimeout)
	}

	// (1 + latency) * interval * 2, converted from 1.25ms to 10ms units
	minTimeout := (1 + uint32(p.SlaveLatency)) * uint32(p.IntervalMax) * 2 * 125 / 1000
	if uint32(p.SupervisionTimeout) <= minTimeout {
		return fmt.Errorf("l2cap: SupervisionTimeout (%d * 10ms) must be > (1+latency)*interval*2 (%d * 10ms)",
			p.SupervisionTimeout, minTimeout)
	}

	return nil
}

// SupervisionTimeoutMs returns the supervision timeout in milliseconds
func (p ConnectionParameters) SupervisionTimeoutMs() uint32 {
	return uint32(p.SupervisionTimeout) * 10
}

// IntervalMaxMs returns the maximum connection interval in milliseconds
func (p ConnectionParameters) IntervalMaxMs() float64 {
	return float64(p.IntervalMax) * 1.25
}

// ConnectionParameterUpdateRequest is the peer's signaling request
type ConnectionParameterUpdateRequest struct {
	Identifier uint8
	Params     ConnectionParameters
}

// ConnectionParameterUpdateResponse answers a request with the same identifier
type ConnectionParameterUpdateResponse struct {
	Identifier uint8
	Result     uint16
}

// EncodeConnectionParameterUpdateRequest encodes a signaling request
// [Code: 1] [Identifier: 1] [Length: 2] [IntervalMin: 2] [IntervalMax: 2] [Latency: 2] [Timeout: 2]
func EncodeConnectionParameterUpdateRequest(req ConnectionParameterUpdateRequest) ([]byte, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 12)
	buf[0] = CodeConnectionParameterUpdateRequest
	buf[1] = req.Identifier
	binary.LittleEndian.PutUint16(buf[2:4], 8)
	binary.LittleEndian.PutUint16(buf[4:6], req.Params.IntervalMin)
	binary.LittleEndian.PutUint16(buf[6:8], req.Params.IntervalMax)
	binary.LittleEndian.PutUint16(buf[8:10], req.Params.SlaveLatency)
	binary.LittleEndian.PutUint16(buf[10:12], req.Params.SupervisionTimeout)
	return buf, nil
}

// DecodeConnectionParameterUpdateRequest decodes a signaling request.
// The parameters are not range checked: rejecting them is the receiver's call.
func DecodeConnectionParameterUpdateRequest(data []byte) (ConnectionParameterUpdateRequest, error) {
	if len(data) < 12 {
		return ConnectionParameterUpdateRequest{}, fmt.Errorf("l2cap: connection parameter update request too short: %d bytes", len(data))
	}
	if data[0] != CodeConnectionParameterUpdateRequest {
		return ConnectionParameterUpdateRequest{}, fmt.Errorf("l2cap: invalid command code: 0x%02X", data[0])
	}
	if length := binary.LittleEndian.Uint16(data[2:4]); length != 8 {
		return ConnectionParameterUpdateRequest{}, fmt.Errorf("l2cap: invalid parameter length: %d", length)
	}

	return ConnectionParameterUpdateRequest{
		Identifier: data[1],
		Params: ConnectionParameters{
			IntervalMin:        binary.LittleEndian.Uint16(data[4:6]),
			IntervalMax:        binary.LittleEndian.Uint16(data[6:8]),
			SlaveLatency:       binary.LittleEndian.Uint16(data[8:10]),
			SupervisionTimeout: binary.LittleEndian.Uint16(data[10:12]),
		},
	}, nil
}

// EncodeConnectionParameterUpdateResponse encodes a signaling response
// [Code: 1] [Identifier: 1] [Length: 2] [Result: 2]
func EncodeConnectionParameterUpdateResponse(resp ConnectionParameterUpdateResponse) []byte {
	buf := make([]byte, 6)
	buf[0] = CodeConnectionParameterUpdateResponse
	buf[1] = resp.Identifier
	binary.LittleEndian.PutUint16(buf[2:4], 2)
	binary.LittleEndian.PutUint16(buf[4:6], resp.Result)
	return buf
}

// DecodeConnectionParameterUpdateResponse decodes a signaling response
func DecodeConnectionParameterUpdateResponse(data []byte) (ConnectionParameterUpdateResponse, error) {
	if len(data) < 6 {
		return ConnectionParameterUpdateResponse{}, fmt.Errorf("l2cap: connection parameter update response too short: %d bytes", len(data))
	}
	if data[0] != CodeConnectionParameterUpdateResponse {
		return ConnectionParameterUpdateResponse{}, fmt.Errorf("l2cap: invalid command code: 0x%02X", data[0])
	}
	if length := binary.LittleEndian.Uint16(data[2:4]); length != 2 {
		return ConnectionParameterUpdateResponse{}, fmt.Errorf("l2cap: invalid response length: %d", length)
	}

	return ConnectionParameterUpdateResponse{
		Identifier: data[1],
		Result:     binary.LittleEndian.Uint16(data[4:6]),
	}, nil
}

// AcceptPeerRequest reports whether a peer's requested parameters are taken
// as-is. Only links that keep every connection event (latency 0) are accepted.
func AcceptPeerRequest(p ConnectionParameters) bool {
	return p.SlaveLatency == 0
}
