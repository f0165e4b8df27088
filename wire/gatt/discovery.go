package gatt

import (
	"encoding/binary"
	"fmt"
)

// HandleRange is a service's attribute handle span, inclusive on both ends
type HandleRange struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Contains reports whether h is inside the range
func (r HandleRange) Contains(h uint16) bool {
	return h >= r.Start && h <= r.End
}

// IsZero reports whether no range was recorded
func (r HandleRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

func (r HandleRange) String() string {
	return fmt.Sprintf("0x%04X-0x%04X", r.Start, r.End)
}

// EncodeHandlesInformation encodes a Find By Type Value Response body
// Format: N * [Found Attribute Handle: 2][Group End Handle: 2]
func EncodeHandlesInformation(ranges []HandleRange) []byte {
	buf := make([]byte, 4*len(ranges))
	for i, r := range ranges {
		binary.LittleEndian.PutUint16(buf[i*4:], r.Start)
		binary.LittleEndian.PutUint16(buf[i*4+2:], r.End)
	}
	return buf
}

// ParseHandlesInformation parses a Find By Type Value Response body
func ParseHandlesInformation(data []byte) ([]HandleRange, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("gatt: handles information length %d is not a multiple of 4", len(data))
	}

	ranges := make([]HandleRange, 0, len(data)/4)
	for off := 0; off < len(data); off += 4 {
		r := HandleRange{
			Start: binary.LittleEndian.Uint16(data[off:]),
			End:   binary.LittleEndian.Uint16(data[off+2:]),
		}
		if r.Start == 0 || r.End < r.Start {
			return nil, fmt.Errorf("gatt: invalid handle range %s", r)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// EncodeReadByTypeResponse encodes a Read By Type Response body
// Format: [Length: 1][Data: N * Length]
func EncodeReadByTypeResponse(entries [][]byte) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("gatt: read by type response needs at least one entry")
	}

	length := len(entries[0])
	if length < 2 || length > 255 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}

	buf := make([]byte, 1, 1+length*len(entries))
	buf[0] = byte(length)
	for _, e := range entries {
		if len(e) != length {
			return nil, fmt.Errorf("gatt: mixed attribute data lengths %d and %d", length, len(e))
		}
		buf = append(buf, e...)
	}
	return buf, nil
}

// ParseReadByTypeResponse splits a Read By Type Response body into its
// attribute data entries
func ParseReadByTypeResponse(data []byte) ([][]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("gatt: invalid Read By Type Response, too short")
	}

	length := int(data[0])
	if length < 2 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}

	data = data[1:]
	if len(data)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete attribute data, %d bytes remaining", len(data)%length)
	}

	entries := make([][]byte, 0, len(data)/length)
	for len(data) >= length {
		entry := make([]byte, length)
		copy(entry, data[:length])
		entries = append(entries, entry)
		data = data[length:]
	}
	return entries, nil
}

// ValueHandle extracts the characteristic value handle from a characteristic
// declaration entry: bytes 3 and 4, little endian
func ValueHandle(entry []byte) (uint16, error) {
	if len(entry) < 5 {
		return 0, fmt.Errorf("gatt: characteristic entry too short: %d bytes", len(entry))
	}
	return binary.LittleEndian.Uint16(entry[3:5]), nil
}
