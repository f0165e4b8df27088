package advertising

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AD types used in advertising and scan response data
const (
	ADTypeFlags                       = 0x01
	ADTypeIncomplete16BitServiceUUIDs = 0x02
	ADTypeComplete16BitServiceUUIDs   = 0x03
	ADTypeShortenedLocalName          = 0x08
	ADTypeCompleteLocalName           = 0x09
	ADTypeTxPowerLevel                = 0x0A
	ADTypeManufacturerSpecificData    = 0xFF
)

// Flags
const (
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

// MaxAdvertisingDataLen is the legacy advertising payload limit
const MaxAdvertisingDataLen = 31

// ADStructure is one Type-Length-Value element of advertising data
// Format: [Length: 1 byte] [Type: 1 byte] [Data: N bytes], Length covers Type and Data
type ADStructure struct {
	Type byte
	Data []byte
}

// EncodeADStructures serializes AD structures into one advertising payload
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte

	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("advertising: AD structure too long: %d bytes", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}

	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// DecodeADStructures parses an advertising payload. A zero length byte ends the
// payload (padding).
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	offset := 0

	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("advertising: AD structure length %d exceeds remaining %d bytes", length, len(data)-offset)
		}

		adData := make([]byte, length-1)
		copy(adData, data[offset+1:offset+length])
		structures = append(structures, ADStructure{Type: data[offset], Data: adData})
		offset += length
	}

	return structures, nil
}

// NewFlagsAD creates a flags AD structure
func NewFlagsAD(flags byte) ADStructure {
	return ADStructure{Type: ADTypeFlags, Data: []byte{flags}}
}

// NewCompleteLocalNameAD creates a complete local name AD structure
func NewCompleteLocalNameAD(name string) ADStructure {
	return ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(name)}
}

// NewComplete16BitServiceUUIDsAD creates a complete 16-bit service UUID list
func NewComplete16BitServiceUUIDsAD(uuids []uint16) ADStructure {
	data := make([]byte, len(uuids)*2)
	for i, uuid := range uuids {
		binary.LittleEndian.PutUint16(data[i*2:], uuid)
	}
	return ADStructure{Type: ADTypeComplete16BitServiceUUIDs, Data: data}
}

// GetLocalName extracts the complete or shortened local name
func GetLocalName(structures []ADStructure) string {
	for _, s := range structures {
		if s.Type == ADTypeCompleteLocalName || s.Type == ADTypeShortenedLocalName {
			return string(s.Data)
		}
	}
	return ""
}

// Get16BitServiceUUIDs extracts 16-bit service UUIDs from complete and
// incomplete lists. An odd trailing byte in a list is ignored.
func Get16BitServiceUUIDs(structures []ADStructure) []uint16 {
	var uuids []uint16
	for _, s := range structures {
		if s.Type != ADTypeComplete16BitServiceUUIDs && s.Type != ADTypeIncomplete16BitServiceUUIDs {
			continue
		}
		for i := 0; i+1 < len(s.Data); i += 2 {
			uuids = append(uuids, binary.LittleEndian.Uint16(s.Data[i:i+2]))
		}
	}
	return uuids
}

// HasService16 reports whether a raw advertising payload lists the 16-bit
// service UUID. Malformed trailing structures end the walk without error so a
// match found before them still counts.
func HasService16(data []byte, uuid uint16) bool {
	offset := 0
	for offset < len(data)-1 {
		length := int(data[offset])
		offset++
		if length == 0 {
			continue
		}
		end := offset + length
		if end > len(data) {
			end = len(data)
		}

		adType := data[offset]
		if adType == ADTypeComplete16BitServiceUUIDs || adType == ADTypeIncomplete16BitServiceUUIDs {
			for i := offset + 1; i+1 < end; i += 2 {
				if binary.LittleEndian.Uint16(data[i:i+2]) == uuid {
					return true
				}
			}
		}
		offset = end
	}
	return false
}

// ErrNameTooLong is returned when the device name does not fit the payload
var ErrNameTooLong = errors.New("advertising: device name does not fit advertising data")

// BuildAdvertisingData builds the payload advertised by the link manager:
// flags, the profile service UUID and the complete local name
func BuildAdvertisingData(name string, serviceUUID uint16) ([]byte, error) {
	data, err := EncodeADStructures([]ADStructure{
		NewFlagsAD(FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported),
		NewComplete16BitServiceUUIDsAD([]uint16{serviceUUID}),
		NewCompleteLocalNameAD(name),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return data, nil
}

// ADTypeName returns a readable name for an AD type
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeIncomplete16BitServiceUUIDs:
		return "Incomplete 16-bit Service UUIDs"
	case ADTypeComplete16BitServiceUUIDs:
		return "Complete 16-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeTxPowerLevel:
		return "Tx Power Level"
	case ADTypeManufacturerSpecificData:
		return "Manufacturer Specific Data"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", adType)
	}
}
