package att

import (
	"errors"
	"fmt"
)

// ATT error codes reported in Error Response PDUs
const (
	ErrInvalidHandle              = 0x01
	ErrReadNotPermitted           = 0x02
	ErrWriteNotPermitted          = 0x03
	ErrInvalidPDU                 = 0x04
	ErrInsufficientAuthentication = 0x05
	ErrRequestNotSupported        = 0x06
	ErrInvalidOffset              = 0x07
	ErrAttributeNotFound          = 0x0A
	ErrInvalidAttributeLength     = 0x0D
	ErrUnlikelyError              = 0x0E
	ErrInsufficientEncryption     = 0x0F
	ErrInsufficientResources      = 0x11
)

var errorNames = map[uint8]string{
	ErrInvalidHandle:              "Invalid Handle",
	ErrReadNotPermitted:           "Read Not Permitted",
	ErrWriteNotPermitted:          "Write Not Permitted",
	ErrInvalidPDU:                 "Invalid PDU",
	ErrInsufficientAuthentication: "Insufficient Authentication",
	ErrRequestNotSupported:        "Request Not Supported",
	ErrInvalidOffset:              "Invalid Offset",
	ErrAttributeNotFound:          "Attribute Not Found",
	ErrInvalidAttributeLength:     "Invalid Attribute Value Length",
	ErrUnlikelyError:              "Unlikely Error",
	ErrInsufficientEncryption:     "Insufficient Encryption",
	ErrInsufficientResources:      "Insufficient Resources",
}

// ErrorName returns the readable name of an error code
func ErrorName(code uint8) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	if code >= 0x80 && code <= 0x9F {
		return fmt.Sprintf("Application Error (0x%02X)", code)
	}
	return fmt.Sprintf("Unknown Error (0x%02X)", code)
}

// Error is the decoded form of an Error Response received from a peer server
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: %s (handle 0x%04X, request %s)", ErrorName(e.Code), e.Handle, OpcodeName(e.RequestOpcode))
}

// NewError creates an ATT error
func NewError(code, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// Code returns the ATT error code carried by err, or 0 if err is not an ATT error
func Code(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return 0
}
