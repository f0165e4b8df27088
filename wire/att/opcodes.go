package att

import "fmt"

// ATT opcodes used by the client procedures of the link manager
const (
	OpErrorResponse           = 0x01
	OpExchangeMTURequest      = 0x02
	OpExchangeMTUResponse     = 0x03
	OpFindByTypeValueRequest  = 0x06
	OpFindByTypeValueResponse = 0x07
	OpReadByTypeRequest       = 0x08
	OpReadByTypeResponse      = 0x09
	OpReadRequest             = 0x0A
	OpReadResponse            = 0x0B
	OpWriteRequest            = 0x12
	OpWriteResponse           = 0x13
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E
)

var opcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpFindByTypeValueRequest:  "Find By Type Value Request",
	OpFindByTypeValueResponse: "Find By Type Value Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpHandleValueIndication:   "Handle Value Indication",
	OpHandleValueConfirmation: "Handle Value Confirmation",
}

// OpcodeName returns the readable name of an opcode
func OpcodeName(op uint8) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", op)
}

// ResponseOpcode returns the response expected for a request opcode, 0 if none
func ResponseOpcode(request uint8) uint8 {
	switch request {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpFindByTypeValueRequest:
		return OpFindByTypeValueResponse
	case OpReadByTypeRequest:
		return OpReadByTypeResponse
	case OpReadRequest:
		return OpReadResponse
	case OpWriteRequest:
		return OpWriteResponse
	case OpHandleValueIndication:
		return OpHandleValueConfirmation
	default:
		return 0
	}
}
