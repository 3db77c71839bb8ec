// Package record implements the FastCGI wire record: the 8-byte header,
// its padding rules, and the name-value pair encoding carried in PARAMS
// and GET_VALUES/GET_VALUES_RESULT bodies.
package record

import "fmt"

// Version1 is the only FastCGI protocol version this engine understands.
const Version1 = 1

// Type identifies the kind of a FastCGI record.
type Type uint8

const (
	TypeBeginRequest    Type = 1
	TypeAbortRequest    Type = 2
	TypeEndRequest      Type = 3
	TypeParams          Type = 4
	TypeStdin           Type = 5
	TypeStdout          Type = 6
	TypeStderr          Type = 7
	TypeData            Type = 8
	TypeGetValues       Type = 9
	TypeGetValuesResult Type = 10
	TypeUnknownType     Type = 11
)

func (t Type) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Role identifies which application role a BEGIN_REQUEST is starting.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "RESPONDER"
	case RoleAuthorizer:
		return "AUTHORIZER"
	case RoleFilter:
		return "FILTER"
	default:
		return fmt.Sprintf("ROLE(%d)", uint16(r))
	}
}

// BeginRequest flag bits.
const (
	FlagKeepConn uint8 = 1 << 0
)

// ProtocolStatus is the application-level outcome carried in END_REQUEST.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMpxConn     ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

// HeaderLen is the fixed size of a record header.
const HeaderLen = 8

// MaxContentLen is the largest content length a single record can carry.
const MaxContentLen = 0xFFFF

// Header is the fixed 8-byte prefix of every record.
type Header struct {
	Version       uint8
	Type          Type
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
}

// Record is one fully decoded FastCGI record: header plus content, with
// padding already stripped.
type Record struct {
	Header  Header
	Content []byte
}

// BeginRequestBody is the content of a BEGIN_REQUEST record.
type BeginRequestBody struct {
	Role     Role
	Flags    uint8
	Reserved [5]byte
}

// EndRequestBody is the content of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus ProtocolStatus
	Reserved       [3]byte
}

// UnknownTypeBody is the content of an UNKNOWN_TYPE record.
type UnknownTypeBody struct {
	UnknownType Type
	Reserved    [7]byte
}

// paddedLen rounds n up to the next multiple of 8, the padding alignment
// this engine uses for records it writes (the protocol does not require
// any specific alignment, only that paddingLength account for whatever
// is sent).
func paddedLen(n int) uint8 {
	rem := n % 8
	if rem == 0 {
		return 0
	}
	return uint8(8 - rem)
}
