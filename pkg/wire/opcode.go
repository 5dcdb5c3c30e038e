// Package wire implements the length-prefixed binary framing used to talk to
// the document server: message headers, opcodes, and reply decoding. Document
// bodies themselves are opaque — encoding/decoding them is delegated to a
// codec collaborator outside this package.
package wire

// OpCode identifies the kind of message carried by a frame.
type OpCode int32

// Opcodes the core must recognize. Values match the wire constants of the
// protocol; codes not listed here are passed through as-is by HeaderSize
// framing but are not otherwise interpreted.
const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
)

func (o OpCode) String() string {
	switch o {
	case OpReply:
		return "REPLY"
	case OpUpdate:
		return "UPDATE"
	case OpInsert:
		return "INSERT"
	case OpQuery:
		return "QUERY"
	case OpGetMore:
		return "GET_MORE"
	case OpDelete:
		return "DELETE"
	case OpKillCursors:
		return "KILL_CURSORS"
	default:
		return "UNKNOWN"
	}
}
