package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed 16-byte header every frame carries: length,
// request-id, response-to-id, opcode, all little-endian int32s.
const HeaderSize = 16

// Header is the four-field tuple in front of every frame on the wire.
type Header struct {
	Length      int32
	RequestID   int32
	ResponseTo  int32
	OpCode      OpCode
}

// AppendTo writes the header in wire order to buf, returning the extended
// slice. Length must already include HeaderSize plus the body.
func (h Header) AppendTo(buf []byte) []byte {
	var tmp [HeaderSize]byte
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(h.Length))
	binary.LittleEndian.PutUint32(tmp[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(tmp[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(tmp[12:16], uint32(h.OpCode))
	return append(buf, tmp[:]...)
}

// ReadHeader decodes a Header from the first HeaderSize bytes of buf.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		Length:     int32(binary.LittleEndian.Uint32(buf[0:4])),
		RequestID:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		ResponseTo: int32(binary.LittleEndian.Uint32(buf[8:12])),
		OpCode:     OpCode(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}
