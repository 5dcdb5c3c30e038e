package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// JSONCodec is a placeholder Codec. Production deployments are expected to
// supply a real document codec (BSON or otherwise) — that codec is an
// external collaborator per §1 and is not implemented by this module.
// JSONCodec is the default wherever no codec is configured, and it lets the
// module's tests exercise framing end-to-end without a real codec
// dependency.
type JSONCodec struct{}

// Encode marshals doc to JSON and prefixes it with its own 4-byte
// little-endian length, matching the length-prefixed document convention
// SplitLengthPrefixed expects.
func (JSONCodec) Encode(doc any) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("wire: json encode: %w", err)
	}
	total := len(body) + 4
	out := make([]byte, 4, total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	return append(out, body...), nil
}

// Decode strips the 4-byte length prefix and unmarshals the remainder.
func (JSONCodec) Decode(data []byte, out any) error {
	if len(data) < 4 {
		return fmt.Errorf("wire: short document: %d bytes", len(data))
	}
	return json.Unmarshal(data[4:], out)
}
