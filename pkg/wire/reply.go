package wire

import (
	"encoding/binary"
	"fmt"
)

// Reply flag bits (§6.1).
const (
	FlagCursorNotFound uint32 = 1 << 0
	FlagQueryFailed    uint32 = 1 << 1
	FlagShardConfStale uint32 = 1 << 2
	FlagAwaitCapable   uint32 = 1 << 3
)

// replyBodyHeaderSize is the fixed portion of a REPLY body preceding the
// documents: 4-byte flags, 8-byte cursor id, 4-byte starting-from, 4-byte
// number-returned.
const replyBodyHeaderSize = 4 + 8 + 4 + 4

// Reply is a decoded server response (§3).
type Reply struct {
	Flags          uint32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      [][]byte
	ResponseTo     int32
}

// CursorNotFound reports whether the server could not locate the cursor id
// referenced by the originating GET_MORE/KILL_CURSORS.
func (r Reply) CursorNotFound() bool { return r.Flags&FlagCursorNotFound != 0 }

// QueryFailed reports whether the reply carries an error document instead of
// normal results.
func (r Reply) QueryFailed() bool { return r.Flags&FlagQueryFailed != 0 }

// ShardConfigStale reports whether the router's shard configuration is out
// of date relative to the cluster.
func (r Reply) ShardConfigStale() bool { return r.Flags&FlagShardConfStale != 0 }

// AwaitCapable reports whether the server supports the awaitData flag for
// tailable cursors.
func (r Reply) AwaitCapable() bool { return r.Flags&FlagAwaitCapable != 0 }

// DecodeReply parses a REPLY body (the bytes following the 16-byte header).
// splitDocuments is supplied by the caller (ultimately backed by the
// document codec) because this package does not know how to find document
// boundaries on its own — document length is a four-byte little-endian
// prefix per the codec's own framing, which this package treats opaquely by
// delegating boundary discovery.
func DecodeReply(responseTo int32, body []byte, splitDocuments func([]byte, int) ([][]byte, error)) (Reply, error) {
	if len(body) < replyBodyHeaderSize {
		return Reply{}, fmt.Errorf("wire: short reply body: got %d bytes, want at least %d", len(body), replyBodyHeaderSize)
	}
	r := Reply{
		Flags:          binary.LittleEndian.Uint32(body[0:4]),
		CursorID:       int64(binary.LittleEndian.Uint64(body[4:12])),
		StartingFrom:   int32(binary.LittleEndian.Uint32(body[12:16])),
		NumberReturned: int32(binary.LittleEndian.Uint32(body[16:20])),
		ResponseTo:     responseTo,
	}
	rest := body[replyBodyHeaderSize:]
	if int(r.NumberReturned) == 0 {
		return r, nil
	}
	docs, err := splitDocuments(rest, int(r.NumberReturned))
	if err != nil {
		return Reply{}, fmt.Errorf("wire: splitting reply documents: %w", err)
	}
	r.Documents = docs
	return r, nil
}

// SplitLengthPrefixed is the default splitDocuments implementation for
// codecs that, like this protocol's document bodies, begin each document
// with its own 4-byte little-endian total length (the common convention
// inherited from the embedded document format). Tests and the default
// placeholder codec use this; production codecs may supply their own.
func SplitLengthPrefixed(buf []byte, count int) ([][]byte, error) {
	docs := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("wire: truncated document %d/%d", i+1, count)
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		if n < 4 || n > len(buf) {
			return nil, fmt.Errorf("wire: invalid document length %d at document %d/%d", n, i+1, count)
		}
		docs = append(docs, buf[:n])
		buf = buf[n:]
	}
	return docs, nil
}
