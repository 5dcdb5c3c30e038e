package mongoasync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// Serialized is the "serialized client" view named in §5: a handle that
// pins every Send onto one dedicated SocketConnection, so a caller that
// needs total order across a sequence of requests (rather than the
// per-Client sender's per-request routing) gets it by construction. The
// session id exists purely for diagnostics/logging correlation, mirroring
// the teacher pack's use of a generated id to tag a logical session across
// log lines.
type Serialized struct {
	id uuid.UUID
	c  *conn.SocketConnection
}

func newSerialized(c *conn.SocketConnection) *Serialized {
	return &Serialized{id: uuid.New(), c: c}
}

// ID returns this handle's session id.
func (s *Serialized) ID() string { return s.id.String() }

// Send pipelines msg on this handle's dedicated connection.
func (s *Serialized) Send(ctx context.Context, msg wire.Message, cb conn.ReplyCallback) (string, error) {
	return s.c.Send(ctx, msg, cb)
}

// SendPair sends both halves of a linked message pair on this handle's
// single connection. Because the connection is not shared with any other
// Serialized handle or the owning Client, these two Send calls cannot be
// interleaved by another producer, giving the pair true back-to-back
// delivery (unlike Client.SendPair, which shares its sender).
func (s *Serialized) SendPair(ctx context.Context, pair wire.Pair, cb conn.ReplyCallback) (string, error) {
	if pair.First != nil && pair.First.ExpectsReply() {
		if _, err := s.c.Send(ctx, pair.First, conn.CallbackFunc{}); err != nil {
			return "", fmt.Errorf("mongoasync: sending first half of message pair: %w", err)
		}
	} else if pair.First != nil {
		if _, err := s.c.Send(ctx, pair.First, nil); err != nil {
			return "", fmt.Errorf("mongoasync: sending first half of message pair: %w", err)
		}
	}
	return s.c.Send(ctx, pair.Second, cb)
}

// IsAvailable reports whether the dedicated connection still accepts sends.
func (s *Serialized) IsAvailable() bool { return s.c.IsAvailable() }

// Close shuts down this handle's dedicated connection.
func (s *Serialized) Close() { s.c.Shutdown(true) }
