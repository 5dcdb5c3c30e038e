package mongoasync

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/youseeus/mongodb-async-driver/pkg/factory"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// startIdentityServer accepts connections and answers every inbound frame
// with a REPLY carrying a single length-prefixed JSON document, enough to
// drive bootstrap classification and ordinary sends.
func startIdentityServer(t *testing.T, doc map[string]any) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveIdentity(c, doc)
		}
	}()
	return ln.Addr().String()
}

func serveIdentity(c net.Conn, doc map[string]any) {
	defer c.Close()
	codec := wire.JSONCodec{}
	for {
		headerBuf := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(c, headerBuf); err != nil {
			return
		}
		h, err := wire.ReadHeader(headerBuf)
		if err != nil {
			return
		}
		body := make([]byte, int(h.Length)-wire.HeaderSize)
		if len(body) > 0 {
			if _, err := io.ReadFull(c, body); err != nil {
				return
			}
		}
		encoded, err := codec.Encode(doc)
		if err != nil {
			return
		}
		replyBody := make([]byte, 20)
		binary.LittleEndian.PutUint32(replyBody[16:20], 1)
		replyBody = append(replyBody, encoded...)
		replyHeader := wire.Header{
			Length:     int32(wire.HeaderSize + len(replyBody)),
			ResponseTo: h.RequestID,
			OpCode:     wire.OpReply,
		}
		frame := replyHeader.AppendTo(nil)
		frame = append(frame, replyBody...)
		if _, err := c.Write(frame); err != nil {
			return
		}
	}
}

func TestClientBootstrapsStandaloneAndSends(t *testing.T) {
	addr := startIdentityServer(t, map[string]any{
		"ismaster": true,
		"process":  "mongod",
	})

	client, err := New(context.Background(),
		WithServers(addr),
		WithReadTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	if client.GetClusterType() != factory.ClusterStandalone {
		t.Fatalf("want ClusterStandalone, got %v", client.GetClusterType())
	}
	if client.DefaultDurability().W != 1 {
		t.Fatalf("want default durability W=1, got %+v", client.DefaultDurability())
	}

	done := make(chan error, 1)
	_, err = client.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Payload: []byte{0, 0, 0, 4}, Reply: true}, callbackFunc(func(reply wire.Reply, cerr error) {
		done <- cerr
	}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("want a successful reply, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for reply")
	}
}

func TestClientSerializeGivesADedicatedConnection(t *testing.T) {
	addr := startIdentityServer(t, map[string]any{
		"ismaster": true,
		"process":  "mongod",
	})
	client, err := New(context.Background(), WithServers(addr), WithReadTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	s, err := client.Serialize(context.Background())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	defer s.Close()

	if s.ID() == "" {
		t.Fatalf("want a non-empty session id")
	}
	if !s.IsAvailable() {
		t.Fatalf("want the serialized connection to be available")
	}
}

// callbackFunc adapts a (reply, err) function literal into conn.ReplyCallback
// for tests, mirroring conn.CallbackFunc but local so tests don't need to
// import pkg/conn just for this one shape.
type callbackFunc func(reply wire.Reply, err error)

func (f callbackFunc) Lightweight() bool { return true }
func (f callbackFunc) Complete(_ context.Context, reply wire.Reply, err error) {
	f(reply, err)
}
