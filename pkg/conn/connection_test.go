package conn

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/driverr"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// versionedMessage is a Message that also declares a required server version
// range via wire.VersionRequirement.
type versionedMessage struct {
	wire.RawMessage
	Min, Max string
}

func (m versionedMessage) MinServerVersion() string { return m.Min }
func (m versionedMessage) MaxServerVersion() string { return m.Max }

// readFakeFrame mirrors what readFrame does, used by the in-test "server"
// side of a loopback connection to read requests without depending on conn
// internals.
func readFakeFrame(t *testing.T, r io.Reader) wire.Header {
	t.Helper()
	buf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := wire.ReadHeader(buf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	body := make([]byte, int(h.Length)-wire.HeaderSize)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return h
}

func writeEmptyReply(t *testing.T, w io.Writer, responseTo int32) {
	t.Helper()
	body := make([]byte, 20) // flags, cursorID, startingFrom, numberReturned, all zero
	header := wire.Header{
		Length:     int32(wire.HeaderSize + len(body)),
		RequestID:  0,
		ResponseTo: responseTo,
		OpCode:     wire.OpReply,
	}
	frame := header.AppendTo(nil)
	frame = append(frame, body...)
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write reply: %v", err)
	}
}

// newTestConnection wires a SocketConnection to a real loopback TCP socket
// rather than net.Pipe: net.Pipe's writes block in lockstep with a matching
// read, which would deadlock a test driving both sides from one goroutine.
func newTestConnection(t *testing.T) (*SocketConnection, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverCh <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-serverCh

	c := newSocketConnection("test", client, nil, Options{
		MaxPending:  4,
		ReadTimeout: 50 * time.Millisecond,
	})
	c.start()
	t.Cleanup(func() {
		c.Shutdown(true)
		c.Wait()
		server.Close()
	})
	return c, server
}

type captureCallback struct {
	done chan struct{}
	got  *wire.Reply
	err  *error
}

func newCaptureCallback() (*captureCallback, ReplyCallback) {
	cc := &captureCallback{done: make(chan struct{}, 1)}
	cb := CallbackFunc{
		IsLightweight: true,
		Fn: func(ctx context.Context, reply wire.Reply, err error) {
			r := reply
			e := err
			cc.got = &r
			cc.err = &e
			cc.done <- struct{}{}
		},
	}
	return cc, cb
}

func waitCallback(t *testing.T, cc *captureCallback) {
	t.Helper()
	select {
	case <-cc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestSendReceiveCorrelatesSingleReply(t *testing.T) {
	c, server := newTestConnection(t)

	cc, cb := newCaptureCallback()
	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb); err != nil {
		t.Fatalf("send: %v", err)
	}

	h := readFakeFrame(t, server)
	writeEmptyReply(t, server, h.RequestID)

	waitCallback(t, cc)
	if cc.err == nil || *cc.err != nil {
		t.Fatalf("want nil error, got %v", cc.err)
	}
	if cc.got.ResponseTo != h.RequestID {
		t.Fatalf("want reply correlated to request %d, got %d", h.RequestID, cc.got.ResponseTo)
	}
}

// TestPipelinedRepliesWithSkip sends three pipelined requests and has the
// server reply only to the second and third, skipping the first. The first
// request's callback must observe NoReply once a later reply is seen to have skipped
// past it, exactly once (§4.1, §8 skip semantics).
func TestPipelinedRepliesWithSkip(t *testing.T) {
	c, server := newTestConnection(t)

	cc1, cb1 := newCaptureCallback()
	cc2, cb2 := newCaptureCallback()
	cc3, cb3 := newCaptureCallback()

	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb1); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb2); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb3); err != nil {
		t.Fatalf("send 3: %v", err)
	}

	readFakeFrame(t, server) // request 1, left unanswered
	h2 := readFakeFrame(t, server)
	h3 := readFakeFrame(t, server)

	// Server never answers request 1; replies to 2 and 3 only.
	writeEmptyReply(t, server, h2.RequestID)
	waitCallback(t, cc1) // popped and skipped while draining toward h2's match
	waitCallback(t, cc2)

	writeEmptyReply(t, server, h3.RequestID)
	waitCallback(t, cc3)

	if cc1.err == nil || *cc1.err != driverr.NoReply {
		t.Fatalf("want request 1 to observe NoReply, got %v", cc1.err)
	}
	if cc2.err == nil || *cc2.err != nil {
		t.Fatalf("want request 2 to succeed, got %v", cc2.err)
	}
	if cc3.err == nil || *cc3.err != nil {
		t.Fatalf("want request 3 to succeed, got %v", cc3.err)
	}
}

func TestSendOnShutdownConnectionFails(t *testing.T) {
	c, _ := newTestConnection(t)
	c.Shutdown(true)
	c.Wait()

	_, cb := newCaptureCallback()
	_, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb)
	if err != driverr.ErrConnectionShutDown {
		t.Fatalf("want ErrConnectionShutDown, got %v", err)
	}
}

func TestForcedShutdownFailsPendingCallbacks(t *testing.T) {
	c, _ := newTestConnection(t)

	cc, cb := newCaptureCallback()
	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb); err != nil {
		t.Fatalf("send: %v", err)
	}

	c.Shutdown(true)
	waitCallback(t, cc)
	if cc.err == nil || *cc.err == nil {
		t.Fatalf("want a non-nil error on forced shutdown")
	}
}

func TestGracefulShutdownWaitsForPendingReplies(t *testing.T) {
	c, server := newTestConnection(t)

	cc, cb := newCaptureCallback()
	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb); err != nil {
		t.Fatalf("send: %v", err)
	}
	h := readFakeFrame(t, server)

	c.Shutdown(false)
	if c.IsAvailable() {
		t.Fatalf("want connection unavailable once shutting down")
	}

	writeEmptyReply(t, server, h.RequestID)
	waitCallback(t, cc)
	if cc.err == nil || *cc.err != nil {
		t.Fatalf("want the in-flight reply still delivered cleanly, got %v", cc.err)
	}

	c.Wait()
}

// writeCommandReply writes a REPLY frame carrying one JSON command document,
// using the same length-prefixed convention SplitLengthPrefixed expects.
func writeCommandReply(t *testing.T, w io.Writer, responseTo int32, flags uint32, doc map[string]any) {
	t.Helper()
	encoded, err := wire.JSONCodec{}.Encode(doc)
	if err != nil {
		t.Fatalf("encode doc: %v", err)
	}
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:4], flags)
	binary.LittleEndian.PutUint32(body[16:20], 1)
	body = append(body, encoded...)
	header := wire.Header{
		Length:     int32(wire.HeaderSize + len(body)),
		ResponseTo: responseTo,
		OpCode:     wire.OpReply,
	}
	frame := header.AppendTo(nil)
	frame = append(frame, body...)
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write reply: %v", err)
	}
}

// TestQueryFailedReplyYieldsClassifiedReplyError exercises §7: a reply whose
// embedded command document reports ok:0 must be classified into a
// *driverr.ReplyError, not delivered to the callback as a plain success.
func TestQueryFailedReplyYieldsClassifiedReplyError(t *testing.T) {
	c, server := newTestConnection(t)

	cc, cb := newCaptureCallback()
	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, cb); err != nil {
		t.Fatalf("send: %v", err)
	}
	h := readFakeFrame(t, server)

	ok := float64(0)
	writeCommandReply(t, server, h.RequestID, wire.FlagQueryFailed, map[string]any{
		"ok":     ok,
		"code":   11000,
		"errmsg": "E11000 duplicate key error",
	})

	waitCallback(t, cc)
	if cc.err == nil {
		t.Fatalf("want a non-nil error")
	}
	replyErr, ok := (*cc.err).(*driverr.ReplyError)
	if !ok {
		t.Fatalf("want a *driverr.ReplyError, got %T: %v", *cc.err, *cc.err)
	}
	if replyErr.Kind != driverr.DuplicateKey {
		t.Fatalf("want DuplicateKey, got %v", replyErr.Kind)
	}
}

// TestIdleTicksTriggerGracefulShutdown exercises §4.1 "idle ticks": once the
// receive goroutine accumulates maxIdleTicks consecutive read timeouts with
// no traffic, the connection must initiate its own graceful shutdown rather
// than sitting open indefinitely.
func TestIdleTicksTriggerGracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-serverCh
	defer server.Close()

	c := newSocketConnection("test", client, nil, Options{
		MaxPending:   4,
		ReadTimeout:  10 * time.Millisecond,
		MaxIdleTicks: 3,
	})
	c.start()
	defer func() {
		c.Shutdown(true)
		c.Wait()
	}()

	deadline := time.After(2 * time.Second)
	for c.IsAvailable() {
		select {
		case <-deadline:
			t.Fatal("connection never left the Open state after exceeding max idle ticks")
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Wait()
	if c.Err() != nil {
		t.Fatalf("want a clean shutdown cause, got %v", c.Err())
	}
}

// TestSendFailsSynchronouslyOnVersionMismatch exercises §7 pre-send
// validation: a message whose required version range excludes the target
// server's last-reported version must fail Send synchronously, before any
// bytes reach the socket.
func TestSendFailsSynchronouslyOnVersionMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rawServer := <-serverCh
	defer rawServer.Close()

	cl := cluster.New()
	srv := cl.Add("test-server")
	srv.UpdateFrom(cluster.StatusDocument{IsMaster: true, Version: "3.6.0"}, 1)

	c := newSocketConnection("test", client, srv, Options{MaxPending: 4, ReadTimeout: 50 * time.Millisecond})
	c.start()
	defer func() {
		c.Shutdown(true)
		c.Wait()
	}()

	msg := versionedMessage{RawMessage: wire.RawMessage{Op: wire.OpQuery, Reply: true}, Min: "4.0.0", Max: ""}
	_, sendErr := c.Send(context.Background(), msg, nil)
	if sendErr == nil {
		t.Fatalf("want a synchronous ServerVersionMismatch error")
	}
	mismatch, ok := sendErr.(*driverr.ServerVersionMismatch)
	if !ok {
		t.Fatalf("want *driverr.ServerVersionMismatch, got %T: %v", sendErr, sendErr)
	}
	if mismatch.ServerVersion != "3.6.0" || mismatch.MinRequired != "4.0.0" {
		t.Fatalf("unexpected mismatch fields: %+v", mismatch)
	}
}

// TestReentrantSendFromReaderDoesNotDeadlock exercises the §4.1/§9 flush
// coupling: a lightweight callback invoked inline on the receive goroutine
// calls Send again, forwarding the ctx it was given. That must neither
// block the receive goroutine nor corrupt pending-queue ordering.
func TestReentrantSendFromReaderDoesNotDeadlock(t *testing.T) {
	c, server := newTestConnection(t)

	var mu sync.Mutex
	var secondDone = make(chan struct{}, 1)

	first := CallbackFunc{
		IsLightweight: true,
		Fn: func(ctx context.Context, reply wire.Reply, err error) {
			mu.Lock()
			defer mu.Unlock()
			_, sendErr := c.Send(ctx, wire.RawMessage{Op: wire.OpQuery, Reply: true}, CallbackFunc{
				IsLightweight: true,
				Fn: func(ctx context.Context, reply wire.Reply, err error) {
					secondDone <- struct{}{}
				},
			})
			if sendErr != nil {
				t.Errorf("reentrant send failed: %v", sendErr)
			}
		},
	}

	if _, err := c.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Reply: true}, first); err != nil {
		t.Fatalf("send: %v", err)
	}
	h1 := readFakeFrame(t, server)
	writeEmptyReply(t, server, h1.RequestID)

	h2 := readFakeFrame(t, server)
	writeEmptyReply(t, server, h2.RequestID)

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant send's reply never correlated")
	}
}
