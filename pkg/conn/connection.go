// Package conn implements the single pipelined TCP connection to a server:
// framing writes, a bounded pending-request queue, and a receive goroutine
// that correlates replies back to callbacks in request order.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/driverr"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// connState is the lifecycle described in §4.1: Opening -> Open ->
// ShuttingDown -> Closed. Transitions only move forward; Closed is terminal.
type connState int32

const (
	stateOpening connState = iota
	stateOpen
	stateShuttingDown
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateShuttingDown:
		return "shutting_down"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultPendingCapacity = 64
	defaultReadTimeout     = 5 * time.Second
	defaultMaxIdleTicks    = 6 // ~30s of silence at the default read timeout before a graceful shutdown probe
)

// Options configures a SocketConnection. Zero values fall back to the
// defaults above.
type Options struct {
	MaxPending     int
	ReadTimeout    time.Duration
	MaxIdleTicks   int
	Executor       Executor
	Logger         xlog.Logger
	SplitDocuments func(buf []byte, count int) ([][]byte, error)
	// Codec decodes a reply's first document when classifying a query-failed
	// or ok:0 reply into a driverr.ReplyError (§7). Defaults to
	// wire.JSONCodec{}, the module's placeholder codec.
	Codec wire.Codec
}

// SocketConnection is one pipelined TCP connection to a single server. All
// outbound writes may originate from any goroutine; exactly one receive
// goroutine owns socket reads and reply dispatch for the connection's
// lifetime.
type SocketConnection struct {
	name   string
	server *cluster.Server
	raw    net.Conn
	log    xlog.Logger

	writeMu    sync.Mutex
	wbuf       *bufio.Writer
	needFlush  bool
	nextReqID    int32
	readTimeout  time.Duration
	maxIdleTicks int32
	idleTicks    int32 // atomic; only the receive goroutine increments or resets it

	pending  *pendingQueue
	executor Executor

	splitDocuments func(buf []byte, count int) ([][]byte, error)
	codec          wire.Codec

	state  int32 // connState, atomic
	wg     sync.WaitGroup
	closeErr error
	closeOnce sync.Once
}

// Dial opens a TCP connection to addr and starts its receive goroutine. The
// returned connection is already in the Open state.
func Dial(ctx context.Context, name string, addr string, server *cluster.Server, opts Options) (*SocketConnection, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if server != nil {
			server.IncConnectionFails()
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return Wrap(name, raw, server, opts), nil
}

// Wrap adapts an already-established net.Conn into a running
// SocketConnection, starting its receive goroutine immediately. Factories
// that need to configure the raw socket themselves (keep-alive, no-delay,
// ...) before handing it off use this instead of Dial (§4.5).
func Wrap(name string, raw net.Conn, server *cluster.Server, opts Options) *SocketConnection {
	c := newSocketConnection(name, raw, server, opts)
	if server != nil {
		server.IncConnectionOpens()
	}
	c.start()
	return c
}

func newSocketConnection(name string, raw net.Conn, server *cluster.Server, opts Options) *SocketConnection {
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = defaultPendingCapacity
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	maxIdle := int32(opts.MaxIdleTicks)
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleTicks
	}
	log := opts.Logger
	if log == nil {
		log = xlog.Nop{}
	}
	split := opts.SplitDocuments
	if split == nil {
		split = wire.SplitLengthPrefixed
	}
	codec := opts.Codec
	if codec == nil {
		codec = wire.JSONCodec{}
	}
	return &SocketConnection{
		name:           name,
		server:         server,
		raw:            raw,
		log:            log,
		wbuf:           bufio.NewWriterSize(raw, 16*1024),
		readTimeout:    readTimeout,
		maxIdleTicks:   maxIdle,
		pending:        newPendingQueue(maxPending),
		executor:       opts.Executor,
		splitDocuments: split,
		codec:          codec,
		state:          int32(stateOpening),
	}
}

func (c *SocketConnection) start() {
	atomic.StoreInt32(&c.state, int32(stateOpen))
	c.wg.Add(1)
	go c.readLoop()
}

// Name returns the server name this connection is bound to.
func (c *SocketConnection) Name() string { return c.name }

func (c *SocketConnection) currentState() connState {
	return connState(atomic.LoadInt32(&c.state))
}

// IsAvailable reports whether the connection currently accepts new sends.
func (c *SocketConnection) IsAvailable() bool {
	return c.currentState() == stateOpen
}

// IsIdle reports whether the connection has reached its configured
// consecutive-idle-tick threshold without any inbound traffic.
func (c *SocketConnection) IsIdle() bool {
	return atomic.LoadInt32(&c.idleTicks) >= c.maxIdleTicks
}

// Send writes msg to the wire and, if it expects a reply, registers cb to
// be invoked exactly once when that reply is correlated (or when the
// connection concludes the reply will never arrive). It returns the server
// name the message was sent to, matching the client-facing contract in §6.2.
//
// ctx matters only for the reader re-entrancy case (§4.1, §9): a callback
// running on the receive goroutine that calls Send again must pass the ctx
// it was given, so this call takes the non-blocking queue path instead of
// deadlocking against the very goroutine that would drain it.
func (c *SocketConnection) Send(ctx context.Context, msg wire.Message, cb ReplyCallback) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.IsAvailable() {
		return c.name, driverr.ErrConnectionShutDown
	}
	if c.server != nil && len(msg.Body()) > c.server.MaxDocumentSize() {
		return c.name, &driverr.DocumentTooLarge{Size: len(msg.Body()), Limit: c.server.MaxDocumentSize()}
	}
	if c.server != nil {
		if vr, ok := msg.(wire.VersionRequirement); ok {
			if err := checkServerVersion(c.server.Version(), vr.MinServerVersion(), vr.MaxServerVersion()); err != nil {
				return c.name, err
			}
		}
	}

	reqID := atomic.AddInt32(&c.nextReqID, 1)
	expectsReply := msg.ExpectsReply() && cb != nil
	fromReader := isFromReader(ctx)

	if expectsReply {
		pm := &PendingMessage{RequestID: reqID, Message: msg, Callback: cb, SentAt: time.Now()}
		// Queued before the bytes hit the wire: a reply can only be
		// correlated once it's been registered to receive it.
		c.pending.put(pm, fromReader)
	}

	header := wire.Header{
		Length:     int32(wire.HeaderSize + len(msg.Body())),
		RequestID:  reqID,
		ResponseTo: 0,
		OpCode:     msg.OpCode(),
	}
	frame := header.AppendTo(nil)
	frame = append(frame, msg.Body()...)

	c.writeMu.Lock()
	_, werr := c.wbuf.Write(frame)
	if werr == nil {
		if fromReader {
			// Defer the syscall: the receive goroutine must not block on
			// its own socket write. It flushes itself between frames.
			c.needFlush = true
		} else {
			werr = c.wbuf.Flush()
		}
	}
	c.writeMu.Unlock()

	if werr != nil {
		c.fail(driverr.ConnectionLost)
		return c.name, driverr.ConnectionLost
	}
	if c.server != nil {
		c.server.IncMessagesSent()
	}
	return c.name, nil
}

// Flush forces any buffered-but-not-yet-written bytes onto the socket.
func (c *SocketConnection) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.wbuf.Flush()
	c.needFlush = false
	return err
}

func (c *SocketConnection) flushIfReaderDeferred() {
	c.writeMu.Lock()
	needed := c.needFlush
	var err error
	if needed {
		err = c.wbuf.Flush()
		c.needFlush = false
	}
	c.writeMu.Unlock()
	if err != nil {
		c.log.Log(xlog.LevelWarn, "deferred flush failed", "err", err)
		c.fail(driverr.ConnectionLost)
	}
}

// Shutdown begins a graceful close: no new sends are accepted and the
// connection closes once every pending reply has been resolved. If force is
// true, the socket is closed immediately and every pending callback is
// completed with driverr.ConnectionLost.
func (c *SocketConnection) Shutdown(force bool) {
	if force {
		c.fail(driverr.ConnectionLost)
		return
	}
	if !atomic.CompareAndSwapInt32(&c.state, int32(stateOpen), int32(stateShuttingDown)) {
		return
	}
	// Nudge a receive goroutine parked in a timed Read so it notices the
	// state change without waiting out a full read timeout.
	c.raw.SetReadDeadline(time.Now())
}

func (c *SocketConnection) readLoop() {
	defer c.wg.Done()
	for {
		switch c.currentState() {
		case stateClosed:
			return
		case stateShuttingDown:
			if c.pending.len() == 0 {
				c.fail(nil)
				return
			}
		}

		c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
		header, body, err := c.readFrame()
		if err != nil {
			if isTimeout(err) {
				if atomic.AddInt32(&c.idleTicks, 1) >= c.maxIdleTicks {
					c.Shutdown(false)
				}
				c.flushIfReaderDeferred()
				continue
			}
			if c.currentState() == stateShuttingDown && errors.Is(err, io.EOF) {
				c.fail(nil)
				return
			}
			c.fail(driverr.ConnectionLost)
			return
		}
		atomic.StoreInt32(&c.idleTicks, 0)
		c.handleFrame(header, body)
		c.flushIfReaderDeferred()
	}
}

func (c *SocketConnection) readFrame() (wire.Header, []byte, error) {
	headerBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(c.raw, headerBuf); err != nil {
		return wire.Header{}, nil, err
	}
	header, err := wire.ReadHeader(headerBuf)
	if err != nil {
		return wire.Header{}, nil, err
	}
	bodyLen := int(header.Length) - wire.HeaderSize
	if bodyLen < 0 {
		return wire.Header{}, nil, fmt.Errorf("conn: negative body length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.raw, body); err != nil {
			return wire.Header{}, nil, err
		}
	}
	return header, body, nil
}

func (c *SocketConnection) handleFrame(header wire.Header, body []byte) {
	if header.OpCode != wire.OpReply {
		c.log.Log(xlog.LevelDebug, "discarding non-reply inbound frame", "opcode", header.OpCode)
		return
	}
	reply, err := wire.DecodeReply(header.ResponseTo, body, c.splitDocuments)
	if err != nil {
		c.log.Log(xlog.LevelWarn, "failed to decode reply body", "err", err)
		return
	}
	if c.server != nil {
		c.server.IncRepliesReceived()
	}
	replyErr := c.classifyReply(reply)

	// FIFO-skip correlation (§4.1, §8): pop pending entries in order until
	// the one matching this reply's responseTo is found. Entries popped
	// along the way never got a reply; their callbacks observe NoReply.
	for {
		pm := c.pending.poll()
		if pm == nil {
			c.log.Log(xlog.LevelDebug, "reply matched no pending request", "responseTo", header.ResponseTo)
			return
		}
		if pm.RequestID == header.ResponseTo {
			c.dispatch(pm.Callback, reply, replyErr)
			return
		}
		c.dispatch(pm.Callback, wire.Reply{}, driverr.NoReply)
	}
}

// replyErrorDoc is the subset of a command reply's document this package
// inspects to classify a failure (§7); everything else stays opaque to the
// codec collaborator.
type replyErrorDoc struct {
	OK     *float64 `json:"ok"`
	Code   int      `json:"code"`
	ErrMsg string   `json:"errmsg"`
	Err    string   `json:"err"`
}

// classifyReply reports the ReplyError a reply represents, or nil if it
// carries a normal result (§7: query_failed flag, an embedded ok:0 command
// document, or either of the cursor/shard-config flags).
func (c *SocketConnection) classifyReply(reply wire.Reply) error {
	shardConfigStale := reply.ShardConfigStale()
	cursorNotFound := reply.CursorNotFound()
	failed := reply.QueryFailed() || shardConfigStale || cursorNotFound

	var doc replyErrorDoc
	if len(reply.Documents) > 0 {
		if err := c.codec.Decode(reply.Documents[0], &doc); err == nil {
			if doc.OK != nil && *doc.OK == 0 {
				failed = true
			}
		}
	}
	if !failed {
		return nil
	}
	message := doc.ErrMsg
	if message == "" {
		message = doc.Err
	}
	return driverr.ClassifyReplyError(doc.Code, message, cursorNotFound, shardConfigStale)
}

// fail transitions the connection to Closed exactly once, closes the
// socket, and resolves every still-pending callback with cause (or with
// driverr.ConnectionLost if cause is nil).
func (c *SocketConnection) fail(cause error) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(stateClosed))
		c.closeErr = cause
		c.raw.Close()
		for _, pm := range c.pending.drainAll() {
			err := cause
			if err == nil {
				err = driverr.ConnectionLost
			}
			c.dispatch(pm.Callback, wire.Reply{}, err)
		}
	})
}

// Wait blocks until the receive goroutine has exited (i.e. the connection
// has fully closed).
func (c *SocketConnection) Wait() {
	c.wg.Wait()
}

// Err returns the cause of closure once the connection has transitioned to
// Closed, or nil if it is still open or closed cleanly.
func (c *SocketConnection) Err() error {
	return c.closeErr
}

// checkServerVersion validates a message's optional version range against the
// target server's last-reported version (§7 ServerVersionMismatch). An
// unknown server version (nothing reported yet) or an unconstrained bound
// (empty string) never blocks the send.
func checkServerVersion(serverVersion, min, max string) error {
	if serverVersion == "" {
		return nil
	}
	if min != "" && compareVersions(serverVersion, min) < 0 {
		return &driverr.ServerVersionMismatch{ServerVersion: serverVersion, MinRequired: min, MaxRequired: max}
	}
	if max != "" && compareVersions(serverVersion, max) > 0 {
		return &driverr.ServerVersionMismatch{ServerVersion: serverVersion, MinRequired: min, MaxRequired: max}
	}
	return nil
}

// compareVersions compares two dotted-decimal version strings component by
// component, returning -1, 0, or 1. Non-numeric or missing components
// compare as 0, so "4.2" and "4.2.0" are equal.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
