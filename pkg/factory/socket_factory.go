package factory

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
)

// defaultPerformancePreferenceKeepAlive is the keep-alive period applied
// when a SocketConnectionFactory's TCPKeepAlive is left at its zero value
// (§4.5 "performance-preferences hint: low connect time, medium latency,
// high throughput" — a short keep-alive favors noticing a dead peer over
// idle socket cost).
const defaultPerformancePreferenceKeepAlive = 30 * time.Second

// SocketConnectionFactory opens one SocketConnection per Connect call,
// configuring the raw TCP socket before handing it to conn.Wrap (§4.5).
type SocketConnectionFactory struct {
	Cluster     *cluster.Cluster
	ConnOptions conn.Options
	ConnectTimeout time.Duration
	TCPKeepAlive   time.Duration
	NoDelay        bool
	Log            xlog.Logger
}

// Connect dials serverName directly. An empty serverName means "the
// factory's choice": the cluster's known servers are tried in insertion
// order and the first one that connects is returned.
func (f *SocketConnectionFactory) Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error) {
	if serverName == "" {
		lastErr := fmt.Errorf("factory: SocketConnectionFactory has no known server")
		for _, s := range f.Cluster.All() {
			c, err := f.Connect(ctx, s.Name())
			if err == nil {
				return c, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	srv := f.Cluster.Add(serverName)

	dialCtx := ctx
	if f.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.ConnectTimeout)
		defer cancel()
	}

	d := net.Dialer{}
	raw, err := d.DialContext(dialCtx, "tcp", serverName)
	if err != nil {
		srv.IncConnectionFails()
		return nil, fmt.Errorf("factory: dial %s: %w", serverName, err)
	}
	f.applyTCPOptions(raw)

	c := conn.Wrap(serverName, raw, srv, f.ConnOptions)
	return c, nil
}

// applyTCPOptions sets keep-alive and no-delay on raw, tolerating platforms
// or conn types that refuse the option (§4.5).
func (f *SocketConnectionFactory) applyTCPOptions(raw net.Conn) {
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	keepAlive := f.TCPKeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultPerformancePreferenceKeepAlive
	}
	if err := tc.SetKeepAlive(true); err != nil {
		defaultLogger(f.Log).Log(xlog.LevelDebug, "platform refused keep-alive", "err", err)
	} else if err := tc.SetKeepAlivePeriod(keepAlive); err != nil {
		defaultLogger(f.Log).Log(xlog.LevelDebug, "platform refused keep-alive period", "err", err)
	}
	if f.NoDelay {
		if err := tc.SetNoDelay(true); err != nil {
			defaultLogger(f.Log).Log(xlog.LevelDebug, "platform refused no-delay", "err", err)
		}
	}
}

// Close is a no-op: SocketConnectionFactory owns no long-lived state, only
// the connections it has handed out (owned by their callers per §9's
// cyclic-reference notes).
func (f *SocketConnectionFactory) Close() {}
