package factory

import (
	"context"
	"sync"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/driverr"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// ReconnectFunc restores a usable connection for serverName after the
// previous one failed. It is satisfied by
// reconnect.SimpleReconnectStrategy.ReconnectFrom and by adapters built on
// top of reconnect.ReplicaSetReconnectStrategy.Reconnect.
type ReconnectFunc func(ctx context.Context, brokenServerName string) (*conn.SocketConnection, error)

// ProxiedConnection is the decorator base named in §2's component table
// ("ProxiedConnection / Factory — decorator base for multi-server
// connections"). It presents a single stable handle over a SocketConnection
// that may be transparently replaced by a ReconnectFunc when the backing
// socket is lost, so callers holding a ReplicaSetConnection or sharded
// router handle don't observe the underlying reconnect churn.
type ProxiedConnection struct {
	mu         sync.RWMutex
	current    *conn.SocketConnection
	serverName string
	reconnect  ReconnectFunc
	log        xlog.Logger
}

// NewProxiedConnection wraps an already-open connection. serverName is the
// identity reconnect is asked to restore when current fails.
func NewProxiedConnection(current *conn.SocketConnection, serverName string, reconnect ReconnectFunc, log xlog.Logger) *ProxiedConnection {
	return &ProxiedConnection{
		current:    current,
		serverName: serverName,
		reconnect:  reconnect,
		log:        defaultLogger(log),
	}
}

func (p *ProxiedConnection) snapshot() *conn.SocketConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Send proxies to the current underlying connection. A connection-level
// failure triggers an asynchronous reconnect attempt; the failing call still
// surfaces its own error to the caller rather than waiting on the repair.
func (p *ProxiedConnection) Send(ctx context.Context, msg wire.Message, cb conn.ReplyCallback) (string, error) {
	c := p.snapshot()
	name, err := c.Send(ctx, msg, cb)
	if isConnectionFailure(err) {
		go p.repair(context.Background())
	}
	return name, err
}

func isConnectionFailure(err error) bool {
	return err == driverr.ErrConnectionShutDown || err == driverr.ConnectionLost
}

// repair replaces the current connection if it's still unavailable and no
// other goroutine has already fixed it.
func (p *ProxiedConnection) repair(ctx context.Context) {
	p.mu.Lock()
	if p.current.IsAvailable() {
		p.mu.Unlock()
		return
	}
	name := p.serverName
	reconnectFn := p.reconnect
	p.mu.Unlock()
	if reconnectFn == nil {
		return
	}

	replacement, err := reconnectFn(ctx, name)
	if err != nil {
		p.log.Log(xlog.LevelWarn, "proxied connection repair failed", "server", name, "err", err)
		return
	}

	p.mu.Lock()
	p.current = replacement
	p.mu.Unlock()
}

// IsAvailable reports whether the current underlying connection accepts
// sends.
func (p *ProxiedConnection) IsAvailable() bool {
	return p.snapshot().IsAvailable()
}

// Shutdown tears down the current underlying connection. Once shut down
// (force or graceful), the ProxiedConnection does not attempt further
// repair.
func (p *ProxiedConnection) Shutdown(force bool) {
	p.mu.Lock()
	p.reconnect = nil
	c := p.current
	p.mu.Unlock()
	c.Shutdown(force)
}

// Name returns the server name this proxy was created for, the name a repair
// asks the ReconnectFunc to restore. It does not change when a repair
// installs a connection to a different server.
func (p *ProxiedConnection) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serverName
}
