package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/driverr"
	"github.com/youseeus/mongodb-async-driver/pkg/reconnect"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// ReplicaSetConnectionFactory bootstraps a replica set from a seed list and
// produces ReplicaSetConnections that route writes to the primary and reads
// to secondaries by preference (§4.6).
type ReplicaSetConnectionFactory struct {
	Seeds          []string
	Cluster        *cluster.Cluster
	ConnOptions    conn.Options
	Codec          wire.Codec
	PingInterval   time.Duration
	ReconnectTimeout time.Duration
	Log            xlog.Logger

	mu     sync.Mutex
	pinger *cluster.ClusterPinger
	closed bool
}

func (f *ReplicaSetConnectionFactory) codec() wire.Codec { return defaultCodec(f.Codec) }
func (f *ReplicaSetConnectionFactory) log() xlog.Logger  { return defaultLogger(f.Log) }

// Bootstrap contacts each seed in turn, issuing the identity command, and on
// the first reply naming a primary registers every discovered member,
// starts the pinger, and returns a ReplicaSetConnection wrapping the
// primary (§4.6 steps 1-4).
func (f *ReplicaSetConnectionFactory) Bootstrap(ctx context.Context) (*ReplicaSetConnection, error) {
	var lastErr error
	for _, seed := range f.Seeds {
		rsConn, err := f.tryBootstrapFrom(ctx, seed)
		if err != nil {
			lastErr = err
			continue
		}
		return rsConn, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("factory: replica set bootstrap exhausted seeds: %w", lastErr)
	}
	return nil, driverr.ErrFactoryUnresolved
}

func (f *ReplicaSetConnectionFactory) tryBootstrapFrom(ctx context.Context, seed string) (*ReplicaSetConnection, error) {
	seedSrv := f.Cluster.Add(seed)
	probeConn, err := conn.Dial(ctx, seed, seed, seedSrv, f.ConnOptions)
	if err != nil {
		return nil, err
	}
	defer probeConn.Shutdown(true)

	reply, err := issueIdentity(ctx, probeConn, f.codec())
	if err != nil {
		return nil, err
	}
	if reply.Repl == nil || reply.Repl.Primary == "" {
		return nil, fmt.Errorf("factory: %s reported no primary", seed)
	}

	for _, host := range reply.Repl.Hosts {
		f.Cluster.Add(host)
	}
	for _, host := range reply.Repl.Passives {
		f.Cluster.Add(host)
	}
	for _, host := range reply.Repl.Arbiters {
		f.Cluster.Add(host)
	}

	f.startPinger(ctx)

	primaryName := reply.Repl.Primary
	primaryConn, err := conn.Dial(ctx, primaryName, primaryName, f.Cluster.Add(primaryName), f.ConnOptions)
	if err != nil {
		return nil, fmt.Errorf("factory: connecting to discovered primary %s: %w", primaryName, err)
	}

	proxy := NewProxiedConnection(primaryConn, primaryName, f.reconnectPrimary, f.log())
	return newReplicaSetConnection(f, proxy), nil
}

func (f *ReplicaSetConnectionFactory) startPinger(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinger != nil {
		return
	}
	interval := f.PingInterval
	if interval <= 0 {
		interval = cluster.DefaultPingInterval
	}
	f.pinger = cluster.NewClusterPinger(f.Cluster, identityProber(f.ConnOptions, f.codec()), interval, f.log())
	f.pinger.Start(ctx)
}

// Connect opens a connection to serverName, or to the cluster's current
// primary if serverName is empty.
func (f *ReplicaSetConnectionFactory) Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error) {
	name := serverName
	if name == "" {
		writable := f.Cluster.Writable()
		if len(writable) == 0 {
			return nil, driverr.ErrFactoryUnresolved
		}
		name = writable[0].Name()
	}
	return conn.Dial(ctx, name, name, f.Cluster.Add(name), f.ConnOptions)
}

func (f *ReplicaSetConnectionFactory) reconnectPrimary(ctx context.Context, brokenServerName string) (*conn.SocketConnection, error) {
	members := make([]string, 0, len(f.Cluster.All()))
	for _, s := range f.Cluster.All() {
		members = append(members, s.Name())
	}
	strategy := reconnect.ReplicaSetReconnectStrategy{
		Factory: f,
		Cluster: f.Cluster,
		Probe:   identityProber(f.ConnOptions, f.codec()),
		Members: members,
		Timeout: f.reconnectTimeout(),
	}
	return strategy.Reconnect(ctx)
}

func (f *ReplicaSetConnectionFactory) reconnectTimeout() time.Duration {
	if f.ReconnectTimeout > 0 {
		return f.ReconnectTimeout
	}
	return 10 * time.Second
}

// Close stops the pinger. Open connections are owned by their callers
// (ReplicaSetConnection, the reconnect strategy) and are not touched here.
func (f *ReplicaSetConnectionFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.pinger != nil {
		f.pinger.Stop()
	}
}

// ReplicaSetConnection wraps a primary connection for writes and maintains
// lazy connections to secondaries for reads at the appropriate read
// preference (§4.6 step 4).
type ReplicaSetConnection struct {
	factory *ReplicaSetConnectionFactory
	primary *ProxiedConnection

	mu          sync.Mutex
	secondaries map[string]*conn.SocketConnection
}

func newReplicaSetConnection(f *ReplicaSetConnectionFactory, primary *ProxiedConnection) *ReplicaSetConnection {
	return &ReplicaSetConnection{factory: f, primary: primary, secondaries: map[string]*conn.SocketConnection{}}
}

// Send routes msg through the primary connection, matching the Client.send
// contract in §6.2, which carries no per-call read preference.
func (r *ReplicaSetConnection) Send(ctx context.Context, msg wire.Message, cb conn.ReplyCallback) (string, error) {
	return r.primary.Send(ctx, msg, cb)
}

// SendWithPreference behaves like Send but, for any non-primary preference,
// routes to the server a ReadPreferenceSelector over the shared cluster ranks
// first (for PrimaryPreferred and Nearest that can be the primary itself),
// lazily dialing and caching a connection to it.
func (r *ReplicaSetConnection) SendWithPreference(ctx context.Context, msg wire.Message, pref cluster.ReadPreference, cb conn.ReplyCallback) (string, error) {
	if pref.Mode == cluster.Primary {
		return r.primary.Send(ctx, msg, cb)
	}
	secondary, err := r.secondaryFor(ctx, pref)
	if err != nil {
		if pref.Mode == cluster.PrimaryPreferred {
			return r.primary.Send(ctx, msg, cb)
		}
		return "", err
	}
	return secondary.Send(ctx, msg, cb)
}

func (r *ReplicaSetConnection) secondaryFor(ctx context.Context, pref cluster.ReadPreference) (*conn.SocketConnection, error) {
	selector := cluster.ReadPreferenceSelector{Cluster: r.factory.Cluster, Pref: pref}
	candidates := selector.PickServers()
	if len(candidates) == 0 {
		return nil, driverr.ErrFactoryUnresolved
	}
	name := candidates[0].Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.secondaries[name]; ok && c.IsAvailable() {
		return c, nil
	}
	c, err := r.factory.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	r.secondaries[name] = c
	return c, nil
}

// Shutdown closes the primary and every secondary connection opened so far.
func (r *ReplicaSetConnection) Shutdown(force bool) {
	r.primary.Shutdown(force)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.secondaries {
		c.Shutdown(force)
	}
}

// IsAvailable reports whether the primary connection is currently usable.
func (r *ReplicaSetConnection) IsAvailable() bool {
	return r.primary.IsAvailable()
}
