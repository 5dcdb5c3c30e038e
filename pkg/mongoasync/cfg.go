// Package mongoasync is the client surface described in §6.2: it bootstraps
// a topology from a seed list via pkg/factory, and from then on exposes
// send(message, callback) -> server_name and the handful of accessors
// higher layers (collections, cursors, the fluent builders — explicitly out
// of scope per §1) are expected to consume.
package mongoasync

import (
	"time"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/factory"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// Durability is the write concern a Client applies when a caller doesn't
// specify one explicitly, returned by DefaultDurability (§6.2).
type Durability struct {
	W        int
	WTag     string
	Journal  bool
	WTimeout time.Duration
}

// defaultDurability acks once the primary has applied the write, matching
// the teacher pack's conservative default elsewhere (no journal wait, no
// tagged write concern) absent an explicit WithDefaultDurability option.
var defaultDurability = Durability{W: 1}

// cfg collects every recognized option from §6.3, built up by functional
// Options exactly like the teacher's kgo.Opt/cfg.go pattern.
type cfg struct {
	servers             []string
	autoDiscoverServers bool
	maxPendingPerConn   int
	readTimeout         time.Duration
	connectTimeout      time.Duration
	maxIdleTickCount    int
	reconnectTimeout    time.Duration
	executor            conn.Executor
	lockType            string
	credentials         *factory.Credentials
	logger              xlog.Logger
	codec               wire.Codec
	durability          Durability
	readPreference      cluster.ReadPreference
	pingInterval        time.Duration
}

func newCfg(opts []Option) *cfg {
	c := &cfg{
		durability:     defaultDurability,
		readPreference: cluster.ReadPreference{Mode: cluster.Primary},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Client, following the same functional-options shape
// the teacher package uses for kgo.Client (cfg built up by closures, never a
// struct literal callers fill in directly).
type Option func(*cfg)

// WithServers sets the seed endpoint list bootstrap starts from (§6.3
// "servers").
func WithServers(servers ...string) Option {
	return func(c *cfg) { c.servers = append([]string(nil), servers...) }
}

// WithAutoDiscoverServers records the auto_discover_servers setting (§6.3).
// Bootstrap does not read it: discovery from identity replies always happens
// (§4.6, §4.7), and the pinger probes every discovered member whatever the
// value.
func WithAutoDiscoverServers(enabled bool) Option {
	return func(c *cfg) { c.autoDiscoverServers = enabled }
}

// WithMaxPendingPerConnection bounds each connection's pending-message queue
// (§6.3 "max_pending_per_connection").
func WithMaxPendingPerConnection(n int) Option {
	return func(c *cfg) { c.maxPendingPerConn = n }
}

// WithReadTimeout sets the socket read timeout, which doubles as the
// idle-tick unit (§6.3 "read_timeout", §4.1).
func WithReadTimeout(d time.Duration) Option {
	return func(c *cfg) { c.readTimeout = d }
}

// WithConnectTimeout records a TCP connect bound (§6.3 "connect_timeout").
// No dial path reads it: connects are bounded only by the ctx passed to New
// or Serialize.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *cfg) { c.connectTimeout = d }
}

// WithMaxIdleTickCount sets how many consecutive idle ticks a connection
// tolerates before a graceful shutdown probe (§6.3 "max_idle_tick_count").
func WithMaxIdleTickCount(n int) Option {
	return func(c *cfg) { c.maxIdleTickCount = n }
}

// WithReconnectTimeout records a replica-set reconnect quorum deadline
// (§6.3 "reconnect_timeout", §4.8). Bootstrap does not pass it on; the
// replica-set factory uses its own 10-second default.
func WithReconnectTimeout(d time.Duration) Option {
	return func(c *cfg) { c.reconnectTimeout = d }
}

// WithExecutor supplies the shared executor that off-loads non-lightweight
// callbacks from receive threads (§6.3 "executor", §5).
func WithExecutor(e conn.Executor) Option {
	return func(c *cfg) { c.executor = e }
}

// WithLockType selects the pending-queue synchronization variant (§6.3
// "lock_type"). The only variant this module implements is the default
// mutex/condition-variable queue in pkg/conn; the option is still accepted
// and recorded so a Client built against a future alternate implementation
// doesn't need its caller-facing configuration to change.
func WithLockType(lockType string) Option {
	return func(c *cfg) { c.lockType = lockType }
}

// WithCredentials triggers the authenticating wrapper factory (§6.3
// "credentials", §4.7).
func WithCredentials(username, password, source string) Option {
	return func(c *cfg) {
		c.credentials = &factory.Credentials{Username: username, Password: password, Source: source}
	}
}

// WithLogger supplies the Logger every component logs through. Logging is an
// external collaborator (§1); the default is xlog.Nop.
func WithLogger(l xlog.Logger) Option {
	return func(c *cfg) { c.logger = l }
}

// WithCodec supplies the document codec. Encoding/decoding is an external
// collaborator (§1); the default is wire.JSONCodec, a placeholder.
func WithCodec(codec wire.Codec) Option {
	return func(c *cfg) { c.codec = codec }
}

// WithDefaultDurability sets the write concern DefaultDurability returns.
func WithDefaultDurability(d Durability) Option {
	return func(c *cfg) { c.durability = d }
}

// WithDefaultReadPreference sets the read preference DefaultReadPreference
// returns.
func WithDefaultReadPreference(pref cluster.ReadPreference) Option {
	return func(c *cfg) { c.readPreference = pref }
}

// WithPingInterval overrides the ClusterPinger's sweep interval (default
// cluster.DefaultPingInterval, §4.3).
func WithPingInterval(d time.Duration) Option {
	return func(c *cfg) { c.pingInterval = d }
}

func (c *cfg) connOptions() conn.Options {
	return conn.Options{
		MaxPending:   c.maxPendingPerConn,
		ReadTimeout:  c.readTimeout,
		MaxIdleTicks: c.maxIdleTickCount,
		Executor:     c.executor,
		Logger:       c.logger,
		Codec:        c.codec,
	}
}
