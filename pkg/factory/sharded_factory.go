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
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// routerRegistryEntry is one row of the router-registry collection a shard
// router tier exposes (the real document is a "config.mongos" entry; only
// the name is needed here).
type routerRegistryEntry struct {
	Name string `json:"_id"`
}

const routerRegistryCommandName = "find"

func queryRouterRegistry(ctx context.Context, c *conn.SocketConnection, codec wire.Codec) ([]string, error) {
	body, err := codec.Encode(map[string]any{routerRegistryCommandName: "mongos"})
	if err != nil {
		return nil, fmt.Errorf("factory: encoding router registry query: %w", err)
	}
	msg := wire.RawMessage{Op: wire.OpQuery, Payload: body, Reply: true}

	type result struct {
		reply wire.Reply
		err   error
	}
	done := make(chan result, 1)
	_, sendErr := c.Send(ctx, msg, conn.CallbackFunc{
		IsLightweight: true,
		Fn: func(_ context.Context, reply wire.Reply, err error) {
			done <- result{reply: reply, err: err}
		},
	})
	if sendErr != nil {
		return nil, sendErr
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		names := make([]string, 0, len(r.reply.Documents))
		for _, docBytes := range r.reply.Documents {
			var entry routerRegistryEntry
			if err := codec.Decode(docBytes, &entry); err != nil {
				return nil, fmt.Errorf("factory: decoding router registry entry: %w", err)
			}
			names = append(names, entry.Name)
		}
		return names, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShardedConnectionFactory bootstraps the router (mongos) tier from a seed
// and thereafter selects a router by latency for each new connection
// (§4.7).
type ShardedConnectionFactory struct {
	Seeds        []string
	Cluster      *cluster.Cluster
	ConnOptions  conn.Options
	Codec        wire.Codec
	PingInterval time.Duration
	Log          xlog.Logger

	mu     sync.Mutex
	pinger *cluster.ClusterPinger
	closed bool
}

func (f *ShardedConnectionFactory) codec() wire.Codec { return defaultCodec(f.Codec) }
func (f *ShardedConnectionFactory) log() xlog.Logger  { return defaultLogger(f.Log) }

// Bootstrap contacts a seed router, queries the router registry, registers
// every discovered router in the cluster, and starts the pinger.
func (f *ShardedConnectionFactory) Bootstrap(ctx context.Context) error {
	var lastErr error
	for _, seed := range f.Seeds {
		if err := f.tryBootstrapFrom(ctx, seed); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("factory: sharded bootstrap exhausted seeds: %w", lastErr)
	}
	return driverr.ErrFactoryUnresolved
}

func (f *ShardedConnectionFactory) tryBootstrapFrom(ctx context.Context, seed string) error {
	seedSrv := f.Cluster.Add(seed)
	c, err := conn.Dial(ctx, seed, seed, seedSrv, f.ConnOptions)
	if err != nil {
		return err
	}
	defer c.Shutdown(true)

	routers, err := queryRouterRegistry(ctx, c, f.codec())
	if err != nil {
		return err
	}
	if len(routers) == 0 {
		routers = []string{seed}
	}
	for _, r := range routers {
		f.Cluster.Add(r)
	}

	f.mu.Lock()
	if f.pinger == nil {
		interval := f.PingInterval
		if interval <= 0 {
			interval = cluster.DefaultPingInterval
		}
		f.pinger = cluster.NewClusterPinger(f.Cluster, identityProber(f.ConnOptions, f.codec()), interval, f.log())
		f.pinger.Start(ctx)
	}
	f.mu.Unlock()
	return nil
}

// Connect opens a connection to serverName, or to the lowest-latency known
// router if serverName is empty.
func (f *ShardedConnectionFactory) Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error) {
	name := serverName
	if name == "" {
		candidates := (cluster.LatencyServerSelector{Cluster: f.Cluster}).PickServers()
		if len(candidates) == 0 {
			return nil, driverr.ErrFactoryUnresolved
		}
		name = candidates[0].Name()
	}
	return conn.Dial(ctx, name, name, f.Cluster.Add(name), f.ConnOptions)
}

// Close stops the pinger.
func (f *ShardedConnectionFactory) Close() {
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
