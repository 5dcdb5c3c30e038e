package mongoasync

import (
	"context"
	"fmt"
	"sync"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/factory"
	"github.com/youseeus/mongodb-async-driver/pkg/reconnect"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// sender is the common surface both factory.ReplicaSetConnection and
// factory.ProxiedConnection already implement; Client routes through
// whichever one matches the topology bootstrap classified, without caring
// which.
type sender interface {
	Send(ctx context.Context, msg wire.Message, cb conn.ReplyCallback) (string, error)
	IsAvailable() bool
	Shutdown(force bool)
}

// Client is the async driver's top-level handle (§6.2). It owns the
// classified topology's bootstrap factory and a single long-lived sender
// through which every Send call is routed.
type Client struct {
	cfg     *cfg
	cluster *cluster.Cluster
	bootstrap *factory.BootstrapConnectionFactory
	send    sender

	mu     sync.Mutex
	closed bool
}

// New bootstraps a Client from the given options. It blocks until the
// topology is classified and a usable connection is established.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	c := newCfg(opts)
	if len(c.servers) == 0 {
		return nil, fmt.Errorf("mongoasync: at least one seed server is required")
	}

	cl := cluster.New()
	bootstrap := &factory.BootstrapConnectionFactory{
		Seeds:        c.servers,
		Cluster:      cl,
		ConnOptions:  c.connOptions(),
		Codec:        c.codec,
		PingInterval: c.pingInterval,
		Credentials:  c.credentials,
		Log:          c.logger,
	}
	clusterType, err := bootstrap.Bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("mongoasync: bootstrap: %w", err)
	}

	client := &Client{cfg: c, cluster: cl, bootstrap: bootstrap}

	if clusterType == factory.ClusterReplicaSet {
		rsConn, ok := bootstrap.ReplicaSetView()
		if !ok {
			return nil, fmt.Errorf("mongoasync: classified as replica set but no view was built")
		}
		client.send = rsConn
		return client, nil
	}

	primary, err := bootstrap.Connect(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("mongoasync: opening initial connection: %w", err)
	}
	strategy := reconnect.SimpleReconnectStrategy{
		Factory:  bootstrap,
		Selector: cluster.LatencyServerSelector{Cluster: cl},
		Log:      client.log(),
	}
	client.send = factory.NewProxiedConnection(primary, primary.Name(), strategy.ReconnectFrom, client.log())
	return client, nil
}

func (cl *Client) log() xlog.Logger {
	if cl.cfg.logger != nil {
		return cl.cfg.logger
	}
	return xlog.Nop{}
}

// Send pipelines msg on the Client's sender and returns the server name it
// was sent to (§6.2 "send(message, reply_callback) -> server_name").
func (cl *Client) Send(ctx context.Context, msg wire.Message, cb conn.ReplyCallback) (string, error) {
	return cl.send.Send(ctx, msg, cb)
}

// SendPair sends both halves of a linked message pair back-to-back on the
// same sender (§6.2 "send(message_pair, reply_callback) -> server_name"),
// e.g. an insert followed by a get-last-error query. Only the second
// message's reply is surfaced to cb; the first is sent with no callback
// unless it independently expects one, in which case it is silently
// discarded. This call does not hold the underlying connection's write lock
// across both sends, so it is best-effort ordering under concurrent callers
// on the same connection — adequate here since the pair is typically issued
// from a single serialized handle (see Serialized).
func (cl *Client) SendPair(ctx context.Context, pair wire.Pair, cb conn.ReplyCallback) (string, error) {
	if pair.First != nil && pair.First.ExpectsReply() {
		if _, err := cl.send.Send(ctx, pair.First, conn.CallbackFunc{}); err != nil {
			return "", fmt.Errorf("mongoasync: sending first half of message pair: %w", err)
		}
	} else if pair.First != nil {
		if _, err := cl.send.Send(ctx, pair.First, nil); err != nil {
			return "", fmt.Errorf("mongoasync: sending first half of message pair: %w", err)
		}
	}
	return cl.send.Send(ctx, pair.Second, cb)
}

// DefaultDurability returns the write concern applied when a caller doesn't
// specify one (§6.2).
func (cl *Client) DefaultDurability() Durability { return cl.cfg.durability }

// DefaultReadPreference returns the read preference applied when a caller
// doesn't specify one (§6.2).
func (cl *Client) DefaultReadPreference() cluster.ReadPreference { return cl.cfg.readPreference }

// GetClusterType reports the topology bootstrap classified (§6.2).
func (cl *Client) GetClusterType() factory.ClusterType { return cl.bootstrap.ClusterType() }

// Close shuts down the Client's sender and the underlying bootstrap
// factory's background work (pingers). Safe to call more than once.
func (cl *Client) Close() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	cl.closed = true
	cl.send.Shutdown(true)
	cl.bootstrap.Close()
}

// Serialize opens a dedicated connection and returns a Serialized handle
// that pins every Send from that handle onto it, restoring total message
// order for callers that need it (§5 "serialized client" view).
func (cl *Client) Serialize(ctx context.Context) (*Serialized, error) {
	c, err := cl.bootstrap.Connect(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("mongoasync: opening serialized connection: %w", err)
	}
	return newSerialized(c), nil
}
