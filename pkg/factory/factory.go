// Package factory implements the topology-aware connection factories
// (§4.5-4.7): a bootstrap factory that classifies a cluster by probing it,
// and delegate factories for each topology (standalone, replica set,
// sharded router tier) that know how to open and multiplex connections for
// their kind of server.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// ConnectionFactory opens SocketConnections. Connect's serverName may be
// empty, meaning "the factory's choice" (a sharded factory picks a router by
// latency; a replica-set factory connects to the current primary); a
// non-empty name pins the connection to that specific member, which is what
// reconnect strategies and secondary routing use.
type ConnectionFactory interface {
	Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error)
	Close()
}

// ClusterType is the topology BootstrapConnectionFactory classified (§6.2
// get_cluster_type).
type ClusterType int

const (
	ClusterUnknown ClusterType = iota
	ClusterStandalone
	ClusterReplicaSet
	ClusterSharded
)

func (t ClusterType) String() string {
	switch t {
	case ClusterStandalone:
		return "standalone"
	case ClusterReplicaSet:
		return "replica_set"
	case ClusterSharded:
		return "sharded"
	default:
		return "unknown"
	}
}

// replSection mirrors the "repl" subdocument an identity reply carries when
// the responding server is a replica set member (§4.7 S3).
type replSection struct {
	Primary  string   `json:"primary"`
	Hosts    []string `json:"hosts"`
	Passives []string `json:"passives"`
	Arbiters []string `json:"arbiters"`
}

// identityReply is the subset of an identity/status command response the
// factories need to classify a server and discover its topology. The real
// document shape is owned by the external codec; this is this package's
// own typed view of the fields it cares about.
type identityReply struct {
	IsMaster   bool         `json:"ismaster"`
	Secondary  bool         `json:"secondary"`
	Hidden     bool         `json:"hidden"`
	Arbiter    bool         `json:"arbiterOnly"`
	Process    string       `json:"process"` // "mongod" | "mongos"
	Version    string       `json:"version"`
	MaxDocSize int          `json:"maxBsonObjectSize"`
	Tags       map[string]string `json:"tags"`
	Repl       *replSection `json:"repl,omitempty"`
}

func (r identityReply) toStatusDocument() cluster.StatusDocument {
	doc := cluster.StatusDocument{
		IsMaster:   r.IsMaster,
		Secondary:  r.Secondary,
		Tags:       r.Tags,
		MaxDocSize: r.MaxDocSize,
		Version:    r.Version,
		Hidden:     r.Hidden,
		Arbiter:    r.Arbiter,
	}
	if r.Repl != nil {
		doc.Primary = r.Repl.Primary
	}
	return doc
}

const identityCommandName = "isMaster"

func encodeIdentityCommand(codec wire.Codec) ([]byte, error) {
	return codec.Encode(map[string]any{identityCommandName: 1})
}

// issueIdentity sends the identity command on c and decodes the single
// reply document into identityReply.
func issueIdentity(ctx context.Context, c *conn.SocketConnection, codec wire.Codec) (identityReply, error) {
	body, err := encodeIdentityCommand(codec)
	if err != nil {
		return identityReply{}, fmt.Errorf("factory: encoding identity command: %w", err)
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
		return identityReply{}, sendErr
	}

	select {
	case r := <-done:
		if r.err != nil {
			return identityReply{}, r.err
		}
		if len(r.reply.Documents) == 0 {
			return identityReply{}, fmt.Errorf("factory: identity reply carried no documents")
		}
		var reply identityReply
		if err := codec.Decode(r.reply.Documents[0], &reply); err != nil {
			return identityReply{}, fmt.Errorf("factory: decoding identity reply: %w", err)
		}
		return reply, nil
	case <-ctx.Done():
		return identityReply{}, ctx.Err()
	}
}

// identityProber adapts issueIdentity into a cluster.Prober: dial, probe,
// tear down. Connections opened purely to sample status are not kept.
func identityProber(connOpts conn.Options, codec wire.Codec) cluster.Prober {
	return func(ctx context.Context, name string) (cluster.StatusDocument, time.Duration, error) {
		start := time.Now()
		c, err := conn.Dial(ctx, name, name, nil, connOpts)
		if err != nil {
			return cluster.StatusDocument{}, 0, err
		}
		defer c.Shutdown(true)

		reply, err := issueIdentity(ctx, c, codec)
		elapsed := time.Since(start)
		if err != nil {
			return cluster.StatusDocument{}, elapsed, err
		}
		return reply.toStatusDocument(), elapsed, nil
	}
}

func defaultLogger(log xlog.Logger) xlog.Logger {
	if log != nil {
		return log
	}
	return xlog.Nop{}
}

func defaultCodec(codec wire.Codec) wire.Codec {
	if codec != nil {
		return codec
	}
	return wire.JSONCodec{}
}
