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

// Credentials authenticate every connection a BootstrapConnectionFactory
// hands out once a topology is classified (§4.7 credentials wrapper).
type Credentials struct {
	Username string
	Password string
	Source   string
}

// BootstrapConnectionFactory probes a seed list once, classifies the
// topology it finds, and delegates every subsequent Connect/Close call to
// the matching ConnectionFactory (§4.7).
//
// Classification rule, applied to the first usable identity reply:
//   - a repl subdocument naming at least one host -> replica set
//   - process == "mongos"                         -> sharded
//   - process == "mongod"                         -> standalone
//   - anything else                                -> unresolved; delegate
//     stays nil and every Connect call fails, per §4.7: "on no recognizable
//     response the delegate is left null and every connect() fails."
type BootstrapConnectionFactory struct {
	Seeds        []string
	Cluster      *cluster.Cluster
	ConnOptions  conn.Options
	Codec        wire.Codec
	PingInterval time.Duration
	Credentials  *Credentials
	Log          xlog.Logger

	mu          sync.Mutex
	clusterType ClusterType
	delegate    ConnectionFactory
	rsConn      *ReplicaSetConnection
}

func (f *BootstrapConnectionFactory) codec() wire.Codec { return defaultCodec(f.Codec) }
func (f *BootstrapConnectionFactory) log() xlog.Logger  { return defaultLogger(f.Log) }

// Bootstrap probes the seeds in order until one yields a recognizable
// identity reply, classifies the topology, and builds the matching delegate
// factory. It must be called before Connect.
func (f *BootstrapConnectionFactory) Bootstrap(ctx context.Context) (ClusterType, error) {
	var lastErr error
	for _, seed := range f.Seeds {
		reply, err := f.probe(ctx, seed)
		if err != nil {
			lastErr = err
			continue
		}
		ct, delegateErr := f.classify(ctx, reply)
		if delegateErr != nil {
			lastErr = delegateErr
			continue
		}

		f.mu.Lock()
		f.clusterType = ct
		f.delegate = f.wrapWithCredentials(f.delegate)
		f.mu.Unlock()
		return ct, nil
	}
	if lastErr != nil {
		return ClusterUnknown, fmt.Errorf("factory: bootstrap exhausted seeds: %w", lastErr)
	}
	return ClusterUnknown, driverr.ErrFactoryUnresolved
}

func (f *BootstrapConnectionFactory) probe(ctx context.Context, seed string) (identityReply, error) {
	srv := f.Cluster.Add(seed)
	c, err := conn.Dial(ctx, seed, seed, srv, f.ConnOptions)
	if err != nil {
		return identityReply{}, err
	}
	defer c.Shutdown(true)
	return issueIdentity(ctx, c, f.codec())
}

// classify builds the delegate factory matching reply's topology, or
// returns driverr.ErrFactoryUnresolved for an unrecognized response,
// leaving f.delegate untouched (nil).
func (f *BootstrapConnectionFactory) classify(ctx context.Context, reply identityReply) (ClusterType, error) {
	switch {
	case reply.Repl != nil && len(reply.Repl.Hosts) > 0:
		rsFactory := &ReplicaSetConnectionFactory{
			Seeds:        f.Seeds,
			Cluster:      f.Cluster,
			ConnOptions:  f.ConnOptions,
			Codec:        f.codec(),
			PingInterval: f.PingInterval,
			Log:          f.log(),
		}
		rsConn, err := rsFactory.Bootstrap(ctx)
		if err != nil {
			return ClusterUnknown, err
		}
		f.mu.Lock()
		f.rsConn = rsConn
		f.mu.Unlock()
		f.delegate = rsFactory
		return ClusterReplicaSet, nil

	case reply.Process == "mongos":
		shardedFactory := &ShardedConnectionFactory{
			Seeds:        f.Seeds,
			Cluster:      f.Cluster,
			ConnOptions:  f.ConnOptions,
			Codec:        f.codec(),
			PingInterval: f.PingInterval,
			Log:          f.log(),
		}
		if err := shardedFactory.Bootstrap(ctx); err != nil {
			return ClusterUnknown, err
		}
		f.delegate = shardedFactory
		return ClusterSharded, nil

	case reply.Process == "mongod":
		f.delegate = &SocketConnectionFactory{
			Cluster:     f.Cluster,
			ConnOptions: f.ConnOptions,
			Log:         f.log(),
		}
		return ClusterStandalone, nil

	default:
		return ClusterUnknown, fmt.Errorf("factory: %w: unrecognized identity reply (process=%q, repl=%v)",
			driverr.ErrFactoryUnresolved, reply.Process, reply.Repl != nil)
	}
}

func (f *BootstrapConnectionFactory) wrapWithCredentials(delegate ConnectionFactory) ConnectionFactory {
	if f.Credentials == nil || delegate == nil {
		return delegate
	}
	return &AuthenticatingConnectionFactory{
		Delegate:    delegate,
		Credentials: *f.Credentials,
		Log:         f.log(),
	}
}

// ClusterType reports the topology classified by Bootstrap, or
// ClusterUnknown before Bootstrap has run or if it failed.
func (f *BootstrapConnectionFactory) ClusterType() ClusterType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clusterType
}

// ReplicaSetView returns the ReplicaSetConnection established during
// Bootstrap, if the cluster classified as a replica set, so callers that
// need read-preference routing (ReplicaSetConnection.SendWithPreference)
// can reach it; ok is false for any other topology.
func (f *BootstrapConnectionFactory) ReplicaSetView() (*ReplicaSetConnection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rsConn, f.rsConn != nil
}

// Connect delegates to the classified factory. It fails with
// driverr.ErrFactoryUnresolved if Bootstrap has not yet classified a
// delegate.
func (f *BootstrapConnectionFactory) Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error) {
	f.mu.Lock()
	delegate := f.delegate
	f.mu.Unlock()
	if delegate == nil {
		return nil, driverr.ErrFactoryUnresolved
	}
	return delegate.Connect(ctx, serverName)
}

// Close delegates to the classified factory, if any.
func (f *BootstrapConnectionFactory) Close() {
	f.mu.Lock()
	delegate := f.delegate
	f.mu.Unlock()
	if delegate != nil {
		delegate.Close()
	}
}
