// Package reconnect implements the two strategies for restoring a broken
// connection (§4.8): a simple per-server retry used by standalone and
// sharded topologies, and a quorum-based primary rediscovery used by
// replica sets.
package reconnect

import (
	"context"
	"time"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/driverr"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// Dialer is the subset of a connection factory a reconnect strategy needs:
// open a connection to a named server. Kept minimal and defined here (not
// imported from pkg/factory) so that pkg/factory can depend on pkg/reconnect
// without a cycle.
type Dialer interface {
	Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error)
}

var statusPingBody = mustEncodeIdentityCommand()

func mustEncodeIdentityCommand() []byte {
	body, err := (wire.JSONCodec{}).Encode(map[string]any{"isMaster": 1})
	if err != nil {
		panic("reconnect: failed to encode built-in identity command: " + err.Error())
	}
	return body
}

func statusPingMessage() wire.Message {
	return wire.RawMessage{Op: wire.OpQuery, Payload: statusPingBody, Reply: true}
}

// pingConnection sends the identity command on c and waits for its reply,
// returning any transport or reply-level error. Used to validate a freshly
// reconnected socket (§4.8 SimpleReconnectStrategy).
func pingConnection(ctx context.Context, c *conn.SocketConnection) error {
	done := make(chan error, 1)
	_, err := c.Send(ctx, statusPingMessage(), conn.CallbackFunc{
		IsLightweight: true,
		Fn: func(_ context.Context, _ wire.Reply, err error) {
			done <- err
		},
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimpleReconnectStrategy retries the server the connection was previously
// bound to once, then falls through the selector's candidate list until one
// succeeds a fresh connect-and-ping round trip (§4.8).
type SimpleReconnectStrategy struct {
	Factory  Dialer
	Selector cluster.ServerSelector
	Log      xlog.Logger
}

func (s SimpleReconnectStrategy) log() xlog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return xlog.Nop{}
}

// ReconnectFrom restores a connection after brokenServerName's was lost: it
// retries that same server once, then falls through the selector's
// candidates until one connects and answers a status ping (§4.8).
func (s SimpleReconnectStrategy) ReconnectFrom(ctx context.Context, brokenServerName string) (*conn.SocketConnection, error) {
	if c, err := s.tryConnect(ctx, brokenServerName); err == nil {
		return c, nil
	}

	for _, candidate := range s.Selector.PickServers() {
		if c, err := s.tryConnect(ctx, candidate.Name()); err == nil {
			return c, nil
		}
	}
	return nil, driverr.ErrNoReconnect
}

func (s SimpleReconnectStrategy) tryConnect(ctx context.Context, name string) (*conn.SocketConnection, error) {
	c, err := s.Factory.Connect(ctx, name)
	if err != nil {
		s.log().Log(xlog.LevelDebug, "reconnect attempt failed to dial", "server", name, "err", err)
		return nil, err
	}
	if err := pingConnection(ctx, c); err != nil {
		s.log().Log(xlog.LevelDebug, "reconnect attempt failed status ping", "server", name, "err", err)
		c.Shutdown(true)
		return nil, err
	}
	return c, nil
}

// DefaultQuorumCount is the number of independent members that must agree on
// a candidate primary before ReplicaSetReconnectStrategy accepts it. The
// source material expresses this as a literal "two observations"; this spec
// keeps the literal default but treats it as tunable (§9 open questions).
const DefaultQuorumCount = 2

// ReplicaSetReconnectStrategy rediscovers the replica set's primary by
// polling every known member for its view of the primary in parallel,
// repeating until either a candidate earns independent quorum or the
// deadline elapses (§4.8).
type ReplicaSetReconnectStrategy struct {
	Factory     Dialer
	Cluster     *cluster.Cluster
	Probe       cluster.Prober
	Members     []string
	QuorumCount int
	Timeout     time.Duration
	PollBackoff time.Duration
	Log         xlog.Logger
}

func (s ReplicaSetReconnectStrategy) log() xlog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return xlog.Nop{}
}

// Reconnect runs the quorum rediscovery loop described in §4.8 until a
// candidate primary earns independent confirmation from QuorumCount
// distinct members, or Timeout elapses.
func (s ReplicaSetReconnectStrategy) Reconnect(ctx context.Context) (*conn.SocketConnection, error) {
	quorum := s.QuorumCount
	if quorum <= 0 {
		quorum = DefaultQuorumCount
	}
	backoff := s.PollBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		candidate, ok := s.pollOnce(deadlineCtx, quorum)
		if ok {
			return s.acceptPrimary(deadlineCtx, candidate)
		}
		select {
		case <-deadlineCtx.Done():
			return nil, driverr.ErrNoReconnect
		case <-time.After(backoff):
		}
	}
}

// pollOnce asks every member who it believes the primary is, in parallel,
// and reports whether any single candidate reached quorum in this round.
// Members naming different primaries cancel each other out rather than
// combining; a member with no opinion neither confirms nor vetoes (§4.8).
func (s ReplicaSetReconnectStrategy) pollOnce(ctx context.Context, quorum int) (string, bool) {
	type vote struct {
		member  string
		primary string
	}
	votes := make([]vote, len(s.Members))

	g, gctx := errgroup.WithContext(ctx)
	for i, member := range s.Members {
		i, member := i, member
		g.Go(func() error {
			doc, _, err := s.Probe(gctx, member)
			if err != nil {
				s.log().Log(xlog.LevelDebug, "reconnect poll failed", "member", member, "err", err)
				return nil // unreachable members abstain, not an error for the group
			}
			votes[i] = vote{member: member, primary: doc.Primary}
			return nil
		})
	}
	_ = g.Wait() // errors are all swallowed inside; abstention is the only outcome

	tally := map[string]int{}
	for _, v := range votes {
		if v.primary == "" {
			continue
		}
		tally[v.primary]++
	}
	for candidate, count := range tally {
		if count >= quorum {
			return candidate, true
		}
	}
	return "", false
}

func (s ReplicaSetReconnectStrategy) acceptPrimary(ctx context.Context, candidate string) (*conn.SocketConnection, error) {
	c, err := s.Factory.Connect(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if s.Cluster != nil {
		srv := s.Cluster.Add(candidate)
		srv.UpdateFrom(cluster.StatusDocument{IsMaster: true}, 0)
		s.Cluster.DemoteAllExcept(candidate)
	}
	return c, nil
}
