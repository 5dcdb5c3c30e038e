// Package cluster models the set of known servers in a topology, their
// mutable health/role/latency state, and the selectors that choose among
// them for a given read preference.
package cluster

import (
	"sync"
	"sync/atomic"
)

// Role is a Server's last-known writability, per §3.
type Role int32

const (
	RoleUnknown Role = iota
	RoleWritable
	RoleNonWritable
	RoleCandidate
)

func (r Role) String() string {
	switch r {
	case RoleWritable:
		return "writable"
	case RoleNonWritable:
		return "non-writable"
	case RoleCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// latencyEWMAAlpha is the exponential weight applied to each new latency
// sample, per §4.2 ("e.g., α=0.25") — a recent measurement contributes 25%
// of the new running average, so transient spikes do not dominate selection.
const latencyEWMAAlpha = 0.25

// Server is one endpoint's identity plus its mutable health/latency/version
// state (§3). A Server is shared by the Cluster, any ServerSelector, the
// ClusterPinger, and any SocketConnection pointing at it; its lifetime
// equals the Cluster's.
type Server struct {
	name      string
	addresses []string

	role int32 // atomic Role

	latencyMu     sync.RWMutex
	hasLatency    bool
	avgLatencyMs  float64

	tagsMu sync.RWMutex
	tags   map[string]string

	versionMu sync.RWMutex
	version   string

	maxDocSize int64 // atomic

	messagesSent      int64 // atomic
	repliesReceived   int64 // atomic
	connectionOpens   int64 // atomic
	connectionFails   int64 // atomic

	// insertionSeq breaks latency ties in selector ordering (§4.4:
	// "ties broken by insertion order").
	insertionSeq int64
}

// defaultMaxDocSize is used until a status reply reports the server's real
// limit.
const defaultMaxDocSize = 16 * 1024 * 1024

func newServer(name string, addresses []string, seq int64) *Server {
	s := &Server{
		name:         name,
		addresses:    append([]string(nil), addresses...),
		tags:         map[string]string{},
		insertionSeq: seq,
	}
	atomic.StoreInt64(&s.maxDocSize, defaultMaxDocSize)
	atomic.StoreInt32(&s.role, int32(RoleUnknown))
	return s
}

// Name returns the canonical "host:port" identity of this server.
func (s *Server) Name() string { return s.name }

// Addresses returns the resolved addresses backing this server's name.
func (s *Server) Addresses() []string {
	return append([]string(nil), s.addresses...)
}

// Role returns the server's last-known role.
func (s *Server) Role() Role { return Role(atomic.LoadInt32(&s.role)) }

// AverageLatency returns the exponentially-weighted average latency in
// milliseconds and whether any sample has been recorded yet.
func (s *Server) AverageLatency() (ms float64, ok bool) {
	s.latencyMu.RLock()
	defer s.latencyMu.RUnlock()
	return s.avgLatencyMs, s.hasLatency
}

// Tags returns a copy of the server's opaque tag set.
func (s *Server) Tags() map[string]string {
	s.tagsMu.RLock()
	defer s.tagsMu.RUnlock()
	out := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Version returns the last-reported server version string.
func (s *Server) Version() string {
	s.versionMu.RLock()
	defer s.versionMu.RUnlock()
	return s.version
}

// MaxDocumentSize returns the maximum permitted document size in bytes.
func (s *Server) MaxDocumentSize() int {
	return int(atomic.LoadInt64(&s.maxDocSize))
}

func (s *Server) IncMessagesSent()    { atomic.AddInt64(&s.messagesSent, 1) }
func (s *Server) IncRepliesReceived() { atomic.AddInt64(&s.repliesReceived, 1) }
func (s *Server) IncConnectionOpens() { atomic.AddInt64(&s.connectionOpens, 1) }
func (s *Server) IncConnectionFails() { atomic.AddInt64(&s.connectionFails, 1) }

// Counters returns a snapshot of the server's message/connection counters.
func (s *Server) Counters() (sent, received, opens, fails int64) {
	return atomic.LoadInt64(&s.messagesSent),
		atomic.LoadInt64(&s.repliesReceived),
		atomic.LoadInt64(&s.connectionOpens),
		atomic.LoadInt64(&s.connectionFails)
}

// StatusDocument is the subset of an identity/status reply this package
// interprets. Real replies carry many more fields (wire ranges, hosts for
// replica sets, router markers, ...); those are read directly by the
// factories in pkg/factory. Server.UpdateFrom only needs this slice.
type StatusDocument struct {
	IsMaster      bool
	Primary       string // "" if unknown
	Secondary     bool
	Tags          map[string]string
	MaxDocSize    int
	Version       string
	Hidden        bool
	Arbiter       bool
}

// UpdateFrom applies a status document returned by the server's identity
// command (§4.2). Role transitions that demote a writable server are
// immediate on any update that contradicts the prior role; promotion to
// writable requires a positive identity (isMaster==true, or this server's
// name matching the reported primary).
func (s *Server) UpdateFrom(doc StatusDocument, latencyMs float64) {
	writable := doc.IsMaster || doc.Primary == s.name

	var newRole Role
	switch {
	case writable:
		newRole = RoleWritable
	case doc.Secondary || doc.Hidden:
		newRole = RoleNonWritable
	case doc.Arbiter:
		newRole = RoleCandidate
	default:
		newRole = RoleNonWritable
	}
	atomic.StoreInt32(&s.role, int32(newRole))

	s.tagsMu.Lock()
	s.tags = make(map[string]string, len(doc.Tags))
	for k, v := range doc.Tags {
		s.tags[k] = v
	}
	s.tagsMu.Unlock()

	if doc.MaxDocSize > 0 {
		atomic.StoreInt64(&s.maxDocSize, int64(doc.MaxDocSize))
	}

	if doc.Version != "" {
		s.versionMu.Lock()
		s.version = doc.Version
		s.versionMu.Unlock()
	}

	s.recordLatency(latencyMs)
}

// MarkUnreachable demotes a server to Unknown without touching tags/version,
// used by the ClusterPinger when a probe fails repeatedly (§4.3).
func (s *Server) MarkUnreachable() {
	atomic.StoreInt32(&s.role, int32(RoleUnknown))
}

func (s *Server) recordLatency(sampleMs float64) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if !s.hasLatency {
		s.avgLatencyMs = sampleMs
		s.hasLatency = true
		return
	}
	s.avgLatencyMs = latencyEWMAAlpha*sampleMs + (1-latencyEWMAAlpha)*s.avgLatencyMs
}
