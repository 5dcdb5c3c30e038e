package cluster

import (
	"sync"
	"sync/atomic"
)

// Cluster is the set of Servers known to a connection factory, keyed by
// canonical name (§3). A Server once created is never replaced; Add is
// idempotent on name.
type Cluster struct {
	mu      sync.RWMutex
	servers map[string]*Server
	order   []string // insertion order, for stable enumeration

	nextSeq int64 // atomic

	minVersion string
	maxVersion string
}

// New returns an empty Cluster.
func New() *Cluster {
	return &Cluster{servers: map[string]*Server{}}
}

// resolveAddresses supplies the address set of a newly added Server. The
// default performs no lookup: the name itself is the only address. It is a
// var so it can be replaced.
var resolveAddresses = func(name string) []string {
	return []string{name}
}

// Add returns the Server for name, creating one in RoleUnknown if it does not
// already exist. The name is used as given; it is not canonicalized, so two
// spellings of one endpoint yield two Servers. Safe for concurrent use.
func (c *Cluster) Add(name string) *Server {
	c.mu.RLock()
	if s, ok := c.servers[name]; ok {
		c.mu.RUnlock()
		return s
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[name]; ok {
		return s
	}
	seq := atomic.AddInt64(&c.nextSeq, 1)
	s := newServer(name, resolveAddresses(name), seq)
	c.servers[name] = s
	c.order = append(c.order, name)
	return s
}

// Get returns the named server, if known.
func (c *Cluster) Get(name string) (*Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[name]
	return s, ok
}

// Remove drops a server from the cluster entirely. Used by factories when a
// member permanently leaves the topology (§4.3: pingers keep unreachable
// servers around; only the factory removes them).
func (c *Cluster) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[name]; !ok {
		return
	}
	delete(c.servers, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// All returns every known server in insertion order.
func (c *Cluster) All() []*Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Server, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.servers[n])
	}
	return out
}

// ByPredicate enumerates servers for which pred returns true, in insertion
// order (§3 "enumeration by predicate").
func (c *Cluster) ByPredicate(pred func(*Server) bool) []*Server {
	var out []*Server
	for _, s := range c.All() {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}

// Writable returns every server currently believed to be writable.
func (c *Cluster) Writable() []*Server {
	return c.ByPredicate(func(s *Server) bool { return s.Role() == RoleWritable })
}

// DemoteAllExcept forces every writable server other than keep to
// RoleNonWritable. Used by the replica-set reconnect strategy when a new
// primary is confirmed (§4.8: "demoting the old primary").
func (c *Cluster) DemoteAllExcept(keep string) {
	for _, s := range c.Writable() {
		if s.Name() != keep {
			atomic.StoreInt32(&s.role, int32(RoleNonWritable))
		}
	}
}

// RecordVersion folds a server's reported version into the cluster-wide
// min/max aggregate (§3).
func (c *Cluster) RecordVersion(version string) {
	if version == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.minVersion == "" || compareVersions(version, c.minVersion) < 0 {
		c.minVersion = version
	}
	if c.maxVersion == "" || compareVersions(version, c.maxVersion) > 0 {
		c.maxVersion = version
	}
}

// VersionRange returns the cluster's current min/max observed server
// version.
func (c *Cluster) VersionRange() (min, max string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minVersion, c.maxVersion
}

// compareVersions does a best-effort dotted-numeric comparison ("3.6.1" <
// "4.0.0"). Parsing stops at the first character that is neither a digit nor
// a dot, and missing components count as 0, so "4.2" equals "4.2.0" and
// "4.x" sorts below "4.5".
func compareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	var parts []int
	cur := 0
	has := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			has = true
			continue
		}
		if r == '.' {
			parts = append(parts, cur)
			cur, has = 0, false
			continue
		}
		break
	}
	if has || len(parts) == 0 {
		parts = append(parts, cur)
	}
	return parts
}
