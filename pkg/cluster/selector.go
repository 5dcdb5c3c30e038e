package cluster

import "sort"

// ReadPreferenceMode is the read-preference mode a ReadPreferenceSelector
// filters by (§4.4).
type ReadPreferenceMode int

const (
	Primary ReadPreferenceMode = iota
	PrimaryPreferred
	Secondary
	SecondaryPreferred
	Nearest
)

// ReadPreference bundles a mode with optional tag constraints. A server
// matches if every tag in Tags is present with an equal value on the
// server (§4.4 "optional tag constraints").
type ReadPreference struct {
	Mode ReadPreferenceMode
	Tags map[string]string
}

// ServerSelector picks candidate servers for a request (§3, §4.4). A
// selector is a pure view over a Cluster; it holds no mutable state of its
// own, so repeated calls with no intervening cluster mutation return the
// same order (§8 property 6).
type ServerSelector interface {
	PickServers() []*Server
}

// LatencyServerSelector orders every known server by ascending average
// latency, ties broken by insertion order. Servers with no latency sample
// yet sort last (they have not been successfully pinged).
type LatencyServerSelector struct {
	Cluster *Cluster
}

func (s LatencyServerSelector) PickServers() []*Server {
	return sortByLatency(s.Cluster.All())
}

func sortByLatency(servers []*Server) []*Server {
	out := append([]*Server(nil), servers...)
	sort.SliceStable(out, func(i, j int) bool {
		li, oki := out[i].AverageLatency()
		lj, okj := out[j].AverageLatency()
		switch {
		case oki && !okj:
			return true
		case !oki && okj:
			return false
		case !oki && !okj:
			return out[i].insertionSeq < out[j].insertionSeq
		default:
			if li == lj {
				return out[i].insertionSeq < out[j].insertionSeq
			}
			return li < lj
		}
	})
	return out
}

// ReadPreferenceSelector filters the cluster by read preference mode and
// optional tag constraints before applying latency ordering (§4.4).
type ReadPreferenceSelector struct {
	Cluster *Cluster
	Pref    ReadPreference
}

func (s ReadPreferenceSelector) PickServers() []*Server {
	all := s.Cluster.All()
	var candidates []*Server

	switch s.Pref.Mode {
	case Primary:
		candidates = filterRole(all, RoleWritable)
	case PrimaryPreferred:
		candidates = filterRole(all, RoleWritable)
		if len(candidates) == 0 {
			candidates = filterRole(all, RoleNonWritable)
		}
	case Secondary:
		candidates = filterRole(all, RoleNonWritable)
	case SecondaryPreferred:
		candidates = filterRole(all, RoleNonWritable)
		if len(candidates) == 0 {
			candidates = filterRole(all, RoleWritable)
		}
	case Nearest:
		candidates = append([]*Server(nil), all...)
	}

	if len(s.Pref.Tags) > 0 {
		candidates = filterTags(candidates, s.Pref.Tags)
	}

	return sortByLatency(candidates)
}

func filterRole(servers []*Server, role Role) []*Server {
	var out []*Server
	for _, s := range servers {
		if s.Role() == role {
			out = append(out, s)
		}
	}
	return out
}

func filterTags(servers []*Server, want map[string]string) []*Server {
	var out []*Server
	for _, s := range servers {
		tags := s.Tags()
		matched := true
		for k, v := range want {
			if tags[k] != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, s)
		}
	}
	return out
}
