package cluster

import "testing"

func TestServerUpdateFromPromotesOnPositiveIdentity(t *testing.T) {
	s := newServer("a:27017", []string{"a:27017"}, 1)
	if s.Role() != RoleUnknown {
		t.Fatalf("want RoleUnknown initially, got %v", s.Role())
	}
	s.UpdateFrom(StatusDocument{IsMaster: true, Version: "6.0.1", MaxDocSize: 1 << 20}, 1.5)
	if s.Role() != RoleWritable {
		t.Fatalf("want RoleWritable after isMaster=true, got %v", s.Role())
	}
	if v := s.Version(); v != "6.0.1" {
		t.Fatalf("want version 6.0.1, got %s", v)
	}
	if got := s.MaxDocumentSize(); got != 1<<20 {
		t.Fatalf("want maxDocSize 1<<20, got %d", got)
	}
}

func TestServerUpdateFromDemotesImmediately(t *testing.T) {
	s := newServer("a:27017", nil, 1)
	s.UpdateFrom(StatusDocument{IsMaster: true}, 1)
	if s.Role() != RoleWritable {
		t.Fatalf("precondition: want writable")
	}
	s.UpdateFrom(StatusDocument{IsMaster: false, Secondary: true}, 1)
	if s.Role() != RoleNonWritable {
		t.Fatalf("want immediate demotion to RoleNonWritable, got %v", s.Role())
	}
}

func TestServerLatencyEWMA(t *testing.T) {
	s := newServer("a:27017", nil, 1)
	s.UpdateFrom(StatusDocument{IsMaster: true}, 100)
	lat, ok := s.AverageLatency()
	if !ok || lat != 100 {
		t.Fatalf("want first sample to set average directly, got %v ok=%v", lat, ok)
	}
	s.UpdateFrom(StatusDocument{IsMaster: true}, 0)
	lat, _ = s.AverageLatency()
	want := latencyEWMAAlpha*0 + (1-latencyEWMAAlpha)*100
	if lat != want {
		t.Fatalf("want EWMA %v, got %v", want, lat)
	}
}

func TestServerMarkUnreachableDoesNotClearTags(t *testing.T) {
	s := newServer("a:27017", nil, 1)
	s.UpdateFrom(StatusDocument{IsMaster: true, Tags: map[string]string{"dc": "east"}}, 1)
	s.MarkUnreachable()
	if s.Role() != RoleUnknown {
		t.Fatalf("want RoleUnknown after MarkUnreachable, got %v", s.Role())
	}
	if got := s.Tags()["dc"]; got != "east" {
		t.Fatalf("want tags preserved, got %q", got)
	}
}
