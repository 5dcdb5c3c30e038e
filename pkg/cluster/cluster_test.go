package cluster

import "testing"

func TestClusterAddIsIdempotent(t *testing.T) {
	c := New()
	a := c.Add("host1:27017")
	b := c.Add("host1:27017")
	if a != b {
		t.Fatalf("want Add to return the same *Server for the same name")
	}
	if len(c.All()) != 1 {
		t.Fatalf("want one server, got %d", len(c.All()))
	}
}

func TestClusterWritableAndDemoteAllExcept(t *testing.T) {
	c := New()
	p1 := c.Add("p1:27017")
	p2 := c.Add("p2:27017")
	p1.UpdateFrom(StatusDocument{IsMaster: true}, 1)
	p2.UpdateFrom(StatusDocument{Primary: "p2:27017"}, 1)

	w := c.Writable()
	if len(w) != 2 {
		t.Fatalf("want 2 writable servers, got %d", len(w))
	}

	c.DemoteAllExcept("p2:27017")
	w = c.Writable()
	if len(w) != 1 || w[0].Name() != "p2:27017" {
		t.Fatalf("want only p2 writable after DemoteAllExcept, got %+v", w)
	}
}

func TestClusterVersionRange(t *testing.T) {
	c := New()
	c.RecordVersion("4.2.0")
	c.RecordVersion("6.0.1")
	c.RecordVersion("5.0.0")
	min, max := c.VersionRange()
	if min != "4.2.0" || max != "6.0.1" {
		t.Fatalf("want range [4.2.0, 6.0.1], got [%s, %s]", min, max)
	}
}

func TestClusterRemove(t *testing.T) {
	c := New()
	c.Add("a:1")
	c.Add("b:2")
	c.Remove("a:1")
	if _, ok := c.Get("a:1"); ok {
		t.Fatalf("want a:1 removed")
	}
	if len(c.All()) != 1 {
		t.Fatalf("want 1 server remaining, got %d", len(c.All()))
	}
}
