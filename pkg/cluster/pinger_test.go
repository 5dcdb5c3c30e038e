package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestClusterPingerInitialSweepPopulatesServers(t *testing.T) {
	c := New()
	c.Add("a:27017")
	c.Add("b:27017")

	probe := func(ctx context.Context, name string) (StatusDocument, time.Duration, error) {
		return StatusDocument{IsMaster: name == "a:27017", Secondary: name != "a:27017"}, 2 * time.Millisecond, nil
	}

	p := NewClusterPinger(c, probe, time.Hour, nil)
	p.Start(context.Background())
	defer p.Stop()

	a, _ := c.Get("a:27017")
	b, _ := c.Get("b:27017")
	if a.Role() != RoleWritable {
		t.Fatalf("want a writable after initial sweep, got %v", a.Role())
	}
	if b.Role() != RoleNonWritable {
		t.Fatalf("want b non-writable after initial sweep, got %v", b.Role())
	}
}

func TestClusterPingerMarksUnreachableAfterRepeatedFailures(t *testing.T) {
	c := New()
	s := c.Add("dead:27017")
	s.UpdateFrom(StatusDocument{IsMaster: true}, 1) // starts writable

	var mu sync.Mutex
	calls := 0
	probe := func(ctx context.Context, name string) (StatusDocument, time.Duration, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return StatusDocument{}, 0, errors.New("boom")
	}

	p := NewClusterPinger(c, probe, 5*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Role() == RoleUnknown {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("want server marked unreachable (RoleUnknown) after repeated failures, got %v", s.Role())
}
