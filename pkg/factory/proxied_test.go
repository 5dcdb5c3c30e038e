package factory

import (
	"context"
	"testing"
	"time"

	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

func TestProxiedConnectionRepairsAfterFailure(t *testing.T) {
	addr := startJSONServer(t, map[string]any{"ismaster": true})

	first, err := conn.Dial(context.Background(), "primary", addr, nil, shortConnOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	first.Shutdown(true)
	first.Wait()

	reconnected := make(chan struct{})
	reconnectFn := func(ctx context.Context, name string) (*conn.SocketConnection, error) {
		c, err := conn.Dial(ctx, name, addr, nil, shortConnOptions())
		if err == nil {
			close(reconnected)
		}
		return c, err
	}

	p := NewProxiedConnection(first, "primary", reconnectFn, nil)
	_, sendErr := p.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Payload: []byte{0, 0, 0, 4}, Reply: false}, nil)
	if sendErr == nil {
		t.Fatalf("want Send on a shut-down connection to fail")
	}

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for background repair")
	}

	// Give the repair goroutine a moment to install the replacement.
	deadline := time.Now().Add(time.Second)
	for !p.IsAvailable() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !p.IsAvailable() {
		t.Fatalf("want proxied connection available after repair")
	}
	p.Shutdown(true)
}

func TestProxiedConnectionShutdownStopsRepair(t *testing.T) {
	addr := startJSONServer(t, map[string]any{"ismaster": true})
	first, err := conn.Dial(context.Background(), "primary", addr, nil, shortConnOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	called := make(chan struct{}, 1)
	reconnectFn := func(ctx context.Context, name string) (*conn.SocketConnection, error) {
		called <- struct{}{}
		return conn.Dial(ctx, name, addr, nil, shortConnOptions())
	}
	p := NewProxiedConnection(first, "primary", reconnectFn, nil)
	p.Shutdown(true)

	// A Send after Shutdown still observes the failure and triggers the
	// repair path, but Shutdown cleared the reconnect function first, so
	// it must return without ever calling it.
	_, _ = p.Send(context.Background(), wire.RawMessage{Op: wire.OpQuery, Payload: []byte{0, 0, 0, 4}, Reply: false}, nil)

	select {
	case <-called:
		t.Fatalf("want no repair attempt after Shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}
