package factory

import (
	"context"
	"net"
	"testing"

	"github.com/youseeus/mongodb-async-driver/pkg/cluster"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// TestQueryRouterRegistryDecodesMultipleDocuments exercises a reply whose
// NumberReturned is greater than one, decoding each document into a
// distinct router registry entry.
func TestQueryRouterRegistryDecodesMultipleDocuments(t *testing.T) {
	addr := startJSONServer(t,
		map[string]any{"_id": "router-a:27017"},
		map[string]any{"_id": "router-b:27017"},
	)
	c, err := conn.Dial(context.Background(), "seed", addr, nil, shortConnOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Shutdown(true)

	names, err := queryRouterRegistry(context.Background(), c, wire.JSONCodec{})
	if err != nil {
		t.Fatalf("queryRouterRegistry: %v", err)
	}
	if len(names) != 2 || names[0] != "router-a:27017" || names[1] != "router-b:27017" {
		t.Fatalf("want [router-a:27017 router-b:27017], got %v", names)
	}
}

// TestShardedConnectionFactoryBootstrapAndConnect exercises the sharded
// bootstrap and a direct-name Connect through the resulting factory.
func TestShardedConnectionFactoryBootstrapAndConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().String()

	docs := []map[string]any{{"_id": addr}}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveJSON(c, docs)
		}
	}()

	f := &ShardedConnectionFactory{
		Seeds:       []string{addr},
		Cluster:     cluster.New(),
		ConnOptions: shortConnOptions(),
	}
	if err := f.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer f.Close()

	c, err := f.Connect(context.Background(), addr)
	if err != nil {
		t.Fatalf("connect to named router: %v", err)
	}
	c.Shutdown(true)
}
