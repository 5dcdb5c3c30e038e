package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
)

// DefaultPingInterval is how often the ClusterPinger re-probes a server
// absent an explicit interval (§4.3 "default 10 seconds").
const DefaultPingInterval = 10 * time.Second

// maxConsecutiveFailures is how many consecutive probe failures mark a
// server unreachable (§4.3).
const maxConsecutiveFailures = 3

// Prober issues the identity/status request against name and reports the
// decoded status plus the round-trip latency. It is supplied by the
// connection factory layer (which owns the actual socket/transport), so
// this package stays free of any dependency on the wire/conn packages.
type Prober func(ctx context.Context, name string) (StatusDocument, time.Duration, error)

// ClusterPinger periodically probes every known Server and applies the
// result via Server.UpdateFrom (§4.3).
type ClusterPinger struct {
	cluster  *Cluster
	probe    Prober
	interval time.Duration
	log      xlog.Logger

	failuresMu sync.Mutex
	failures   map[string]int

	stop   chan struct{}
	stopped int32
	wg     sync.WaitGroup
}

// NewClusterPinger constructs a pinger for cluster using probe, at the given
// interval (DefaultPingInterval if zero).
func NewClusterPinger(cluster *Cluster, probe Prober, interval time.Duration, log xlog.Logger) *ClusterPinger {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if log == nil {
		log = xlog.Nop{}
	}
	return &ClusterPinger{
		cluster:  cluster,
		probe:    probe,
		interval: interval,
		log:      log,
		failures: map[string]int{},
		stop:     make(chan struct{}),
	}
}

// Start performs the initial sweep (blocking, so selection works on first
// use per §4.3) and then launches the background ticking loop.
func (p *ClusterPinger) Start(ctx context.Context) {
	p.sweep(ctx)

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the background ticking loop. Safe to call more than once.
func (p *ClusterPinger) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}
	close(p.stop)
	p.wg.Wait()
}

func (p *ClusterPinger) loop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			p.sweep(ctx)
		}
	}
}

// sweep fans probes for every known server out in parallel via errgroup,
// mirroring the pack's fan-out-then-join idiom for concurrent health checks.
func (p *ClusterPinger) sweep(ctx context.Context) {
	servers := p.cluster.All()
	if len(servers) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			p.pingOne(gctx, s)
			return nil
		})
	}
	_ = g.Wait() // pingOne never returns an error; failures are tracked per-server
}

func (p *ClusterPinger) pingOne(ctx context.Context, s *Server) {
	start := time.Now()
	doc, rtt, err := p.probe(ctx, s.Name())
	if err != nil {
		p.recordFailure(s)
		p.log.Log(xlog.LevelWarn, "ping failed", "server", s.Name(), "err", err)
		return
	}
	p.clearFailures(s.Name())
	latencyMs := rtt.Seconds() * 1000
	if latencyMs == 0 {
		latencyMs = time.Since(start).Seconds() * 1000
	}
	s.UpdateFrom(doc, latencyMs)
	p.cluster.RecordVersion(doc.Version)
}

func (p *ClusterPinger) recordFailure(s *Server) {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	p.failures[s.Name()]++
	if p.failures[s.Name()] >= maxConsecutiveFailures {
		s.MarkUnreachable()
	}
}

func (p *ClusterPinger) clearFailures(name string) {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	delete(p.failures, name)
}
