package txengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/metrics"
)

// PooledConnection wraps one ProviderClient. It is owned exclusively by the
// pool that created it and is never shared outside acquire/release.
type PooledConnection struct {
	Client ProviderClient

	active   bool
	lastUsed time.Time
	useCount uint64
	health   ProviderHealth
}

// Health returns the last health snapshot taken by the pool.
func (c *PooledConnection) Health() ProviderHealth { return c.health }

// PoolStats is a point-in-time view of one provider's connections.
type PoolStats struct {
	Total    int
	Active   int
	Idle     int
	TotalUse uint64
}

// ConnectionPool owns a bounded set of connections per (vendor, chain) pair.
// Health and pool maps are mutated only by the pool's own loops and by
// Acquire/Release; callers never touch them directly.
type ConnectionPool struct {
	log     *zap.Logger
	cfg     PoolConfig
	signals SignalObserver

	mu    sync.Mutex
	conns map[ProviderIdentity][]*PooledConnection
}

func NewConnectionPool(log *zap.Logger, cfg PoolConfig, signals SignalObserver) *ConnectionPool {
	if signals == nil {
		signals = NopObserver{}
	}
	return &ConnectionPool{
		log:     log.Named("pool"),
		cfg:     cfg,
		signals: signals,
		conns:   make(map[ProviderIdentity][]*PooledConnection),
	}
}

// Start launches the reaper and health-check loops on independent timers.
// Cancel ctx to stop them; wait on the returned group for shutdown.
func (p *ConnectionPool) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.reap()
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.checkHealth(ctx)
			}
		}
	}()

	return wg
}

// AddClient registers a new connection. Once the pool for the client's
// identity is at its maximum the client is rejected with a log line; AddClient
// never blocks.
func (p *ConnectionPool) AddClient(client ProviderClient) {
	id := client.Identity()
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns[id]) >= p.cfg.MaxConnections {
		p.log.Warn("pool at capacity, rejecting client",
			zap.String("provider", id.String()),
			zap.Int("max_connections", p.cfg.MaxConnections))
		return
	}
	p.conns[id] = append(p.conns[id], &PooledConnection{
		Client:   client,
		lastUsed: time.Now(),
		// new connections start healthy until the first probe says otherwise
		health: ProviderHealth{Healthy: true, LastChecked: time.Now()},
	})
}

// Acquire returns the first inactive healthy connection for the identity, or
// nil when none exists. Callers must treat nil as "try the next provider",
// not as a hard error.
func (p *ConnectionPool) Acquire(vendor Vendor, chain Chain) *PooledConnection {
	id := ProviderIdentity{Vendor: vendor, Chain: chain}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns[id] {
		if conn.active || !conn.health.Healthy {
			continue
		}
		conn.active = true
		conn.lastUsed = time.Now()
		conn.useCount++
		p.signals.ConnectionAcquired(id)
		return conn
	}
	return nil
}

// Release returns a connection to the pool.
func (p *ConnectionPool) Release(conn *PooledConnection) {
	id := conn.Client.Identity()
	p.mu.Lock()
	conn.active = false
	conn.lastUsed = time.Now()
	p.mu.Unlock()
	p.signals.ConnectionReleased(id)
}

// Identities returns every (vendor, chain) pair with at least one connection.
func (p *ConnectionPool) Identities(chain Chain) []ProviderIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]ProviderIdentity, 0, len(p.conns))
	for id, conns := range p.conns {
		if id.Chain != chain || len(conns) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Chains returns every chain with at least one connection.
func (p *ConnectionPool) Chains() []Chain {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[Chain]bool)
	chains := make([]Chain, 0)
	for id, conns := range p.conns {
		if len(conns) == 0 || seen[id.Chain] {
			continue
		}
		seen[id.Chain] = true
		chains = append(chains, id.Chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// Stats returns per-provider usage counters.
func (p *ConnectionPool) Stats() map[ProviderIdentity]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[ProviderIdentity]PoolStats, len(p.conns))
	for id, conns := range p.conns {
		s := PoolStats{Total: len(conns)}
		for _, conn := range conns {
			if conn.active {
				s.Active++
			} else {
				s.Idle++
			}
			s.TotalUse += conn.useCount
		}
		stats[id] = s
	}
	return stats
}

// HealthStatus returns the freshest health snapshot per provider: the highest
// block height seen, the best latency, healthy if any connection is healthy.
func (p *ConnectionPool) HealthStatus() map[ProviderIdentity]ProviderHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[ProviderIdentity]ProviderHealth, len(p.conns))
	for id, conns := range p.conns {
		var agg ProviderHealth
		for i, conn := range conns {
			h := conn.health
			if i == 0 {
				agg = h
				continue
			}
			if h.Healthy && !agg.Healthy {
				agg = h
				continue
			}
			if h.Healthy == agg.Healthy && h.Latency < agg.Latency {
				agg.Latency = h.Latency
			}
			if h.BlockHeight > agg.BlockHeight {
				agg.BlockHeight = h.BlockHeight
			}
		}
		out[id] = agg
	}
	return out
}

// reap removes inactive connections that are idle beyond the TTL or unhealthy
// past the error threshold, least essential first, never shrinking a provider
// below the configured minimum.
func (p *ConnectionPool) reap() {
	now := time.Now()
	p.mu.Lock()

	reaped := make(map[ProviderIdentity]int)
	for id, conns := range p.conns {
		// candidates: longest idle first, then unhealthiest
		idx := make([]int, 0, len(conns))
		for i, conn := range conns {
			if conn.active {
				continue
			}
			idleTooLong := now.Sub(conn.lastUsed) > p.cfg.IdleTimeout
			tooManyErrors := !conn.health.Healthy &&
				conn.health.ConsecutiveErrors > p.cfg.UnhealthyErrorThreshold
			if idleTooLong || tooManyErrors {
				idx = append(idx, i)
			}
		}
		sort.Slice(idx, func(a, b int) bool {
			ca, cb := conns[idx[a]], conns[idx[b]]
			if ca.health.Healthy != cb.health.Healthy {
				return !ca.health.Healthy
			}
			return ca.lastUsed.Before(cb.lastUsed)
		})

		drop := make(map[*PooledConnection]bool, len(idx))
		remaining := len(conns)
		for _, i := range idx {
			if remaining <= p.cfg.MinConnections {
				break
			}
			drop[conns[i]] = true
			remaining--
		}
		if len(drop) == 0 {
			continue
		}

		kept := conns[:0]
		for _, conn := range conns {
			if !drop[conn] {
				kept = append(kept, conn)
			}
		}
		p.conns[id] = kept
		reaped[id] = len(drop)
	}
	p.mu.Unlock()

	for id, n := range reaped {
		p.log.Info("reaped connections",
			zap.String("provider", id.String()), zap.Int("count", n))
		metrics.AddConnectionsReaped(string(id.Vendor), string(id.Chain), n)
		p.signals.ConnectionsReaped(id, n)
	}
}

// checkHealth probes every inactive connection. The primary probe measures
// round-trip latency of eth_gasPrice; a secondary eth_blockNumber call
// refreshes the observed height but its failure alone never marks the
// connection unhealthy.
func (p *ConnectionPool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*PooledConnection, 0)
	for _, conns := range p.conns {
		for _, conn := range conns {
			if !conn.active {
				candidates = append(candidates, conn)
			}
		}
	}
	p.mu.Unlock()

	for _, conn := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		start := time.Now()
		_, err := conn.Client.GasPrice(probeCtx)
		latency := time.Since(start)
		cancel()

		var height uint64
		if err == nil {
			heightCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
			height, _ = conn.Client.BlockNumber(heightCtx)
			cancel()
		}

		p.mu.Lock()
		conn.health.LastChecked = time.Now()
		if err != nil {
			conn.health.ConsecutiveErrors++
			conn.health.Healthy = false
			p.log.Debug("health probe failed",
				zap.String("provider", conn.Client.Identity().String()),
				zap.Int("consecutive_errors", conn.health.ConsecutiveErrors),
				zap.Error(err))
		} else {
			conn.health.Healthy = true
			conn.health.ConsecutiveErrors = 0
			conn.health.Latency = latency
			if height > conn.health.BlockHeight {
				conn.health.BlockHeight = height
			}
		}
		p.mu.Unlock()
	}
}
