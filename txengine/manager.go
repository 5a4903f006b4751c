package txengine

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/metrics"
)

// PriceSource supplies token prices. It is a pluggable collaborator; the
// engine does not own market data.
type PriceSource interface {
	TokenPrice(ctx context.Context, chain Chain, token common.Address) (decimal.Decimal, error)
}

// ProviderStats aggregates the outcome of calls routed through one provider.
type ProviderStats struct {
	TotalCalls        uint64
	Successes         uint64
	Failures          uint64
	ConsecutiveErrors int
	LastLatency       time.Duration
}

const (
	healthyScoreWeight = 100
	errorScorePenalty  = 10
)

// ProviderManager selects a healthy provider per call and falls back across
// the rest on failure.
type ProviderManager struct {
	log     *zap.Logger
	cfg     ManagerConfig
	pool    *ConnectionPool
	signals SignalObserver
	prices  PriceSource

	mu       sync.Mutex
	rr       map[Chain]int
	stats    map[ProviderIdentity]*ProviderStats
	breakers map[ProviderIdentity]*gobreaker.CircuitBreaker[any]
	rng      *rand.Rand
}

func NewProviderManager(log *zap.Logger, cfg ManagerConfig, pool *ConnectionPool, signals SignalObserver) *ProviderManager {
	if signals == nil {
		signals = NopObserver{}
	}
	return &ProviderManager{
		log:      log.Named("manager"),
		cfg:      cfg,
		pool:     pool,
		signals:  signals,
		rr:       make(map[Chain]int),
		stats:    make(map[ProviderIdentity]*ProviderStats),
		breakers: make(map[ProviderIdentity]*gobreaker.CircuitBreaker[any]),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPriceSource wires the token price collaborator.
func (m *ProviderManager) SetPriceSource(src PriceSource) { m.prices = src }

// Stats returns a copy of the per-provider call statistics.
func (m *ProviderManager) Stats() map[ProviderIdentity]ProviderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ProviderIdentity]ProviderStats, len(m.stats))
	for id, s := range m.stats {
		out[id] = *s
	}
	return out
}

// HealthStatus returns the pool's view of provider health.
func (m *ProviderManager) HealthStatus() map[ProviderIdentity]ProviderHealth {
	return m.pool.HealthStatus()
}

func (m *ProviderManager) statsFor(id ProviderIdentity) *ProviderStats {
	s, ok := m.stats[id]
	if !ok {
		s = &ProviderStats{}
		m.stats[id] = s
	}
	return s
}

func (m *ProviderManager) breakerFor(id ProviderIdentity) *gobreaker.CircuitBreaker[any] {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[id]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    id.String(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		m.breakers[id] = cb
	}
	return cb
}

// isHealthy reports whether a provider may serve new calls: pool health says
// healthy and the consecutive-error count is below the failover threshold.
func (m *ProviderManager) isHealthy(id ProviderIdentity, health map[ProviderIdentity]ProviderHealth) bool {
	h, ok := health[id]
	if !ok || !h.Healthy {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsFor(id).ConsecutiveErrors < m.cfg.FailoverThreshold
}

// orderedCandidates returns every provider for the chain, the policy-selected
// healthy one first, the rest by descending score. Score is a healthy weight
// minus an error penalty, so failing providers are tried last.
func (m *ProviderManager) orderedCandidates(chain Chain) []ProviderIdentity {
	ids := m.pool.Identities(chain)
	if len(ids) == 0 {
		return nil
	}
	health := m.pool.HealthStatus()

	healthy := make([]ProviderIdentity, 0, len(ids))
	for _, id := range ids {
		if m.isHealthy(id, health) {
			healthy = append(healthy, id)
		}
	}

	var selected *ProviderIdentity
	if len(healthy) > 0 {
		pick := m.selectProvider(chain, healthy, health)
		selected = &pick
	}

	m.mu.Lock()
	score := func(id ProviderIdentity) int {
		s := 0
		if h, ok := health[id]; ok && h.Healthy {
			s += healthyScoreWeight
		}
		s -= m.statsFor(id).ConsecutiveErrors * errorScorePenalty
		return s
	}
	sort.SliceStable(ids, func(i, j int) bool { return score(ids[i]) > score(ids[j]) })
	m.mu.Unlock()

	if selected == nil {
		return ids
	}
	ordered := make([]ProviderIdentity, 0, len(ids))
	ordered = append(ordered, *selected)
	for _, id := range ids {
		if id != *selected {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

func (m *ProviderManager) selectProvider(chain Chain, healthy []ProviderIdentity, health map[ProviderIdentity]ProviderHealth) ProviderIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.cfg.Strategy {
	case SelectLeastLatency:
		best := healthy[0]
		for _, id := range healthy[1:] {
			if health[id].Latency < health[best].Latency {
				best = id
			}
		}
		return best
	case SelectRandom:
		return healthy[m.rng.Intn(len(healthy))]
	default: // round robin
		i := m.rr[chain] % len(healthy)
		m.rr[chain] = i + 1
		return healthy[i]
	}
}

func (m *ProviderManager) recordSuccess(id ProviderIdentity, latency time.Duration) {
	m.mu.Lock()
	s := m.statsFor(id)
	s.TotalCalls++
	s.Successes++
	s.ConsecutiveErrors = 0
	s.LastLatency = latency
	m.mu.Unlock()

	metrics.IncProviderCall(string(id.Vendor), string(id.Chain))
	metrics.RecordProviderLatency(string(id.Vendor), string(id.Chain), latency.Milliseconds())
}

func (m *ProviderManager) recordFailure(id ProviderIdentity, err error) {
	m.mu.Lock()
	s := m.statsFor(id)
	s.TotalCalls++
	s.Failures++
	s.ConsecutiveErrors++
	crossed := s.ConsecutiveErrors == m.cfg.FailoverThreshold
	n := s.ConsecutiveErrors
	m.mu.Unlock()

	metrics.IncProviderCall(string(id.Vendor), string(id.Chain))
	metrics.IncProviderFailure(string(id.Vendor), string(id.Chain))
	if crossed {
		// the provider stays in the pool: removal is the reaper's job
		m.log.Warn("provider reached failover threshold",
			zap.String("provider", id.String()),
			zap.Int("consecutive_errors", n),
			zap.Error(err))
		metrics.IncProviderFailing(string(id.Vendor), string(id.Chain))
		m.signals.ProviderFailing(id, n)
	}
}

// executeWithFallback runs op against the ordered candidate list and returns
// the first success. A per-call timeout counts as a failure against that
// provider and moves on to the next; when every provider fails the last error
// is returned wrapped in ErrAllProvidersFailed.
func executeWithFallback[T any](ctx context.Context, m *ProviderManager, chain Chain, fn func(context.Context, ProviderClient) (T, error)) (T, error) {
	var zero T

	candidates := m.orderedCandidates(chain)
	if len(candidates) == 0 {
		return zero, ErrNoProviderForChain
	}

	var lastErr error
	for _, id := range candidates {
		conn := m.pool.Acquire(id.Vendor, id.Chain)
		if conn == nil {
			continue
		}

		start := time.Now()
		res, err := m.breakerFor(id).Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()
			return fn(callCtx, conn.Client)
		})
		m.pool.Release(conn)

		if err != nil {
			lastErr = err
			m.recordFailure(id, err)
			m.log.Debug("provider call failed, trying next",
				zap.String("provider", id.String()), zap.Error(err))
			continue
		}
		m.recordSuccess(id, time.Since(start))
		return res.(T), nil
	}

	if lastErr == nil {
		// every pool was drained or unhealthy
		return zero, ErrAllProvidersFailed
	}
	return zero, errors.Join(ErrAllProvidersFailed, lastErr)
}

func (m *ProviderManager) GetBlockNumber(ctx context.Context, chain Chain) (uint64, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

func (m *ProviderManager) GetBlock(ctx context.Context, chain Chain, number *big.Int) (*Block, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (*Block, error) {
		return c.BlockByNumber(ctx, number)
	})
}

func (m *ProviderManager) GetTransaction(ctx context.Context, chain Chain, hash common.Hash) (*RPCTransaction, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (*RPCTransaction, error) {
		return c.TransactionByHash(ctx, hash)
	})
}

func (m *ProviderManager) SendTransaction(ctx context.Context, chain Chain, raw hexutil.Bytes) (common.Hash, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (common.Hash, error) {
		return c.SendRawTransaction(ctx, raw)
	})
}

func (m *ProviderManager) GetBalance(ctx context.Context, chain Chain, addr common.Address) (*big.Int, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (*big.Int, error) {
		return c.Balance(ctx, addr)
	})
}

func (m *ProviderManager) GetTokenBalance(ctx context.Context, chain Chain, token, addr common.Address) (*big.Int, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (*big.Int, error) {
		return c.TokenBalance(ctx, token, addr)
	})
}

// GetTokenPrice delegates to the configured price source.
func (m *ProviderManager) GetTokenPrice(ctx context.Context, chain Chain, token common.Address) (decimal.Decimal, error) {
	if m.prices == nil {
		return decimal.Zero, ErrNoPriceSource
	}
	return m.prices.TokenPrice(ctx, chain, token)
}

func (m *ProviderManager) GetGasPrice(ctx context.Context, chain Chain) (*big.Int, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (*big.Int, error) {
		return c.GasPrice(ctx)
	})
}

func (m *ProviderManager) EstimateGas(ctx context.Context, chain Chain, call CallMsg) (uint64, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (uint64, error) {
		return c.EstimateGas(ctx, call)
	})
}

func (m *ProviderManager) PendingNonce(ctx context.Context, chain Chain, addr common.Address) (uint64, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (uint64, error) {
		return c.PendingNonce(ctx, addr)
	})
}

func (m *ProviderManager) PendingTransactionCount(ctx context.Context, chain Chain) (uint64, error) {
	return executeWithFallback(ctx, m, chain, func(ctx context.Context, c ProviderClient) (uint64, error) {
		return c.PendingTransactionCount(ctx)
	})
}
