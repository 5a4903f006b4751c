package txengine

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/metrics"
)

var storeResultTimeout = 5 * time.Second

// ExecutionEngine is the facade the rest of the system calls: MEV mitigation,
// then gas pricing, then submission through the provider manager with retry.
// Results come back typed; internal errors never cross this boundary as
// panics.
type ExecutionEngine struct {
	log      *zap.Logger
	pool     *ConnectionPool
	manager  *ProviderManager
	pricer   *GasPricer
	batcher  *TransactionBatcher
	analyzer *MEVRiskAnalyzer
	relay    RelayBackend
	results  ResultBackend

	backgroundWg sync.WaitGroup
}

// NewExecutionEngine wires the engine. analyzer, relay and results may be nil:
// analysis and persistence are then skipped, relay-routed transactions fall
// back to the public mempool with a logged warning.
func NewExecutionEngine(
	log *zap.Logger, pool *ConnectionPool, manager *ProviderManager, pricer *GasPricer,
	batcher *TransactionBatcher, analyzer *MEVRiskAnalyzer, relay RelayBackend, results ResultBackend,
) *ExecutionEngine {
	return &ExecutionEngine{
		log:      log.Named("engine"),
		pool:     pool,
		manager:  manager,
		pricer:   pricer,
		batcher:  batcher,
		analyzer: analyzer,
		relay:    relay,
		results:  results,
	}
}

// RegisterProvider adds n pooled connections for one endpoint.
func (e *ExecutionEngine) RegisterProvider(ep ProviderEndpoint, connections int) {
	cfg := e.manager.cfg
	id := ProviderIdentity{Vendor: ep.Vendor, Chain: ep.Chain}
	for i := 0; i < connections; i++ {
		e.pool.AddClient(NewJSONRPCProvider(id, ep.URL, cfg.RateLimit, cfg.RateBurst, cfg.CallTimeout))
	}
}

// Start launches the pool loops and the network-condition poller. Cancel ctx
// to stop; wait on the returned group after cancelling.
func (e *ExecutionEngine) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}

	poolWg := e.pool.Start(ctx)
	pollWg := e.pricer.StartPolling(ctx, e.pool.Chains())

	wg.Add(1)
	go func() {
		defer wg.Done()
		poolWg.Wait()
		pollWg.Wait()
		e.backgroundWg.Wait()
	}()
	return wg
}

func (e *ExecutionEngine) failure(req *TransactionRequest, startAt time.Time, err error) *ExecutionResult {
	metrics.IncTxFailed()
	res := &ExecutionResult{
		Err:     err,
		Latency: time.Since(startAt),
	}
	e.storeResult(req, res)
	return res
}

// Execute runs one transaction through the full pipeline. The request itself
// is never mutated; MEV protection operates on a rewritten copy.
func (e *ExecutionEngine) Execute(ctx context.Context, req *TransactionRequest, signer Signer) *ExecutionResult {
	startAt := time.Now()
	log := e.log.With(zap.String("chain", string(req.Chain)))

	if req.Chain.ChainID() == nil {
		return e.failure(req, startAt, ErrUnknownChain)
	}
	if len(e.pool.Identities(req.Chain)) == 0 {
		return e.failure(req, startAt, ErrNoProviderForChain)
	}

	if e.analyzer != nil {
		analysis := e.analyzer.AnalyzeTransaction(ctx, req)
		rewritten := e.analyzer.GenerateProtectedTransaction(req, analysis)
		if rewritten != req {
			log.Info("applying mev protection",
				zap.String("tier", analysis.Tier.String()),
				zap.String("mitigation", string(analysis.Mitigation)))
			metrics.IncTxProtected()
			req = rewritten
		}
	}

	est, err := e.pricer.EstimateOptimalGas(ctx, req, req.Strategy)
	if err != nil {
		return e.failure(req, startAt, err)
	}

	nonce, err := e.manager.PendingNonce(ctx, req.Chain, req.From)
	if err != nil {
		return e.failure(req, startAt, err)
	}

	hash, err := e.pricer.ExecuteWithRetry(ctx, est, func(ctx context.Context, est *GasEstimate) (hash common.Hash, err error) {
		raw, err := signer.SignTransaction(ctx, req, nonce, est)
		if err != nil {
			return hash, err
		}
		if req.UsePrivateRelay {
			if e.relay != nil {
				return e.relay.SendPrivateTransaction(ctx, raw)
			}
			log.Warn("no private relay configured, submitting to public mempool")
		}
		return e.manager.SendTransaction(ctx, req.Chain, raw)
	})
	if err != nil {
		return e.failure(req, startAt, err)
	}

	metrics.IncTxSubmitted()
	metrics.RecordExecuteDuration(time.Since(startAt).Milliseconds())
	res := &ExecutionResult{
		Success: true,
		TxHash:  hash,
		GasUsed: est.GasLimit,
		GasCost: est.TotalCost,
		Latency: time.Since(startAt),
	}
	e.storeResult(req, res)
	return res
}

// AddToBatch enqueues a transaction for batched execution.
func (e *ExecutionEngine) AddToBatch(batchID string, req *TransactionRequest, opts BatchOptions) (int, error) {
	return e.batcher.AddToBatch(batchID, req, opts)
}

// ExecuteBatch runs an assembled batch.
func (e *ExecutionEngine) ExecuteBatch(ctx context.Context, batchID string, signer Signer, mode BatchMode) (*BatchExecutionResult, error) {
	return e.batcher.ExecuteBatch(ctx, batchID, signer, mode)
}

// storeResult hands the result to the external store without blocking the
// caller. Store errors are logged, never surfaced.
func (e *ExecutionEngine) storeResult(req *TransactionRequest, res *ExecutionResult) {
	if e.results == nil {
		return
	}
	e.backgroundWg.Add(1)
	go func() {
		defer e.backgroundWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeResultTimeout)
		defer cancel()
		if err := e.results.StoreExecution(ctx, req, res); err != nil {
			e.log.Error("failed to store execution result", zap.Error(err))
		}
	}()
}
