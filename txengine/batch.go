package txengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/metrics"
)

// ErrBatchAborted marks transactions left unsubmitted after a fail-fast stop.
var ErrBatchAborted = errors.New("batch aborted after earlier failure")

// BatchMode selects how a batch settles. The caller chooses per batch, never
// per transaction.
type BatchMode uint8

const (
	BatchSequential BatchMode = iota
	BatchParallel
)

// BatchOptions declares scheduling constraints for one enqueued transaction.
type BatchOptions struct {
	Priority     int
	Dependencies []int
	Deadline     *time.Time
}

// BatchedTransaction wraps a request for the lifetime of one batch: created
// on enqueue, consumed and discarded on execution or expiry.
type BatchedTransaction struct {
	Request       *TransactionRequest
	OriginalIndex int
	Priority      int
	Dependencies  []int
	Deadline      *time.Time

	// populated during execution
	Estimate *GasEstimate
	Nonce    uint64
}

// BatchFailure reports one transaction that did not make it on chain.
type BatchFailure struct {
	Index   int
	Request *TransactionRequest
	Err     error
}

// BatchExecutionResult summarizes one executed batch. The batch call itself
// only counts as failed when every transaction failed.
type BatchExecutionResult struct {
	Success          bool
	TxHashes         []common.Hash
	Failures         []BatchFailure
	Dropped          int
	TotalGas         uint64
	TotalGasCost     *big.Int
	Duration         time.Duration
	EstimatedSavings decimal.Decimal
}

// TransactionBatcher groups pending transactions, resolves declared
// dependencies into a valid order and drives execution.
type TransactionBatcher struct {
	log     *zap.Logger
	cfg     BatchConfig
	pricer  *GasPricer
	manager *ProviderManager
	signals SignalObserver

	mu      sync.Mutex
	batches map[string][]*BatchedTransaction
}

func NewTransactionBatcher(log *zap.Logger, cfg BatchConfig, pricer *GasPricer, manager *ProviderManager, signals SignalObserver) *TransactionBatcher {
	if signals == nil {
		signals = NopObserver{}
	}
	return &TransactionBatcher{
		log:     log.Named("batcher"),
		cfg:     cfg,
		pricer:  pricer,
		manager: manager,
		signals: signals,
		batches: make(map[string][]*BatchedTransaction),
	}
}

// AddToBatch enqueues a transaction and returns its index within the batch.
// Dependency indices refer to earlier AddToBatch return values for the same
// batch id.
func (b *TransactionBatcher) AddToBatch(batchID string, req *TransactionRequest, opts BatchOptions) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	txs := b.batches[batchID]
	if len(txs) >= b.cfg.MaxBatchSize {
		return 0, ErrBatchFull
	}
	idx := len(txs)
	b.batches[batchID] = append(txs, &BatchedTransaction{
		Request:       req,
		OriginalIndex: idx,
		Priority:      opts.Priority,
		Dependencies:  append([]int(nil), opts.Dependencies...),
		Deadline:      opts.Deadline,
	})
	return idx, nil
}

// PendingCount returns the number of transactions currently enqueued.
func (b *TransactionBatcher) PendingCount(batchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches[batchID])
}

// bitset over transaction indices; bounds stack depth for large batches by
// replacing recursive traversal with an explicit frame arena.
type indexBitset []uint64

func newIndexBitset(n int) indexBitset { return make(indexBitset, (n+63)/64) }

func (s indexBitset) set(i int)      { s[i/64] |= 1 << (uint(i) % 64) }
func (s indexBitset) has(i int) bool { return s[i/64]&(1<<(uint(i)%64)) != 0 }

// resolveOrder returns a dependency-respecting order: a transaction never
// precedes anything it depends on. A cyclic dependency set rejects the whole
// batch with ErrDependencyCycle.
func resolveOrder(txs []*BatchedTransaction) ([]int, error) {
	n := len(txs)
	visited := newIndexBitset(n)
	inProgress := newIndexBitset(n)
	order := make([]int, 0, n)

	type frame struct {
		node  int
		child int
	}
	stack := make([]frame, 0, n)

	for root := 0; root < n; root++ {
		if visited.has(root) {
			continue
		}
		stack = append(stack[:0], frame{node: root})
		inProgress.set(root)
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := txs[top.node].Dependencies
			if top.child < len(deps) {
				dep := deps[top.child]
				top.child++
				if dep < 0 || dep >= n {
					return nil, fmt.Errorf("%w: %d", ErrUnknownDependency, dep)
				}
				if visited.has(dep) {
					continue
				}
				if inProgress.has(dep) {
					return nil, ErrDependencyCycle
				}
				inProgress.set(dep)
				stack = append(stack, frame{node: dep})
				continue
			}
			// mark on finish
			visited.set(top.node)
			order = append(order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}

// scheduleByPriority reorders by descending declared priority while staying
// stable with respect to dependency order: a transaction becomes eligible
// only once everything it depends on is scheduled; ties keep the resolved
// order.
func scheduleByPriority(txs []*BatchedTransaction, order []int) []int {
	n := len(order)
	pos := make([]int, n) // resolved position, used as tie break
	for p, idx := range order {
		pos[idx] = p
	}
	scheduled := newIndexBitset(n)
	out := make([]int, 0, n)

	for len(out) < n {
		best := -1
		for _, idx := range order {
			if scheduled.has(idx) {
				continue
			}
			ready := true
			for _, dep := range txs[idx].Dependencies {
				if !scheduled.has(dep) {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if best == -1 || txs[idx].Priority > txs[best].Priority ||
				(txs[idx].Priority == txs[best].Priority && pos[idx] < pos[best]) {
				best = idx
			}
		}
		scheduled.set(best)
		out = append(out, best)
	}
	return out
}

// smoothGas averages a transaction's price with its same-signer predecessor
// to reduce price variance within the batch.
func smoothGas(cur, prev *GasEstimate) *GasEstimate {
	out := *cur
	avg := func(a, b *big.Int) *big.Int {
		if a == nil || b == nil {
			return a
		}
		sum := new(big.Int).Add(a, b)
		return sum.Div(sum, big.NewInt(2))
	}
	out.GasPrice = avg(cur.GasPrice, prev.GasPrice)
	out.MaxFeePerGas = avg(cur.MaxFeePerGas, prev.MaxFeePerGas)
	out.MaxPriorityFeePerGas = avg(cur.MaxPriorityFeePerGas, prev.MaxPriorityFeePerGas)
	out.TotalCost = new(big.Int).Mul(out.EffectivePrice(), new(big.Int).SetUint64(out.GasLimit))
	return &out
}

// ExecuteBatch consumes the batch and drives it to completion. Transactions
// whose deadline already passed are dropped with a log line, never retried.
func (b *TransactionBatcher) ExecuteBatch(ctx context.Context, batchID string, signer Signer, mode BatchMode) (*BatchExecutionResult, error) {
	b.mu.Lock()
	txs, ok := b.batches[batchID]
	delete(b.batches, batchID)
	b.mu.Unlock()
	if !ok {
		return nil, ErrBatchNotFound
	}

	startAt := time.Now()
	log := b.log.With(zap.String("batch", batchID))

	order, err := resolveOrder(txs)
	if err != nil {
		return nil, err
	}
	order = scheduleByPriority(txs, order)

	// deadline enforcement happens before any pricing work
	now := time.Now()
	live := make([]*BatchedTransaction, 0, len(order))
	dropped := 0
	for _, idx := range order {
		tx := txs[idx]
		if tx.Deadline != nil && tx.Deadline.Before(now) {
			log.Info("dropping expired transaction",
				zap.Int("index", tx.OriginalIndex),
				zap.Time("deadline", *tx.Deadline))
			dropped++
			continue
		}
		live = append(live, tx)
	}
	metrics.AddBatchTxDropped(dropped)

	result := &BatchExecutionResult{
		Dropped:          dropped,
		TotalGasCost:     new(big.Int),
		EstimatedSavings: decimal.Zero,
	}
	if len(live) == 0 {
		result.Success = dropped == 0
		result.Duration = time.Since(startAt)
		return result, nil
	}

	chain := live[0].Request.Chain

	// price everything up front so the gas ceiling check is pre-execution
	var totalGas uint64
	for i, tx := range live {
		strategy := tx.Request.Strategy
		if strategy == "" {
			strategy = GasStrategyBatch
		}
		est, err := b.pricer.EstimateOptimalGas(ctx, tx.Request, strategy)
		if err != nil {
			return nil, err
		}
		if i > 0 && live[i-1].Request.From == tx.Request.From {
			est = smoothGas(est, live[i-1].Estimate)
		}
		tx.Estimate = est
		totalGas += est.GasLimit
	}
	if totalGas > b.cfg.MaxBatchGas {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchGasCeiling, totalGas, b.cfg.MaxBatchGas)
	}

	// nonce sequencing: strictly sequential per signer from the signer's
	// current pending count
	nonces := make(map[common.Address]uint64)
	for _, tx := range live {
		next, ok := nonces[tx.Request.From]
		if !ok {
			pending, err := b.manager.PendingNonce(ctx, chain, tx.Request.From)
			if err != nil {
				return nil, err
			}
			next = pending
		}
		tx.Nonce = next
		nonces[tx.Request.From] = next + 1
	}

	var (
		hashes   []common.Hash
		failures []BatchFailure
	)
	switch mode {
	case BatchParallel:
		hashes, failures = b.executeParallel(ctx, live, signer)
	default:
		hashes, failures = b.executeSequential(ctx, live, signer)
	}

	for _, tx := range live {
		failed := false
		for _, f := range failures {
			if f.Index == tx.OriginalIndex {
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		result.TotalGas += tx.Estimate.GasLimit
		result.TotalGasCost.Add(result.TotalGasCost, tx.Estimate.TotalCost)
		result.EstimatedSavings = result.EstimatedSavings.Add(estimatedSaving(tx.Estimate))
	}

	result.TxHashes = hashes
	result.Failures = failures
	result.Success = len(failures) < len(live)
	result.Duration = time.Since(startAt)

	metrics.IncBatchExecuted()
	metrics.RecordBatchDuration(result.Duration.Milliseconds())
	b.signals.BatchCompleted(BatchSummary{
		BatchID:   batchID,
		Chain:     chain,
		Submitted: len(hashes),
		Failed:    len(failures),
		Dropped:   dropped,
		Duration:  result.Duration,
	})
	return result, nil
}

// estimatedSaving compares the batch price against an aggressive individual
// submission of the same transaction, in gwei.
func estimatedSaving(est *GasEstimate) decimal.Decimal {
	price := est.EffectivePrice()
	baseline := mulMilli(price, strategyParams[GasStrategyAggressive].multiplierMilli)
	diff := new(big.Int).Sub(baseline, price)
	if diff.Sign() < 0 {
		return decimal.Zero
	}
	diff.Mul(diff, new(big.Int).SetUint64(est.GasLimit))
	return decimal.NewFromBigInt(diff, -9)
}

func (b *TransactionBatcher) executeSequential(ctx context.Context, live []*BatchedTransaction, signer Signer) ([]common.Hash, []BatchFailure) {
	hashes := make([]common.Hash, 0, len(live))
	var failures []BatchFailure

	for i, tx := range live {
		hash, err := b.submitOne(ctx, tx, signer)
		if err != nil {
			failures = append(failures, BatchFailure{Index: tx.OriginalIndex, Request: tx.Request, Err: err})
			if b.cfg.FailFast {
				for _, rest := range live[i+1:] {
					failures = append(failures, BatchFailure{
						Index:   rest.OriginalIndex,
						Request: rest.Request,
						Err:     ErrBatchAborted,
					})
				}
				break
			}
			continue
		}
		hashes = append(hashes, hash)
	}
	return hashes, failures
}

// executeParallel settles independent signers concurrently. Transactions of
// one signer stay strictly in nonce order inside their goroutine; the bounded
// semaphore caps total in-flight submissions.
func (b *TransactionBatcher) executeParallel(ctx context.Context, live []*BatchedTransaction, signer Signer) ([]common.Hash, []BatchFailure) {
	type outcome struct {
		index int
		tx    *BatchedTransaction
		hash  common.Hash
		err   error
	}

	groups := make(map[common.Address][]*BatchedTransaction)
	groupOrder := make([]common.Address, 0)
	for _, tx := range live {
		if _, ok := groups[tx.Request.From]; !ok {
			groupOrder = append(groupOrder, tx.Request.From)
		}
		groups[tx.Request.From] = append(groups[tx.Request.From], tx)
	}

	sem := make(chan struct{}, b.cfg.MaxConcurrency)
	results := make(chan outcome, len(live))
	var wg sync.WaitGroup
	for _, from := range groupOrder {
		wg.Add(1)
		go func(txs []*BatchedTransaction) {
			defer wg.Done()
			for _, tx := range txs {
				sem <- struct{}{}
				hash, err := b.submitOne(ctx, tx, signer)
				<-sem
				results <- outcome{index: tx.OriginalIndex, tx: tx, hash: hash, err: err}
			}
		}(groups[from])
	}
	wg.Wait()
	close(results)

	hashes := make([]common.Hash, 0, len(live))
	var failures []BatchFailure
	for out := range results {
		if out.err != nil {
			failures = append(failures, BatchFailure{Index: out.index, Request: out.tx.Request, Err: out.err})
			continue
		}
		hashes = append(hashes, out.hash)
	}
	return hashes, failures
}

// submitOne signs and submits a single transaction, retrying once with an
// aggressive repricing and, on a nonce complaint, a refreshed pending nonce.
func (b *TransactionBatcher) submitOne(ctx context.Context, tx *BatchedTransaction, signer Signer) (common.Hash, error) {
	hash, err := b.signAndSend(ctx, tx.Request, tx.Nonce, tx.Estimate, signer)
	if err == nil {
		metrics.IncTxSubmitted()
		return hash, nil
	}

	b.log.Warn("transaction failed, retrying once with aggressive pricing",
		zap.Int("index", tx.OriginalIndex), zap.Error(err))

	est, estErr := b.pricer.EstimateOptimalGas(ctx, tx.Request, GasStrategyAggressive)
	if estErr != nil {
		metrics.IncTxFailed()
		return common.Hash{}, errors.Join(err, estErr)
	}
	nonce := tx.Nonce
	if strings.Contains(strings.ToLower(err.Error()), "nonce") {
		refreshed, nErr := b.manager.PendingNonce(ctx, tx.Request.Chain, tx.Request.From)
		if nErr == nil {
			nonce = refreshed
		}
	}

	hash, retryErr := b.signAndSend(ctx, tx.Request, nonce, est, signer)
	if retryErr != nil {
		metrics.IncTxFailed()
		return common.Hash{}, retryErr
	}
	metrics.IncTxSubmitted()
	return hash, nil
}

func (b *TransactionBatcher) signAndSend(ctx context.Context, req *TransactionRequest, nonce uint64, est *GasEstimate, signer Signer) (common.Hash, error) {
	raw, err := signer.SignTransaction(ctx, req, nonce, est)
	if err != nil {
		return common.Hash{}, err
	}
	return b.manager.SendTransaction(ctx, req.Chain, raw)
}
