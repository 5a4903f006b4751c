package txengine

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/metrics"
)

const (
	// EIP-1559 base fee mechanics: 50% utilization target, 12.5% max change
	// per block.
	baseFeeTargetUtilization = 0.5
	baseFeeMaxChangeMilli    = 125

	gasLimitSafetyMarginPct = 10
)

// strategyParams maps a strategy to its price multiplier (in thousandths) and
// the confidence reported on the resulting estimate.
var strategyParams = map[GasStrategy]struct {
	multiplierMilli int64
	confidence      float64
}{
	GasStrategyAggressive:   {1500, 0.95},
	GasStrategyStandard:     {1000, 0.8},
	GasStrategyConservative: {800, 0.6},
	GasStrategyMEVProtected: {1200, 0.85},
	GasStrategyDynamic:      {1000, 0.75},
	GasStrategyBatch:        {1000, 0.7},
}

// tierBasePrice is the congestion-tier base table used by the dynamic and
// batch strategies, in wei.
var tierBasePrice = map[CongestionTier]*big.Int{
	CongestionLow:     new(big.Int).SetUint64(15 * params.GWei),
	CongestionMedium:  new(big.Int).SetUint64(30 * params.GWei),
	CongestionHigh:    new(big.Int).SetUint64(60 * params.GWei),
	CongestionExtreme: new(big.Int).SetUint64(120 * params.GWei),
}

// tierPriorityFee is the validator tip per congestion tier, in wei.
var tierPriorityFee = map[CongestionTier]*big.Int{
	CongestionLow:     new(big.Int).SetUint64(1 * params.GWei),
	CongestionMedium:  new(big.Int).SetUint64(15 * params.GWei / 10),
	CongestionHigh:    new(big.Int).SetUint64(25 * params.GWei / 10),
	CongestionExtreme: new(big.Int).SetUint64(4 * params.GWei),
}

var tierConfirmationWait = map[CongestionTier]time.Duration{
	CongestionLow:     15 * time.Second,
	CongestionMedium:  30 * time.Second,
	CongestionHigh:    time.Minute,
	CongestionExtreme: 3 * time.Minute,
}

// GasPricer derives priced gas envelopes from live network conditions.
type GasPricer struct {
	log     *zap.Logger
	cfg     GasConfig
	manager *ProviderManager

	mu sync.Mutex
	// recent prices per chain per congestion bucket; feeds the blending of
	// the dynamic and batch strategies
	history map[Chain]map[CongestionTier][]*big.Int
	latest  map[Chain]*NetworkConditions
}

func NewGasPricer(log *zap.Logger, cfg GasConfig, manager *ProviderManager) *GasPricer {
	return &GasPricer{
		log:     log.Named("gas"),
		cfg:     cfg,
		manager: manager,
		history: make(map[Chain]map[CongestionTier][]*big.Int),
		latest:  make(map[Chain]*NetworkConditions),
	}
}

func congestionTier(utilization float64) CongestionTier {
	switch {
	case utilization > 0.95:
		return CongestionExtreme
	case utilization > 0.8:
		return CongestionHigh
	case utilization > 0.6:
		return CongestionMedium
	default:
		return CongestionLow
	}
}

// predictNextBaseFee applies the EIP-1559 rule: above the 50% target the base
// fee rises proportionally to the gap, capped at 12.5% per block, and falls
// symmetrically below it.
func predictNextBaseFee(baseFee *big.Int, utilization float64) *big.Int {
	if baseFee == nil {
		return nil
	}
	gap := (utilization - baseFeeTargetUtilization) / baseFeeTargetUtilization
	changeMilli := int64(gap * 2 * baseFeeMaxChangeMilli)
	if changeMilli > baseFeeMaxChangeMilli {
		changeMilli = baseFeeMaxChangeMilli
	}
	if changeMilli < -baseFeeMaxChangeMilli {
		changeMilli = -baseFeeMaxChangeMilli
	}
	next := new(big.Int).Mul(baseFee, big.NewInt(1000+changeMilli))
	return next.Div(next, big.NewInt(1000))
}

// FetchNetworkConditions recomputes the conditions snapshot from the latest
// block. The pending-count call is best effort and never fails the snapshot.
func (g *GasPricer) FetchNetworkConditions(ctx context.Context, chain Chain) (*NetworkConditions, error) {
	block, err := g.manager.GetBlock(ctx, chain, nil)
	if err != nil {
		return nil, err
	}

	pending, err := g.manager.PendingTransactionCount(ctx, chain)
	if err != nil {
		g.log.Debug("pending tx count unavailable", zap.String("chain", string(chain)), zap.Error(err))
		pending = 0
	}

	utilization := block.Utilization()
	var baseFee *big.Int
	if block.BaseFee != nil {
		baseFee = block.BaseFee.ToInt()
	}
	tier := congestionTier(utilization)

	cond := &NetworkConditions{
		BaseFee:        baseFee,
		NextBaseFee:    predictNextBaseFee(baseFee, utilization),
		Utilization:    utilization,
		PendingTxCount: pending,
		Congestion:     tier,
		EstimatedWait:  tierConfirmationWait[tier],
	}

	g.mu.Lock()
	g.latest[chain] = cond
	g.mu.Unlock()
	return cond, nil
}

// Conditions returns the last polled snapshot, nil before the first poll.
func (g *GasPricer) Conditions(chain Chain) *NetworkConditions {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[chain]
}

// StartPolling refreshes network conditions per chain on a fixed interval,
// retrying transient provider errors with exponential backoff.
func (g *GasPricer) StartPolling(ctx context.Context, chains []Chain) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(g.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, chain := range chains {
					back := backoff.NewExponentialBackOff()
					back.MaxInterval = 3 * time.Second
					back.MaxElapsedTime = g.cfg.PollInterval
					err := backoff.Retry(func() error {
						_, err := g.FetchNetworkConditions(ctx, chain)
						return err
					}, backoff.WithContext(back, ctx))
					if err != nil {
						g.log.Warn("failed to refresh network conditions",
							zap.String("chain", string(chain)), zap.Error(err))
					}
				}
			}
		}
	}()
	return wg
}

func (g *GasPricer) recordPrice(chain Chain, tier CongestionTier, price *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byTier, ok := g.history[chain]
	if !ok {
		byTier = make(map[CongestionTier][]*big.Int)
		g.history[chain] = byTier
	}
	ring := append(byTier[tier], new(big.Int).Set(price))
	if len(ring) > g.cfg.HistorySize {
		ring = ring[len(ring)-g.cfg.HistorySize:]
	}
	byTier[tier] = ring
}

func (g *GasPricer) historicalAverage(chain Chain, tier CongestionTier) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ring := g.history[chain][tier]
	if len(ring) == 0 {
		return nil
	}
	sum := new(big.Int)
	for _, p := range ring {
		sum.Add(sum, p)
	}
	return sum.Div(sum, big.NewInt(int64(len(ring))))
}

func mulMilli(v *big.Int, milli int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(milli))
	return out.Div(out, big.NewInt(1000))
}

// EstimateOptimalGas produces a priced gas envelope for the request under the
// given strategy. The gas limit carries a 10% safety margin over the base
// estimate.
func (g *GasPricer) EstimateOptimalGas(ctx context.Context, req *TransactionRequest, strategy GasStrategy) (*GasEstimate, error) {
	if strategy == "" {
		strategy = GasStrategyStandard
	}
	sp, ok := strategyParams[strategy]
	if !ok {
		sp = strategyParams[GasStrategyStandard]
		strategy = GasStrategyStandard
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := g.manager.EstimateGas(ctx, req.Chain, CallMsg{
			From:  req.From,
			To:    req.To,
			Value: req.Value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, err
		}
		gasLimit = est
	}
	gasLimit += gasLimit * gasLimitSafetyMarginPct / 100

	cond, err := g.FetchNetworkConditions(ctx, req.Chain)
	if err != nil {
		return nil, err
	}

	refPrice, err := g.manager.GetGasPrice(ctx, req.Chain)
	if err != nil {
		return nil, err
	}

	var price *big.Int
	switch strategy {
	case GasStrategyDynamic, GasStrategyBatch:
		price = new(big.Int).Set(tierBasePrice[cond.Congestion])
		if avg := g.historicalAverage(req.Chain, cond.Congestion); avg != nil {
			price.Add(price, avg)
			price.Div(price, big.NewInt(2))
		}
	default:
		price = mulMilli(refPrice, sp.multiplierMilli)
	}
	g.recordPrice(req.Chain, cond.Congestion, price)

	est := &GasEstimate{
		GasLimit:   gasLimit,
		Confidence: sp.confidence,
		Strategy:   strategy,
	}
	if cond.BaseFee != nil {
		tip := mulMilli(tierPriorityFee[cond.Congestion], sp.multiplierMilli)
		maxFee := new(big.Int).Mul(cond.NextBaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		if maxFee.Cmp(price) < 0 {
			maxFee.Set(price)
		}
		est.MaxPriorityFeePerGas = tip
		est.MaxFeePerGas = maxFee
	} else {
		est.GasPrice = price
	}
	est.TotalCost = new(big.Int).Mul(est.EffectivePrice(), new(big.Int).SetUint64(gasLimit))
	return est, nil
}

// IsRetryableTxError classifies a submission failure by message content.
// Underpriced, gas-funds, stale-nonce and transport errors are worth another
// attempt with adjusted parameters; everything else is fatal immediately.
func IsRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"underpriced",
		"insufficient funds for gas",
		"nonce too low",
		"network",
		"timeout",
		"connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// bump returns a copy of the estimate with all prices scaled by the backoff
// multiplier. Estimates are never mutated in place.
func bumpEstimate(est *GasEstimate, multiplier float64) *GasEstimate {
	milli := int64(multiplier * 1000)
	out := *est
	if est.GasPrice != nil {
		out.GasPrice = mulMilli(est.GasPrice, milli)
	}
	if est.MaxFeePerGas != nil {
		out.MaxFeePerGas = mulMilli(est.MaxFeePerGas, milli)
	}
	if est.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = mulMilli(est.MaxPriorityFeePerGas, milli)
	}
	out.TotalCost = new(big.Int).Mul(out.EffectivePrice(), new(big.Int).SetUint64(out.GasLimit))
	return &out
}

// ExecuteWithRetry submits through submit, bumping the price per attempt on
// retryable failures. A bumped price past the configured ceiling aborts with
// ErrGasPriceCeiling instead of capping silently.
func (g *GasPricer) ExecuteWithRetry(ctx context.Context, est *GasEstimate, submit func(context.Context, *GasEstimate) (common.Hash, error)) (common.Hash, error) {
	current := est
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = 500 * time.Millisecond
	back.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= g.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.IncGasRetries()
			select {
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			case <-time.After(back.NextBackOff()):
			}
		}

		hash, err := submit(ctx, current)
		if err == nil {
			return hash, nil
		}
		lastErr = err
		if !IsRetryableTxError(err) {
			return common.Hash{}, err
		}

		bumped := bumpEstimate(current, g.cfg.BackoffMultiplier)
		if g.cfg.MaxGasPrice != nil && bumped.EffectivePrice().Cmp(g.cfg.MaxGasPrice) > 0 {
			g.log.Error("retry price would exceed ceiling, aborting",
				zap.String("price", bumped.EffectivePrice().String()),
				zap.String("ceiling", g.cfg.MaxGasPrice.String()))
			return common.Hash{}, ErrGasPriceCeiling
		}
		g.log.Debug("retrying with bumped gas price",
			zap.Int("attempt", attempt+1),
			zap.String("price", bumped.EffectivePrice().String()),
			zap.Error(err))
		current = bumped
	}
	return common.Hash{}, lastErr
}
