package txengine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/spike"
)

// VulnerabilityTier grades a transaction's exposure to adversarial ordering.
type VulnerabilityTier uint8

const (
	TierNone VulnerabilityTier = iota
	TierLow
	TierMedium
	TierHigh
	TierCritical
)

func (t VulnerabilityTier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AttackPattern names the detected MEV pattern, empty when none matched.
type AttackPattern string

const (
	PatternSandwich  AttackPattern = "sandwich"
	PatternFlashloan AttackPattern = "flashloan"
)

// Mitigation is the recommended countermeasure.
type Mitigation string

const (
	MitigationNone          Mitigation = "none"
	MitigationPrivateRelay  Mitigation = "private_relay"
	MitigationSlippageClamp Mitigation = "slippage_clamp"
	MitigationReorder       Mitigation = "reorder"
)

// MEVAnalysis is the risk layer's verdict on one transaction.
type MEVAnalysis struct {
	Tier       VulnerabilityTier
	Pattern    AttackPattern
	Mitigation Mitigation
	Reason     string
}

// MarketDataSource supplies the market context the heuristics need. It is a
// pluggable collaborator; implementations wrap real mempool/market feeds.
type MarketDataSource interface {
	// PoolLiquidity returns the depth of the pool behind the target
	// contract, in wei.
	PoolLiquidity(ctx context.Context, chain Chain, target common.Address) (decimal.Decimal, error)
}

// CachingMarketData wraps a MarketDataSource so that concurrent lookups for
// the same pool collapse into one upstream fetch.
type CachingMarketData struct {
	liquidity *spike.Fetcher[decimal.Decimal]
}

func NewCachingMarketData(src MarketDataSource, ttl time.Duration) *CachingMarketData {
	return &CachingMarketData{
		liquidity: spike.NewFetcher(func(ctx context.Context, key string) (decimal.Decimal, error) {
			chain, target, err := splitMarketKey(key)
			if err != nil {
				return decimal.Zero, err
			}
			return src.PoolLiquidity(ctx, chain, target)
		}, ttl),
	}
}

func marketKey(chain Chain, target common.Address) string {
	return string(chain) + ":" + target.Hex()
}

func splitMarketKey(key string) (Chain, common.Address, error) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return Chain(key[:i]), common.HexToAddress(key[i+1:]), nil
		}
	}
	return "", common.Address{}, fmt.Errorf("malformed market key %q", key)
}

func (c *CachingMarketData) PoolLiquidity(ctx context.Context, chain Chain, target common.Address) (decimal.Decimal, error) {
	return c.liquidity.Get(ctx, marketKey(chain, target))
}

// ChainMarketData reads pool depth straight from chain state, using the
// target contract's native balance as a proxy for its liquidity.
type ChainMarketData struct {
	manager *ProviderManager
}

func NewChainMarketData(manager *ProviderManager) *ChainMarketData {
	return &ChainMarketData{manager: manager}
}

func (c *ChainMarketData) PoolLiquidity(ctx context.Context, chain Chain, target common.Address) (decimal.Decimal, error) {
	balance, err := c.manager.GetBalance(ctx, chain, target)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(balance, 0), nil
}

// RelayBackend submits transactions outside the public mempool.
type RelayBackend interface {
	String() string
	SendPrivateTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error)
}

// JSONRPCRelay speaks eth_sendPrivateTransaction to a private relay endpoint.
type JSONRPCRelay struct {
	url    string
	client jsonrpc.RPCClient
}

func NewJSONRPCRelay(url string) *JSONRPCRelay {
	return &JSONRPCRelay{url: url, client: jsonrpc.NewClient(url)}
}

func (r *JSONRPCRelay) String() string { return r.url }

type privateTxArgs struct {
	Tx          hexutil.Bytes `json:"tx"`
	Preferences struct {
		Fast bool `json:"fast"`
	} `json:"preferences"`
}

func (r *JSONRPCRelay) SendPrivateTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	args := privateTxArgs{Tx: raw}
	args.Preferences.Fast = true
	var hash common.Hash
	err := r.client.CallFor(ctx, &hash, "eth_sendPrivateTransaction", []privateTxArgs{args})
	return hash, err
}

// swap-like selectors watched by the sandwich heuristic
var swapSelectors = [][]byte{
	methodSelector("swapExactTokensForTokens(uint256,uint256,address[],address,uint256)"),
	methodSelector("swapTokensForExactTokens(uint256,uint256,address[],address,uint256)"),
	methodSelector("swapExactETHForTokens(uint256,address[],address,uint256)"),
	methodSelector("swapExactTokensForETH(uint256,uint256,address[],address,uint256)"),
	methodSelector("exactInputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))"),
	methodSelector("exactInput((bytes,address,uint256,uint256,uint256))"),
}

var flashloanSelectors = [][]byte{
	methodSelector("flashLoan(address,address[],uint256[],bytes)"),
	methodSelector("flashLoanSimple(address,address,uint256,bytes)"),
	methodSelector("flash(address,uint256,uint256,bytes)"),
}

func matchesSelector(data []byte, selectors [][]byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, sel := range selectors {
		if bytes.Equal(data[:4], sel) {
			return true
		}
	}
	return false
}

// MEVRiskAnalyzer grades transactions before submission and rewrites the
// vulnerable ones. It never blocks a submission outright.
type MEVRiskAnalyzer struct {
	log    *zap.Logger
	cfg    MEVConfig
	market MarketDataSource
}

func NewMEVRiskAnalyzer(log *zap.Logger, cfg MEVConfig, market MarketDataSource) *MEVRiskAnalyzer {
	return &MEVRiskAnalyzer{
		log:    log.Named("mev"),
		cfg:    cfg,
		market: market,
	}
}

// AnalyzeTransaction matches the transaction shape against known attack
// patterns. When market data is unavailable the analysis degrades to "none
// detected" with a logged warning instead of failing.
func (a *MEVRiskAnalyzer) AnalyzeTransaction(ctx context.Context, req *TransactionRequest) *MEVAnalysis {
	if matchesSelector(req.Data, flashloanSelectors) {
		return &MEVAnalysis{
			Tier:       TierCritical,
			Pattern:    PatternFlashloan,
			Mitigation: MitigationPrivateRelay,
			Reason:     "flashloan entrypoint",
		}
	}
	if !matchesSelector(req.Data, swapSelectors) {
		return &MEVAnalysis{Tier: TierNone, Mitigation: MitigationNone, Reason: "not swap-like"}
	}

	tier := TierLow
	reason := "swap-like calldata"

	// wide or undeclared slippage leaves room for a sandwich
	if req.SlippageBps == 0 || req.SlippageBps > 100 {
		tier = TierMedium
		reason = "swap with loose slippage tolerance"
	}

	if a.market == nil || req.To == nil {
		a.log.Warn("market data unavailable, degrading analysis to none",
			zap.String("chain", string(req.Chain)))
		return &MEVAnalysis{Tier: TierNone, Mitigation: MitigationNone, Reason: "market data unavailable"}
	}

	liquidity, err := a.market.PoolLiquidity(ctx, req.Chain, *req.To)
	if err != nil {
		a.log.Warn("market data unavailable, degrading analysis to none",
			zap.String("chain", string(req.Chain)), zap.Error(err))
		return &MEVAnalysis{Tier: TierNone, Mitigation: MitigationNone, Reason: "market data unavailable"}
	}

	if req.Value != nil && req.Value.Sign() > 0 && liquidity.Sign() > 0 {
		ratio, _ := decimal.NewFromBigInt(req.Value, 0).Div(liquidity).Float64()
		switch {
		case ratio >= a.cfg.LargeTradeRatio:
			tier = TierCritical
			reason = "trade size dominates pool liquidity"
		case ratio >= a.cfg.LargeTradeRatio/10:
			if tier < TierHigh {
				tier = TierHigh
			}
			reason = "trade size significant against pool liquidity"
		}
	}

	analysis := &MEVAnalysis{Tier: tier, Reason: reason}
	if tier >= TierMedium {
		analysis.Pattern = PatternSandwich
	}
	switch {
	case tier >= a.cfg.ProtectionThreshold:
		analysis.Mitigation = MitigationPrivateRelay
	case tier >= TierMedium:
		analysis.Mitigation = MitigationSlippageClamp
	default:
		analysis.Mitigation = MitigationNone
	}
	return analysis
}

// GenerateProtectedTransaction returns a rewritten copy of the request: the
// original is never mutated. Below the protection threshold the request is
// returned unchanged.
func (a *MEVRiskAnalyzer) GenerateProtectedTransaction(req *TransactionRequest, analysis *MEVAnalysis) *TransactionRequest {
	if analysis == nil || analysis.Tier < a.cfg.ProtectionThreshold {
		return req
	}
	protected := req.Copy()
	protected.UsePrivateRelay = true
	protected.Strategy = GasStrategyMEVProtected
	if protected.SlippageBps == 0 || protected.SlippageBps > a.cfg.MaxSlippageBps {
		protected.SlippageBps = a.cfg.MaxSlippageBps
	}
	a.log.Info("rewrote vulnerable transaction",
		zap.String("tier", analysis.Tier.String()),
		zap.String("pattern", string(analysis.Pattern)),
		zap.String("mitigation", string(analysis.Mitigation)))
	return protected
}
