// Package txengine implements the transaction execution engine: a
// multi-provider connection pool with health-checked failover, a predictive
// gas pricing model, a dependency-aware transaction batcher and an MEV risk
// layer, composed behind a single execution facade.
package txengine

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNoProviderForChain = errors.New("no provider configured for chain")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrGasPriceCeiling    = errors.New("gas price exceeds configured ceiling")
	ErrBatchGasCeiling    = errors.New("batch gas exceeds configured ceiling")
	ErrDependencyCycle    = errors.New("dependency cycle in batch")
	ErrUnknownDependency  = errors.New("dependency index out of range")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrBatchFull          = errors.New("batch is full")
	ErrNoPriceSource      = errors.New("no price source configured")
)

// Vendor identifies an upstream RPC operator.
type Vendor string

const (
	VendorAlchemy   Vendor = "alchemy"
	VendorInfura    Vendor = "infura"
	VendorQuickNode Vendor = "quicknode"
	VendorCustom    Vendor = "custom"
)

// Chain identifies a target network.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainPolygon  Chain = "polygon"
	ChainArbitrum Chain = "arbitrum"
	ChainOptimism Chain = "optimism"
	ChainBase     Chain = "base"
)

var chainIDs = map[Chain]*big.Int{
	ChainEthereum: big.NewInt(1),
	ChainPolygon:  big.NewInt(137),
	ChainArbitrum: big.NewInt(42161),
	ChainOptimism: big.NewInt(10),
	ChainBase:     big.NewInt(8453),
}

// ChainID returns the numeric chain id, or nil for unknown chains.
func (c Chain) ChainID() *big.Int {
	return chainIDs[c]
}

// ProviderIdentity keys pools and statistics maps. Immutable.
type ProviderIdentity struct {
	Vendor Vendor
	Chain  Chain
}

func (id ProviderIdentity) String() string {
	return fmt.Sprintf("%s/%s", id.Vendor, id.Chain)
}

// ProviderHealth is mutated only by the pool's health-check loop and read by
// selection policies.
type ProviderHealth struct {
	Healthy           bool
	Latency           time.Duration
	BlockHeight       uint64
	ConsecutiveErrors int
	LastChecked       time.Time
}

// GasStrategy selects how aggressively a transaction is priced.
type GasStrategy string

const (
	GasStrategyAggressive   GasStrategy = "aggressive"
	GasStrategyStandard     GasStrategy = "standard"
	GasStrategyConservative GasStrategy = "conservative"
	GasStrategyMEVProtected GasStrategy = "mev_protected"
	GasStrategyDynamic      GasStrategy = "dynamic"
	GasStrategyBatch        GasStrategy = "batch"
)

// CongestionTier is a discretized classification of network load.
type CongestionTier uint8

const (
	CongestionLow CongestionTier = iota
	CongestionMedium
	CongestionHigh
	CongestionExtreme
)

func (t CongestionTier) String() string {
	switch t {
	case CongestionLow:
		return "low"
	case CongestionMedium:
		return "medium"
	case CongestionHigh:
		return "high"
	case CongestionExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// NetworkConditions is recomputed per pricing request and never persisted
// across requests.
type NetworkConditions struct {
	BaseFee        *big.Int
	NextBaseFee    *big.Int
	Utilization    float64
	PendingTxCount uint64
	Congestion     CongestionTier
	EstimatedWait  time.Duration
}

// GasEstimate is immutable once produced and consumed once by the submitting
// call. Either GasPrice (legacy) or the MaxFee pair (EIP-1559) is set,
// depending on whether the chain carries a base fee.
type GasEstimate struct {
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	TotalCost            *big.Int
	Confidence           float64
	Strategy             GasStrategy
}

// EffectivePrice returns the price used for cost accounting: the legacy gas
// price when set, the EIP-1559 max fee otherwise.
func (e *GasEstimate) EffectivePrice() *big.Int {
	if e.GasPrice != nil {
		return e.GasPrice
	}
	if e.MaxFeePerGas != nil {
		return e.MaxFeePerGas
	}
	return big.NewInt(0)
}

// TransactionRequest is the engine's inbound unit of work. Callers outside the
// engine produce it; the engine never mutates a request it was handed, it
// copies before rewriting.
type TransactionRequest struct {
	Chain    Chain
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     hexutil.Bytes
	GasLimit uint64 // optional caller hint, 0 means estimate

	Priority     int
	Deadline     *time.Time
	Dependencies []int
	Strategy     GasStrategy

	// SlippageBps is the caller-declared slippage tolerance for swap-like
	// calls, in basis points. 0 means unknown.
	SlippageBps uint64

	// UsePrivateRelay is set by the MEV risk layer when the transaction
	// should bypass the public mempool.
	UsePrivateRelay bool
}

// Copy returns a shallow copy with its own dependency slice.
func (r *TransactionRequest) Copy() *TransactionRequest {
	cp := *r
	if r.Dependencies != nil {
		cp.Dependencies = append([]int(nil), r.Dependencies...)
	}
	return &cp
}

// ExecutionResult is the facade's typed answer. Err is set instead of
// propagating internal errors across the boundary.
type ExecutionResult struct {
	Success bool
	TxHash  common.Hash
	Err     error
	GasUsed uint64
	GasCost *big.Int
	Latency time.Duration
}

// CallMsg is the argument to gas estimation and read-only calls.
type CallMsg struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  hexutil.Bytes
}
