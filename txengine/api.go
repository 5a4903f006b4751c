package txengine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

const (
	SendTransactionEndpointName    = "engine_sendTransaction"
	SendRawTransactionEndpointName = "engine_sendRawTransaction"
	AddToBatchEndpointName         = "engine_addToBatch"
	ExecuteBatchEndpointName       = "engine_executeBatch"
	HealthEndpointName             = "engine_health"
)

// SendTransactionArgs is the inbound transaction-submission payload.
type SendTransactionArgs struct {
	Chain        string          `json:"chain"`
	From         common.Address  `json:"from"`
	To           *common.Address `json:"to"`
	Value        *hexutil.Big    `json:"value"`
	Data         hexutil.Bytes   `json:"data"`
	GasLimit     hexutil.Uint64  `json:"gasLimit"`
	Priority     int             `json:"priority"`
	Deadline     *int64          `json:"deadline"` // unix seconds
	Dependencies []int           `json:"dependencies"`
	Strategy     string          `json:"strategy"`
	SlippageBps  uint64          `json:"slippageBps"`
}

func (a *SendTransactionArgs) toRequest() *TransactionRequest {
	req := &TransactionRequest{
		Chain:        Chain(a.Chain),
		From:         a.From,
		To:           a.To,
		Data:         a.Data,
		GasLimit:     uint64(a.GasLimit),
		Priority:     a.Priority,
		Dependencies: a.Dependencies,
		Strategy:     GasStrategy(a.Strategy),
		SlippageBps:  a.SlippageBps,
	}
	if a.Value != nil {
		req.Value = a.Value.ToInt()
	}
	if a.Deadline != nil {
		t := time.Unix(*a.Deadline, 0)
		req.Deadline = &t
	}
	return req
}

// SendTransactionResponse mirrors ExecutionResult for the wire.
type SendTransactionResponse struct {
	Success   bool         `json:"success"`
	TxHash    *common.Hash `json:"txHash,omitempty"`
	Error     string       `json:"error,omitempty"`
	GasUsed   uint64       `json:"gasUsed"`
	GasCost   *hexutil.Big `json:"gasCost,omitempty"`
	LatencyMs int64        `json:"latencyMs"`
}

// HealthResponse reports per-provider health for operators.
type HealthResponse struct {
	Providers map[string]ProviderHealth `json:"providers"`
}

// API is the JSON-RPC view of the execution engine. The signer is fixed at
// startup; callers submit unsigned intents, never keys.
type API struct {
	log    *zap.Logger
	engine *ExecutionEngine
	signer Signer
}

func NewAPI(log *zap.Logger, engine *ExecutionEngine, signer Signer) *API {
	return &API{log: log.Named("api"), engine: engine, signer: signer}
}

func (a *API) SendTransaction(ctx context.Context, args SendTransactionArgs) (*SendTransactionResponse, error) {
	res := a.engine.Execute(ctx, args.toRequest(), a.signer)

	out := &SendTransactionResponse{
		Success:   res.Success,
		GasUsed:   res.GasUsed,
		LatencyMs: res.Latency.Milliseconds(),
	}
	if res.Success {
		hash := res.TxHash
		out.TxHash = &hash
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if res.GasCost != nil {
		out.GasCost = (*hexutil.Big)(res.GasCost)
	}
	return out, nil
}

func (a *API) SendRawTransaction(ctx context.Context, chain string, raw hexutil.Bytes) (common.Hash, error) {
	return a.engine.manager.SendTransaction(ctx, Chain(chain), raw)
}

func (a *API) AddToBatch(ctx context.Context, batchID string, args SendTransactionArgs) (int, error) {
	var deadline *time.Time
	if args.Deadline != nil {
		t := time.Unix(*args.Deadline, 0)
		deadline = &t
	}
	return a.engine.AddToBatch(batchID, args.toRequest(), BatchOptions{
		Priority:     args.Priority,
		Dependencies: args.Dependencies,
		Deadline:     deadline,
	})
}

func (a *API) ExecuteBatch(ctx context.Context, batchID string, parallel bool) (*BatchExecutionResult, error) {
	mode := BatchSequential
	if parallel {
		mode = BatchParallel
	}
	return a.engine.ExecuteBatch(ctx, batchID, a.signer, mode)
}

func (a *API) Health(ctx context.Context) (*HealthResponse, error) {
	health := a.engine.manager.HealthStatus()
	out := &HealthResponse{Providers: make(map[string]ProviderHealth, len(health))}
	for id, h := range health {
		out.Providers[id.String()] = h
	}
	return out, nil
}
