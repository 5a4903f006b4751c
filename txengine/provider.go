package txengine

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

// ProviderClient is the capability contract one upstream endpoint satisfies.
// All calls suspend only at the I/O boundary and honor ctx deadlines.
type ProviderClient interface {
	Identity() ProviderIdentity
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*RPCTransaction, error)
	SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	PendingTransactionCount(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call CallMsg) (uint64, error)
}

// Block is the subset of the block header the engine reads.
type Block struct {
	Number    hexutil.Uint64 `json:"number"`
	BaseFee   *hexutil.Big   `json:"baseFeePerGas"`
	GasUsed   hexutil.Uint64 `json:"gasUsed"`
	GasLimit  hexutil.Uint64 `json:"gasLimit"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	Hash      common.Hash    `json:"hash"`
	TxHashes  []common.Hash  `json:"transactions"`
}

// Utilization returns gasUsed/gasLimit, 0 for an empty limit.
func (b *Block) Utilization() float64 {
	if b.GasLimit == 0 {
		return 0
	}
	return float64(b.GasUsed) / float64(b.GasLimit)
}

type RPCTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Gas         hexutil.Uint64  `json:"gas"`
	GasPrice    *hexutil.Big    `json:"gasPrice"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	Input       hexutil.Bytes   `json:"input"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

// balanceOf(address) selector, computed once.
var balanceOfSelector = methodSelector("balanceOf(address)")

func methodSelector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// JSONRPCProvider binds one JSON-RPC endpoint. Vendors share this one
// implementation; they differ only in endpoint URL.
type JSONRPCProvider struct {
	id      ProviderIdentity
	client  jsonrpc.RPCClient
	limiter *rate.Limiter
	timeout time.Duration
}

func NewJSONRPCProvider(id ProviderIdentity, url string, limit rate.Limit, burst int, timeout time.Duration) *JSONRPCProvider {
	return &JSONRPCProvider{
		id:      id,
		client:  jsonrpc.NewClient(url),
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
	}
}

func (p *JSONRPCProvider) Identity() ProviderIdentity { return p.id }

func (p *JSONRPCProvider) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.CallFor(ctx, out, method, params...)
}

func (p *JSONRPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := p.call(ctx, &out, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (p *JSONRPCProvider) BlockByNumber(ctx context.Context, number *big.Int) (*Block, error) {
	tag := "latest"
	if number != nil {
		tag = hexutil.EncodeBig(number)
	}
	var out Block
	if err := p.call(ctx, &out, "eth_getBlockByNumber", tag, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *JSONRPCProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*RPCTransaction, error) {
	var out RPCTransaction
	if err := p.call(ctx, &out, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *JSONRPCProvider) SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	var out common.Hash
	if err := p.call(ctx, &out, "eth_sendRawTransaction", raw); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

func (p *JSONRPCProvider) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := p.call(ctx, &out, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (p *JSONRPCProvider) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)

	var out hexutil.Bytes
	err := p.call(ctx, &out, "eth_call", map[string]interface{}{
		"to":   token,
		"data": hexutil.Bytes(data),
	}, "latest")
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (p *JSONRPCProvider) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var out hexutil.Uint64
	if err := p.call(ctx, &out, "eth_getTransactionCount", addr, "pending"); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (p *JSONRPCProvider) PendingTransactionCount(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := p.call(ctx, &out, "eth_getBlockTransactionCountByNumber", "pending"); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (p *JSONRPCProvider) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := p.call(ctx, &out, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (p *JSONRPCProvider) EstimateGas(ctx context.Context, call CallMsg) (uint64, error) {
	arg := map[string]interface{}{
		"from": call.From,
	}
	if call.To != nil {
		arg["to"] = *call.To
	}
	if call.Value != nil {
		arg["value"] = hexutil.EncodeBig(call.Value)
	}
	if len(call.Data) > 0 {
		arg["data"] = call.Data
	}
	var out hexutil.Uint64
	if err := p.call(ctx, &out, "eth_estimateGas", arg); err != nil {
		return 0, err
	}
	return uint64(out), nil
}
