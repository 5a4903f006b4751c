package txengine

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubRelay struct {
	mu    sync.Mutex
	calls int
}

func (r *stubRelay) String() string { return "stub-relay" }

func (r *stubRelay) SendPrivateTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return common.Hash{0xEE}, nil
}

func (r *stubRelay) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type capturingResults struct {
	mu      sync.Mutex
	stored  []*ExecutionResult
	reqs    []*TransactionRequest
	closed  bool
}

func (c *capturingResults) StoreExecution(ctx context.Context, req *TransactionRequest, res *ExecutionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	c.stored = append(c.stored, res)
	return nil
}

func (c *capturingResults) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func newTestEngine(t *testing.T, analyzer *MEVRiskAnalyzer, relay RelayBackend, results ResultBackend, providers ...*fakeProvider) (*ExecutionEngine, *LocalSigner, common.Address) {
	t.Helper()
	pool, manager, pricer, batcher := newTestStack(providers...)
	engine := NewExecutionEngine(testLogger(), pool, manager, pricer, batcher, analyzer, relay, results)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewLocalSigner()
	from := signer.AddKey(key)
	return engine, signer, from
}

func TestEngineExecuteUnknownChain(t *testing.T) {
	engine, signer, from := newTestEngine(t, nil, nil, nil, newFakeProvider(VendorAlchemy, ChainEthereum))
	res := engine.Execute(context.Background(), &TransactionRequest{Chain: Chain("solana"), From: from}, signer)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrUnknownChain)
}

func TestEngineExecuteNoProviderForChain(t *testing.T) {
	engine, signer, from := newTestEngine(t, nil, nil, nil, newFakeProvider(VendorAlchemy, ChainEthereum))
	res := engine.Execute(context.Background(), &TransactionRequest{Chain: ChainPolygon, From: from}, signer)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrNoProviderForChain)
}

func TestEngineExecuteSuccess(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	engine, signer, from := newTestEngine(t, nil, nil, nil, provider)

	to := common.Address{0x02}
	res := engine.Execute(context.Background(), &TransactionRequest{
		Chain:    ChainEthereum,
		From:     from,
		To:       &to,
		Value:    big.NewInt(1),
		GasLimit: 21_000,
	}, signer)

	require.NoError(t, res.Err)
	require.True(t, res.Success)
	require.NotEqual(t, common.Hash{}, res.TxHash)
	require.EqualValues(t, 23_100, res.GasUsed) // 21k plus the safety margin
	require.NotNil(t, res.GasCost)
	require.Equal(t, 1, provider.sendCount())
}

func TestEngineAppliesMEVProtection(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	pool := decimal.NewFromBigInt(big.NewInt(100), 18)
	analyzer := NewMEVRiskAnalyzer(testLogger(), DefaultMEVConfig(), &fakeMarket{liquidity: pool})
	relay := &stubRelay{}
	engine, signer, from := newTestEngine(t, analyzer, relay, nil, provider)

	to := common.Address{0x02}
	value, _ := new(big.Int).SetString("10000000000000000000", 10) // 10% of the pool
	req := &TransactionRequest{
		Chain:       ChainEthereum,
		From:        from,
		To:          &to,
		Value:       value,
		Data:        swapCalldata(),
		GasLimit:    200_000,
		SlippageBps: 30,
	}
	res := engine.Execute(context.Background(), req, signer)

	require.True(t, res.Success)
	require.Equal(t, common.Hash{0xEE}, res.TxHash)
	require.Equal(t, 1, relay.callCount())
	// the vulnerable transaction bypassed the public mempool entirely
	require.Zero(t, provider.sendCount())

	// the caller's request was rewritten on a copy, not in place
	require.False(t, req.UsePrivateRelay)
	require.EqualValues(t, 30, req.SlippageBps)
}

func TestEngineRelayFallbackToPublic(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	engine, signer, from := newTestEngine(t, nil, nil, nil, provider)

	to := common.Address{0x02}
	res := engine.Execute(context.Background(), &TransactionRequest{
		Chain:           ChainEthereum,
		From:            from,
		To:              &to,
		GasLimit:        21_000,
		UsePrivateRelay: true,
	}, signer)

	// no relay configured: the submission still lands, on the public path
	require.True(t, res.Success)
	require.Equal(t, 1, provider.sendCount())
}

func TestEngineStoresResults(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	results := &capturingResults{}
	engine, signer, from := newTestEngine(t, nil, nil, results, provider)

	to := common.Address{0x02}
	res := engine.Execute(context.Background(), &TransactionRequest{
		Chain:    ChainEthereum,
		From:     from,
		To:       &to,
		GasLimit: 21_000,
	}, signer)
	require.True(t, res.Success)

	engine.backgroundWg.Wait()
	require.Len(t, results.stored, 1)
	require.Equal(t, res, results.stored[0])
	require.Equal(t, from, results.reqs[0].From)
}

func TestEngineBatchRoundTrip(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	engine, signer, from := newTestEngine(t, nil, nil, nil, provider)

	to := common.Address{0x02}
	for i := 0; i < 3; i++ {
		_, err := engine.AddToBatch("b", &TransactionRequest{
			Chain:    ChainEthereum,
			From:     from,
			To:       &to,
			GasLimit: 50_000,
		}, BatchOptions{})
		require.NoError(t, err)
	}

	result, err := engine.ExecuteBatch(context.Background(), "b", signer, BatchSequential)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.TxHashes, 3)
}
