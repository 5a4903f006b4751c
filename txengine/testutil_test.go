package txengine

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeProvider is a scriptable in-memory ProviderClient.
type fakeProvider struct {
	id ProviderIdentity

	mu           sync.Mutex
	blockNumber  uint64
	block        *Block
	gasPrice     *big.Int
	gasPriceErr  error
	balance      *big.Int
	estimate     uint64
	pendingNonce uint64
	pendingCount uint64
	sendErr      error
	sendCalls    int
	sentRaw      []hexutil.Bytes
	hashSeq      uint64
}

func newFakeProvider(vendor Vendor, chain Chain) *fakeProvider {
	return &fakeProvider{
		id: ProviderIdentity{Vendor: vendor, Chain: chain},
		block: &Block{
			Number:   100,
			GasUsed:  15_000_000,
			GasLimit: 30_000_000,
		},
		gasPrice: big.NewInt(10_000_000_000), // 10 gwei
		balance:  big.NewInt(1_000_000_000_000_000_000),
		estimate: 100_000,
	}
}

func (f *fakeProvider) Identity() ProviderIdentity { return f.id }

func (f *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNumber, nil
}

func (f *fakeProvider) BlockByNumber(ctx context.Context, number *big.Int) (*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blk := *f.block
	return &blk, nil
}

func (f *fakeProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*RPCTransaction, error) {
	return &RPCTransaction{Hash: hash}, nil
}

func (f *fakeProvider) SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sentRaw = append(f.sentRaw, raw)
	f.hashSeq++
	return common.BigToHash(new(big.Int).SetUint64(f.hashSeq)), nil
}

func (f *fakeProvider) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeProvider) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeProvider) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeProvider) PendingTransactionCount(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingCount, nil
}

func (f *fakeProvider) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeProvider) EstimateGas(ctx context.Context, call CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, nil
}

func (f *fakeProvider) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// recordingObserver captures signals for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	failing  []ProviderIdentity
	acquired int
	released int
	reaped   int
	batches  []BatchSummary
}

func (o *recordingObserver) ProviderFailing(id ProviderIdentity, n int) {
	o.mu.Lock()
	o.failing = append(o.failing, id)
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectionAcquired(ProviderIdentity) {
	o.mu.Lock()
	o.acquired++
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectionReleased(ProviderIdentity) {
	o.mu.Lock()
	o.released++
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectionsReaped(id ProviderIdentity, count int) {
	o.mu.Lock()
	o.reaped += count
	o.mu.Unlock()
}

func (o *recordingObserver) BatchCompleted(summary BatchSummary) {
	o.mu.Lock()
	o.batches = append(o.batches, summary)
	o.mu.Unlock()
}

func (o *recordingObserver) failingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failing)
}

func (o *recordingObserver) reapedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reaped
}

// stubSigner records what it was asked to sign and returns opaque bytes.
type stubSigner struct {
	mu     sync.Mutex
	reqs   []*TransactionRequest
	nonces []uint64
	ests   []*GasEstimate
	err    error
}

func (s *stubSigner) SignTransaction(_ context.Context, req *TransactionRequest, nonce uint64, est *GasEstimate) (hexutil.Bytes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, req)
	s.nonces = append(s.nonces, nonce)
	s.ests = append(s.ests, est)
	return hexutil.Bytes{byte(len(s.reqs))}, nil
}

func (s *stubSigner) signedData() []hexutil.Bytes {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hexutil.Bytes, 0, len(s.reqs))
	for _, req := range s.reqs {
		out = append(out, req.Data)
	}
	return out
}

// fakeMarket serves a fixed pool liquidity.
type fakeMarket struct {
	liquidity decimal.Decimal
	err       error
}

func (m *fakeMarket) PoolLiquidity(context.Context, Chain, common.Address) (decimal.Decimal, error) {
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.liquidity, nil
}

func testLogger() *zap.Logger { return zap.NewNop() }

// newTestStack wires a pool, manager, pricer and batcher around the given
// providers.
func newTestStack(providers ...*fakeProvider) (*ConnectionPool, *ProviderManager, *GasPricer, *TransactionBatcher) {
	log := testLogger()
	pool := NewConnectionPool(log, DefaultPoolConfig(), nil)
	for _, p := range providers {
		pool.AddClient(p)
	}
	manager := NewProviderManager(log, DefaultManagerConfig(), pool, nil)
	pricer := NewGasPricer(log, DefaultGasConfig(), manager)
	batcher := NewTransactionBatcher(log, DefaultBatchConfig(), pricer, manager, nil)
	return pool, manager, pricer, batcher
}
