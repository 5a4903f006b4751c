package txengine

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func batchedTx(deps ...int) *BatchedTransaction {
	return &BatchedTransaction{Dependencies: deps}
}

func TestResolveOrder(t *testing.T) {
	cases := []struct {
		name     string
		txs      []*BatchedTransaction
		expected []int
		err      error
	}{
		{
			name:     "no dependencies keeps insertion order",
			txs:      []*BatchedTransaction{batchedTx(), batchedTx(), batchedTx()},
			expected: []int{0, 1, 2},
		},
		{
			name:     "dependency precedes dependent",
			txs:      []*BatchedTransaction{batchedTx(2), batchedTx(), batchedTx()},
			expected: []int{2, 0, 1},
		},
		{
			name:     "chain",
			txs:      []*BatchedTransaction{batchedTx(1), batchedTx(2), batchedTx()},
			expected: []int{2, 1, 0},
		},
		{
			name:     "diamond",
			txs:      []*BatchedTransaction{batchedTx(), batchedTx(0), batchedTx(0), batchedTx(1, 2)},
			expected: []int{0, 1, 2, 3},
		},
		{
			name: "cycle rejects the batch",
			txs:  []*BatchedTransaction{batchedTx(1), batchedTx(0)},
			err:  ErrDependencyCycle,
		},
		{
			name: "self cycle rejects the batch",
			txs:  []*BatchedTransaction{batchedTx(0)},
			err:  ErrDependencyCycle,
		},
		{
			name: "out of range dependency",
			txs:  []*BatchedTransaction{batchedTx(5)},
			err:  ErrUnknownDependency,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, err := resolveOrder(tc.txs)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, order)

			// property: nothing ever precedes its dependency
			seen := make(map[int]bool)
			for _, idx := range order {
				for _, dep := range tc.txs[idx].Dependencies {
					require.True(t, seen[dep], "tx %d scheduled before dependency %d", idx, dep)
				}
				seen[idx] = true
			}
		})
	}
}

func TestScheduleByPriority(t *testing.T) {
	txs := []*BatchedTransaction{
		{Priority: 0},
		{Priority: 5},
		{Priority: 9, Dependencies: []int{0}},
	}
	order, err := resolveOrder(txs)
	require.NoError(t, err)

	// the highest priority among ready transactions goes first, but a
	// dependent never jumps its dependency
	require.Equal(t, []int{1, 0, 2}, scheduleByPriority(txs, order))
}

func TestAddToBatchFull(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, manager, pricer, _ := newTestStack(provider)
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 1
	batcher := NewTransactionBatcher(testLogger(), cfg, pricer, manager, nil)

	req := &TransactionRequest{Chain: ChainEthereum}
	idx, err := batcher.AddToBatch("b", req, BatchOptions{})
	require.NoError(t, err)
	require.Zero(t, idx)

	_, err = batcher.AddToBatch("b", req, BatchOptions{})
	require.ErrorIs(t, err, ErrBatchFull)
}

func TestExecuteBatchNotFound(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, _, _, batcher := newTestStack(provider)
	_, err := batcher.ExecuteBatch(context.Background(), "missing", &stubSigner{}, BatchSequential)
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestExecuteBatchPriorityWithDependencies(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, _, _, batcher := newTestStack(provider)

	from := common.Address{0xAA}
	add := func(marker byte, priority int, deps ...int) {
		_, err := batcher.AddToBatch("b", &TransactionRequest{
			Chain:    ChainEthereum,
			From:     from,
			Data:     hexutil.Bytes{marker},
			GasLimit: 50_000,
		}, BatchOptions{Priority: priority, Dependencies: deps})
		require.NoError(t, err)
	}
	add(0xA0, 0)
	add(0xB0, 5)
	add(0xC0, 9, 0)

	signer := &stubSigner{}
	result, err := batcher.ExecuteBatch(context.Background(), "b", signer, BatchSequential)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.TxHashes, 3)
	require.Empty(t, result.Failures)

	require.Equal(t, []hexutil.Bytes{{0xB0}, {0xA0}, {0xC0}}, signer.signedData())
}

func TestExecuteBatchSequencesNonces(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	provider.pendingNonce = 7
	_, _, _, batcher := newTestStack(provider)

	from := common.Address{0xAA}
	for i := 0; i < 3; i++ {
		_, err := batcher.AddToBatch("b", &TransactionRequest{
			Chain: ChainEthereum, From: from, GasLimit: 50_000,
		}, BatchOptions{})
		require.NoError(t, err)
	}

	signer := &stubSigner{}
	_, err := batcher.ExecuteBatch(context.Background(), "b", signer, BatchSequential)
	require.NoError(t, err)
	require.Equal(t, []uint64{7, 8, 9}, signer.nonces)
}

func TestExecuteBatchSmoothsGasWithinSigner(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, _, _, batcher := newTestStack(provider)

	from := common.Address{0xAA}
	_, err := batcher.AddToBatch("b", &TransactionRequest{
		Chain: ChainEthereum, From: from, GasLimit: 50_000, Strategy: GasStrategyAggressive,
	}, BatchOptions{})
	require.NoError(t, err)
	_, err = batcher.AddToBatch("b", &TransactionRequest{
		Chain: ChainEthereum, From: from, GasLimit: 50_000, Strategy: GasStrategyConservative,
	}, BatchOptions{})
	require.NoError(t, err)

	signer := &stubSigner{}
	_, err = batcher.ExecuteBatch(context.Background(), "b", signer, BatchSequential)
	require.NoError(t, err)
	require.Len(t, signer.ests, 2)

	// second price is averaged with the first: (15 + 8) / 2 gwei
	require.Equal(t, big.NewInt(15*params.GWei), signer.ests[0].GasPrice)
	require.Equal(t, big.NewInt(115*params.GWei/10), signer.ests[1].GasPrice)
}

func TestExecuteBatchDropsExpired(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, _, _, batcher := newTestStack(provider)

	past := time.Now().Add(-time.Second)
	_, err := batcher.AddToBatch("b", &TransactionRequest{
		Chain: ChainEthereum, GasLimit: 50_000,
	}, BatchOptions{Deadline: &past})
	require.NoError(t, err)
	_, err = batcher.AddToBatch("b", &TransactionRequest{
		Chain: ChainEthereum, GasLimit: 50_000,
	}, BatchOptions{})
	require.NoError(t, err)

	result, err := batcher.ExecuteBatch(context.Background(), "b", &stubSigner{}, BatchSequential)
	require.NoError(t, err)
	require.Equal(t, 1, result.Dropped)
	require.Len(t, result.TxHashes, 1)
	require.True(t, result.Success)

	// the expired transaction is never submitted or retried
	require.Equal(t, 1, provider.sendCount())
}

func TestExecuteBatchGasCeiling(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, manager, pricer, _ := newTestStack(provider)
	cfg := DefaultBatchConfig()
	cfg.MaxBatchGas = 60_000
	batcher := NewTransactionBatcher(testLogger(), cfg, pricer, manager, nil)

	for i := 0; i < 2; i++ {
		_, err := batcher.AddToBatch("b", &TransactionRequest{
			Chain: ChainEthereum, GasLimit: 50_000,
		}, BatchOptions{})
		require.NoError(t, err)
	}

	_, err := batcher.ExecuteBatch(context.Background(), "b", &stubSigner{}, BatchSequential)
	require.ErrorIs(t, err, ErrBatchGasCeiling)
	// the ceiling is enforced before anything is submitted
	require.Zero(t, provider.sendCount())
}

func TestExecuteBatchFailFast(t *testing.T) {
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	provider.setSendErr(errors.New("boom"))
	_, manager, pricer, _ := newTestStack(provider)
	cfg := DefaultBatchConfig()
	cfg.FailFast = true
	batcher := NewTransactionBatcher(testLogger(), cfg, pricer, manager, nil)

	for i := 0; i < 3; i++ {
		_, err := batcher.AddToBatch("b", &TransactionRequest{
			Chain: ChainEthereum, GasLimit: 50_000,
		}, BatchOptions{})
		require.NoError(t, err)
	}

	result, err := batcher.ExecuteBatch(context.Background(), "b", &stubSigner{}, BatchSequential)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Empty(t, result.TxHashes)
	require.Len(t, result.Failures, 3)

	aborted := 0
	for _, f := range result.Failures {
		if errors.Is(f.Err, ErrBatchAborted) {
			aborted++
		}
	}
	require.Equal(t, 2, aborted)
}

func TestExecuteBatchParallelMatchesSequential(t *testing.T) {
	run := func(mode BatchMode) []common.Hash {
		provider := newFakeProvider(VendorAlchemy, ChainEthereum)
		_, _, _, batcher := newTestStack(provider)
		froms := []common.Address{{0xAA}, {0xBB}}
		for i := 0; i < 4; i++ {
			_, err := batcher.AddToBatch("b", &TransactionRequest{
				Chain: ChainEthereum, From: froms[i%2], GasLimit: 50_000,
			}, BatchOptions{})
			require.NoError(t, err)
		}
		result, err := batcher.ExecuteBatch(context.Background(), "b", &stubSigner{}, mode)
		require.NoError(t, err)
		require.True(t, result.Success)
		hashes := append([]common.Hash(nil), result.TxHashes...)
		sort.Slice(hashes, func(i, j int) bool {
			return hashes[i].Big().Cmp(hashes[j].Big()) < 0
		})
		return hashes
	}

	require.Equal(t, run(BatchSequential), run(BatchParallel))
}

func TestExecuteBatchParallel(t *testing.T) {
	obs := &recordingObserver{}
	provider := newFakeProvider(VendorAlchemy, ChainEthereum)
	_, manager, pricer, _ := newTestStack(provider)
	batcher := NewTransactionBatcher(testLogger(), DefaultBatchConfig(), pricer, manager, obs)

	froms := []common.Address{{0xAA}, {0xBB}}
	for i := 0; i < 4; i++ {
		_, err := batcher.AddToBatch("b", &TransactionRequest{
			Chain: ChainEthereum, From: froms[i%2], GasLimit: 50_000,
		}, BatchOptions{})
		require.NoError(t, err)
	}

	signer := &stubSigner{}
	result, err := batcher.ExecuteBatch(context.Background(), "b", signer, BatchParallel)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.TxHashes, 4)
	require.Empty(t, result.Failures)
	require.EqualValues(t, 4*55_000, result.TotalGas)
	require.True(t, result.EstimatedSavings.IsPositive())

	require.Len(t, obs.batches, 1)
	require.Equal(t, 4, obs.batches[0].Submitted)
}
