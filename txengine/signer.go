package txengine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoKeyForAddress = errors.New("no key for address")
	ErrUnknownChain    = errors.New("unknown chain id")
)

// Signer turns a priced request into raw signed bytes. Implementations are
// external collaborators; the engine never holds key material itself.
type Signer interface {
	SignTransaction(ctx context.Context, req *TransactionRequest, nonce uint64, est *GasEstimate) (hexutil.Bytes, error)
}

// LocalSigner signs with in-memory ECDSA keys, one per sender address.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

func (s *LocalSigner) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s.mu.Lock()
	s.keys[addr] = key
	s.mu.Unlock()
	return addr
}

func (s *LocalSigner) SignTransaction(_ context.Context, req *TransactionRequest, nonce uint64, est *GasEstimate) (hexutil.Bytes, error) {
	s.mu.RLock()
	key, ok := s.keys[req.From]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoKeyForAddress
	}

	chainID := req.Chain.ChainID()
	if chainID == nil {
		return nil, ErrUnknownChain
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var tx *types.Transaction
	if est.MaxFeePerGas != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: est.MaxPriorityFeePerGas,
			GasFeeCap: est.MaxFeePerGas,
			Gas:       est.GasLimit,
			To:        req.To,
			Value:     value,
			Data:      req.Data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: est.GasPrice,
			Gas:      est.GasLimit,
			To:       req.To,
			Value:    value,
			Data:     req.Data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}
