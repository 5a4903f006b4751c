package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/yieldsensei/tx-engine/txengine"
)

var ErrPriceNotFound = errors.New("no price for token")

// PriceStore reads token prices that an external feed keeps in a redis hash.
// Keys are <chain>:<token address>, values are decimal USD strings.
type PriceStore struct {
	client  *redis.Client
	hashKey string
}

func NewPriceStore(client *redis.Client, hashKey string) *PriceStore {
	return &PriceStore{client: client, hashKey: hashKey}
}

func (s *PriceStore) TokenPrice(ctx context.Context, chain txengine.Chain, token common.Address) (decimal.Decimal, error) {
	field := fmt.Sprintf("%s:%s", chain, token.Hex())
	val, err := s.client.HGet(ctx, s.hashKey, field).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, ErrPriceNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed price for %s: %w", field, err)
	}
	return price, nil
}
