package aggregator

import (
	"math/big"

	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

const pricePrecision = 18

// q96 is the uniswap-v3 fixed-point scale (2^96).
var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// synthesize derives the pool price (token1 per token0) from an event's
// raw numeric fields.
func synthesize(ev schema.NormalizedEvent) (string, error) {
	switch ev.Kind {
	case schema.KindSync:
		return syncRatio(ev.Reserve0, ev.Reserve1)
	case schema.KindSwap:
		return swapPrice(ev.SqrtPriceX96)
	default:
		return "", errors.Wrap(exception.ErrUnknownKind, ev.KindName)
	}
}

// syncRatio is reserve1/reserve0.
func syncRatio(reserve0, reserve1 string) (string, error) {
	r0, err := decimal.NewFromString(reserve0)
	if err != nil {
		return "", errors.Wrap(err, "reserve0")
	}
	r1, err := decimal.NewFromString(reserve1)
	if err != nil {
		return "", errors.Wrap(err, "reserve1")
	}
	if r0.IsZero() {
		return "", errors.New("empty pool: reserve0 is zero")
	}
	return r1.DivRound(r0, pricePrecision).String(), nil
}

// swapPrice is (sqrtPriceX96 / 2^96)^2.
func swapPrice(sqrtPriceX96 string) (string, error) {
	sp, err := decimal.NewFromString(sqrtPriceX96)
	if err != nil {
		return "", errors.Wrap(err, "sqrtPriceX96")
	}
	if sp.Sign() <= 0 {
		return "", errors.New("sqrtPriceX96 is not positive")
	}
	ratio := sp.DivRound(q96, 2*pricePrecision)
	return ratio.Mul(ratio).Round(pricePrecision).String(), nil
}
