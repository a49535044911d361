package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// ErrGasPriceAtCap is returned by BumpGasPrice when the previous price already sits at the maximum
var ErrGasPriceAtCap = errors.New("gas price already at maximum")

// GasStrategy chooses gas prices for the first send of a transaction and for same-nonce replacements
type GasStrategy interface {
	InitialGasPrice(ctx context.Context) (*big.Int, error)
	BumpGasPrice(ctx context.Context, previous *big.Int) (*big.Int, error)
}

// MultiplierStrategy applies a multiplier to the suggested price and bumps
// replacements by at least BumpPercent, never exceeding MaxGasPrice
type MultiplierStrategy struct {
	source      GasPriceSuggester
	multiplier  float64
	bumpPercent int64
	maxGasPrice *big.Int
}

var _ GasStrategy = (*MultiplierStrategy)(nil)

// NewMultiplierStrategy creates a strategy reading prices from source
func NewMultiplierStrategy(source GasPriceSuggester, multiplier float64, bumpPercent int, maxGasPrice *big.Int) *MultiplierStrategy {
	return &MultiplierStrategy{
		source:      source,
		multiplier:  multiplier,
		bumpPercent: int64(bumpPercent),
		maxGasPrice: maxGasPrice,
	}
}

// InitialGasPrice returns the suggested price with the multiplier applied
func (s *MultiplierStrategy) InitialGasPrice(ctx context.Context) (*big.Int, error) {
	suggested, err := s.source.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}
	return s.capped(applyMultiplier(suggested, s.multiplier)), nil
}

// BumpGasPrice returns a replacement price: the larger of previous raised by
// BumpPercent (rounded up) and the current multiplied suggestion
func (s *MultiplierStrategy) BumpGasPrice(ctx context.Context, previous *big.Int) (*big.Int, error) {
	if s.maxGasPrice != nil && previous.Cmp(s.maxGasPrice) >= 0 {
		return nil, ErrGasPriceAtCap
	}

	bumped := new(big.Int).Mul(previous, big.NewInt(100+s.bumpPercent))
	bumped.Add(bumped, big.NewInt(99))
	bumped.Div(bumped, big.NewInt(100))

	if suggested, err := s.source.SuggestGasPrice(ctx); err == nil {
		if current := applyMultiplier(suggested, s.multiplier); current.Cmp(bumped) > 0 {
			bumped = current
		}
	}
	return s.capped(bumped), nil
}

func (s *MultiplierStrategy) capped(price *big.Int) *big.Int {
	if s.maxGasPrice != nil && price.Cmp(s.maxGasPrice) > 0 {
		return new(big.Int).Set(s.maxGasPrice)
	}
	return price
}

func applyMultiplier(price *big.Int, multiplier float64) *big.Int {
	multiplied := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(multiplier))
	result, _ := multiplied.Int(nil)
	return result
}
