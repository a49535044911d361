package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PricePrecision is the number of decimal places kept in a quoted price
const PricePrecision = 6

// Side is the side of the trade whose amount the taker fixed
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// LiquiditySource identifies where a price came from
type LiquiditySource string

const (
	SourceRFQ LiquiditySource = "rfq"
	SourceAMM LiquiditySource = "amm"
)

// Integrator is the API client on whose behalf a trade is quoted
type Integrator struct {
	ID               string         `json:"integratorId"`
	Label            string         `json:"label"`
	AffiliateAddress common.Address `json:"affiliateAddress"`
}

// TradeRequest is a taker's request for a price or quote. Exactly one of
// SellAmount and BuyAmount is set.
type TradeRequest struct {
	SellToken         common.Address
	BuyToken          common.Address
	SellTokenDecimals int32
	BuyTokenDecimals  int32
	SellAmount        *big.Int
	BuyAmount         *big.Int
	TakerAddress      common.Address
	AffiliateAddress  common.Address
	Integrator        Integrator
	LastLook          bool
	// ComparisonPrice is sent to makers as a reference when known
	ComparisonPrice decimal.Decimal
}

// Side reports which amount the taker specified
func (r *TradeRequest) Side() Side {
	if r.SellAmount != nil {
		return SideSell
	}
	return SideBuy
}

// Amount returns the specified amount
func (r *TradeRequest) Amount() *big.Int {
	if r.SellAmount != nil {
		return r.SellAmount
	}
	return r.BuyAmount
}

// Pair returns the canonical token pair of the request
func (r *TradeRequest) Pair() Pair {
	return NewPair(r.SellToken, r.BuyToken)
}

// EffectiveAffiliate returns the request's affiliate address, falling back to the integrator's
func (r *TradeRequest) EffectiveAffiliate() common.Address {
	if r.AffiliateAddress != (common.Address{}) {
		return r.AffiliateAddress
	}
	return r.Integrator.AffiliateAddress
}

// Validate checks the request shape
func (r *TradeRequest) Validate() error {
	if (r.SellAmount == nil) == (r.BuyAmount == nil) {
		return NewValidationError("sellAmount", "exactly one of sellAmount and buyAmount must be provided")
	}
	if r.Amount().Sign() <= 0 {
		return NewValidationError(string(r.Side())+"Amount", "must be greater than 0")
	}
	if r.SellToken == r.BuyToken {
		return NewValidationError("buyToken", "buyToken and sellToken must differ")
	}
	if r.SellToken == (common.Address{}) || r.BuyToken == (common.Address{}) {
		return NewValidationError("sellToken", "token addresses are required")
	}
	if r.SellTokenDecimals < 0 || r.BuyTokenDecimals < 0 {
		return NewValidationError("decimals", "token decimals must not be negative")
	}
	return nil
}

// Price is an indicative price for a trade
type Price struct {
	LiquiditySource  LiquiditySource `json:"liquiditySource"`
	AllowanceTarget  string          `json:"allowanceTarget"`
	BuyAmount        decimal.Decimal `json:"buyAmount"`
	SellAmount       decimal.Decimal `json:"sellAmount"`
	BuyTokenAddress  common.Address  `json:"buyTokenAddress"`
	SellTokenAddress common.Address  `json:"sellTokenAddress"`
	Gas              decimal.Decimal `json:"gas"`
	Price            decimal.Decimal `json:"price"`
}

// Trade is the signable part of a firm quote
type Trade struct {
	Type  JobKind     `json:"type"`
	Hash  common.Hash `json:"hash"`
	Order Order       `json:"order"`
}

// Quote is a firm quote: a price plus a fillable trade
type Quote struct {
	Price
	Trade Trade `json:"trade"`
}

// MakerQuote is one maker's normalized response to an RFQ request
type MakerQuote struct {
	MakerID      string
	MakerURI     string
	MakerAddress common.Address
	MakerToken   common.Address
	TakerToken   common.Address
	MakerAmount  *big.Int
	TakerAmount  *big.Int
	Price        decimal.Decimal
	Gas          *big.Int
	Expiry       time.Time
	LastLook     bool
	Order        *OtcOrder
	Signature    *Signature
}

// NormalizedPrice returns buy / sell after scaling each amount by its decimals,
// truncated to PricePrecision places.
func NormalizedPrice(buyAmount *big.Int, buyDecimals int32, sellAmount *big.Int, sellDecimals int32) decimal.Decimal {
	if sellAmount == nil || sellAmount.Sign() == 0 || buyAmount == nil {
		return decimal.Zero
	}
	buy := decimal.NewFromBigInt(buyAmount, -buyDecimals)
	sell := decimal.NewFromBigInt(sellAmount, -sellDecimals)
	return buy.DivRound(sell, PricePrecision+8).Truncate(PricePrecision)
}
