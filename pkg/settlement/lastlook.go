package settlement

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// decline fails a job whose maker passed on last look. The maker is asked for
// a fresh price so the size of the move can be recorded.
func (e *Engine) decline(ctx context.Context, job *models.Job) error {
	declined := false
	update := models.JobUpdate{
		LastLookResult: &declined,
		FailureReason:  "maker declined last look",
	}

	order := job.Order.(*models.OtcOrder)
	quote, err := e.lastLook.RequestFromMaker(ctx, job.MakerURI, requoteRequest(job, order))
	if err != nil {
		e.logger.DebugWithChain(job.ChainID, "Re-quote after decline of job %s failed: %v", job.ID, err)
	} else if bps, ok := priceDeltaBps(order.MakerAmount, order.TakerAmount, quote.MakerAmount, quote.TakerAmount); ok {
		update.LLRejectPriceDifferenceBps = &bps
		e.logger.InfoWithChain(job.ChainID, "Maker declined job %s, price moved %d bps", job.ID, bps)
	}

	return e.fail(ctx, job, models.StatusFailedLastLookDeclined, update)
}

// requoteRequest rebuilds the taker's request for order, keeping the side the taker fixed
func requoteRequest(job *models.Job, order *models.OtcOrder) *models.TradeRequest {
	req := &models.TradeRequest{
		SellToken:        order.TakerToken,
		BuyToken:         order.MakerToken,
		TakerAddress:     job.TakerAddress,
		AffiliateAddress: job.AffiliateAddress,
		Integrator:       models.Integrator{ID: job.IntegratorID},
		LastLook:         true,
	}
	if job.TakerSpecifiedSide == models.SideBuy {
		req.BuyAmount = new(big.Int).Set(order.MakerAmount)
	} else {
		req.SellAmount = new(big.Int).Set(order.TakerAmount)
	}
	return req
}

// priceDeltaBps returns how far the price makerAmount/takerAmount fell from the
// original to the new quote, in basis points rounded to the nearest integer.
// A positive value means the taker would now receive less.
func priceDeltaBps(origMaker, origTaker, newMaker, newTaker *big.Int) (int, bool) {
	for _, v := range []*big.Int{origMaker, origTaker, newMaker, newTaker} {
		if v == nil || v.Sign() <= 0 {
			return 0, false
		}
	}
	// (orig - new) / orig, cross-multiplied so the only division is the last one
	delta := decimal.NewFromBigInt(new(big.Int).Sub(
		new(big.Int).Mul(origMaker, newTaker),
		new(big.Int).Mul(newMaker, origTaker),
	), 0)
	denom := decimal.NewFromBigInt(new(big.Int).Mul(origMaker, newTaker), 0)
	bps := delta.Mul(decimal.NewFromInt(10000)).DivRound(denom, 8).Round(0)
	return int(bps.IntPart()), true
}
