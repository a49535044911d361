package rfq

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/balancecache"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultFirmExpiryBuffer is how long a firm quote must remain valid to be accepted
const DefaultFirmExpiryBuffer = 60 * time.Second

// ErrUnknownMaker is returned when a maker uri is not in the registry
var ErrUnknownMaker = errors.New("unknown maker")

// MakerRegistry is the part of makers.Registry used by the requestor
type MakerRegistry interface {
	Eligible(pair models.Pair) []models.Maker
	RecordSuccess(id string)
	RecordFailure(id string) bool
	FindByURI(uri string) (models.Maker, bool)
}

// MakerBalances reads maker min(balance, allowance) values, batched
type MakerBalances interface {
	GetMany(ctx context.Context, spender common.Address, pairs []balancecache.OwnerToken) ([]*big.Int, error)
}

// Options configures a Requestor
type Options struct {
	ChainID          int
	ExchangeProxy    common.Address
	TxOrigin         common.Address
	FirmExpiryBuffer time.Duration
}

// Requestor fans requests out to the eligible makers of a chain and picks the best answer
type Requestor struct {
	client   *Client
	registry MakerRegistry
	balances MakerBalances
	opts     Options
	logger   logger.Logger
	now      func() time.Time
}

// NewRequestor creates a requestor. balances may be nil to skip the maker balance check.
func NewRequestor(client *Client, registry MakerRegistry, balances MakerBalances, opts Options, log logger.Logger) *Requestor {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Requestor{
		client:   client,
		registry: registry,
		balances: balances,
		opts:     opts,
		logger:   log,
		now:      time.Now,
	}
}

// RequestIndicative returns the best indicative quote, or nil when no maker
// answered usefully. Maker failures never surface as errors.
func (r *Requestor) RequestIndicative(ctx context.Context, req *models.TradeRequest) (*models.MakerQuote, error) {
	params := r.params(req)
	quotes := r.fanOut(ctx, req, func(ctx context.Context, maker models.Maker) (*models.MakerQuote, error) {
		resp, err := r.client.GetPrice(ctx, maker, params)
		if err != nil {
			return nil, err
		}
		return r.normalizePrice(maker, req, resp)
	})
	return r.best(ctx, req, quotes, 0)
}

// RequestFirm returns the best firm quote, or nil when no maker answered usefully.
// Quotes from makers without last look carry a verified maker signature.
func (r *Requestor) RequestFirm(ctx context.Context, req *models.TradeRequest) (*models.MakerQuote, error) {
	params := r.params(req)
	quotes := r.fanOut(ctx, req, func(ctx context.Context, maker models.Maker) (*models.MakerQuote, error) {
		resp, err := r.client.GetQuote(ctx, maker, params)
		if err != nil {
			return nil, err
		}
		return r.normalizeQuote(maker, req, resp)
	})
	buffer := r.opts.FirmExpiryBuffer
	if buffer == 0 {
		buffer = DefaultFirmExpiryBuffer
	}
	return r.best(ctx, req, quotes, buffer)
}

// RequestFromMaker asks a single maker for an indicative price, bypassing the
// eligibility check. It is used to re-quote after a last-look decline.
func (r *Requestor) RequestFromMaker(ctx context.Context, makerURI string, req *models.TradeRequest) (*models.MakerQuote, error) {
	maker, ok := r.registry.FindByURI(makerURI)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMaker, makerURI)
	}

	quote, err := r.request(ctx, maker, func(ctx context.Context, maker models.Maker) (*models.MakerQuote, error) {
		resp, err := r.client.GetPrice(ctx, maker, r.params(req))
		if err != nil {
			return nil, err
		}
		return r.normalizePrice(maker, req, resp)
	})
	if err != nil {
		return nil, err
	}
	if !r.usable(quote, req, 0) {
		return nil, ErrNoQuote
	}
	return quote, nil
}

// ConfirmLastLook asks the job's maker to confirm the fill. It returns the
// maker's signature when the maker proceeds.
func (r *Requestor) ConfirmLastLook(ctx context.Context, job *models.Job) (bool, *models.Signature, error) {
	order, ok := job.Order.(*models.OtcOrder)
	if !ok {
		return false, nil, fmt.Errorf("last look is not supported for %s jobs", job.Kind)
	}
	maker, ok := r.registry.FindByURI(job.MakerURI)
	if !ok {
		return false, nil, fmt.Errorf("%w: %s", ErrUnknownMaker, job.MakerURI)
	}
	hash, err := order.Hash()
	if err != nil {
		return false, nil, err
	}

	resp, err := r.client.Sign(ctx, maker, &SignRequest{
		Order:          NewWireOrder(order),
		OrderHash:      hash,
		TakerSignature: job.TakerSignature,
		Fee:            job.Fee,
		Expiry:         fmt.Sprintf("%d", job.Expiry.Unix()),
	})
	if err != nil {
		if ctx.Err() == nil {
			r.registry.RecordFailure(maker.ID)
		}
		metrics.LastLook.WithLabelValues(maker.ID, "error").Inc()
		return false, nil, err
	}
	r.registry.RecordSuccess(maker.ID)

	if !resp.ProceedWithFill {
		metrics.LastLook.WithLabelValues(maker.ID, "declined").Inc()
		r.logger.InfoWithChain(r.opts.ChainID, "Maker %s declined order %s", maker.ID, hash.Hex())
		return false, nil, nil
	}
	if !models.VerifySignature(resp.MakerSignature, hash, order.Maker) {
		metrics.LastLook.WithLabelValues(maker.ID, "invalid_signature").Inc()
		return false, nil, fmt.Errorf("maker %s signed order %s with an invalid signature", maker.ID, hash.Hex())
	}
	metrics.LastLook.WithLabelValues(maker.ID, "accepted").Inc()
	return true, resp.MakerSignature, nil
}

func (r *Requestor) params(req *models.TradeRequest) *RequestParams {
	p := &RequestParams{
		ChainID:      r.opts.ChainID,
		SellToken:    req.SellToken,
		BuyToken:     req.BuyToken,
		SellAmount:   req.SellAmount,
		BuyAmount:    req.BuyAmount,
		TakerAddress: req.TakerAddress,
		TxOrigin:     r.opts.TxOrigin,
		IntegratorID: req.Integrator.ID,
		IsLastLook:   req.LastLook,
	}
	if !req.ComparisonPrice.IsZero() {
		p.ComparisonPrice = req.ComparisonPrice.String()
	}
	return p
}

type fetchFunc func(ctx context.Context, maker models.Maker) (*models.MakerQuote, error)

// fanOut queries every eligible maker in parallel; failed makers are scored and dropped
func (r *Requestor) fanOut(ctx context.Context, req *models.TradeRequest, fetch fetchFunc) []*models.MakerQuote {
	eligible := r.registry.Eligible(req.Pair())
	if len(eligible) == 0 {
		r.logger.DebugWithChain(r.opts.ChainID, "No eligible makers for %s/%s", req.SellToken.Hex(), req.BuyToken.Hex())
		return nil
	}

	results := make([]*models.MakerQuote, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	for i, maker := range eligible {
		i, maker := i, maker
		g.Go(func() error {
			quote, err := r.request(gctx, maker, fetch)
			if err == nil {
				results[i] = quote
			}
			// a maker error must not cancel the other requests
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]*models.MakerQuote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, q)
		}
	}
	return quotes
}

// request runs fetch against one maker and scores the outcome
func (r *Requestor) request(ctx context.Context, maker models.Maker, fetch fetchFunc) (*models.MakerQuote, error) {
	start := time.Now()
	quote, err := fetch(ctx, maker)
	metrics.MakerRequestTime.WithLabelValues(maker.ID).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.MakerRequests.WithLabelValues(maker.ID, "success").Inc()
		r.registry.RecordSuccess(maker.ID)
		return quote, nil
	case errors.Is(err, ErrNoQuote):
		metrics.MakerRequests.WithLabelValues(maker.ID, "no_quote").Inc()
		r.registry.RecordSuccess(maker.ID)
		return nil, err
	case ctx.Err() != nil:
		// the caller gave up or ran out of time; not the maker's fault
		return nil, err
	}

	outcome := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	metrics.MakerRequests.WithLabelValues(maker.ID, outcome).Inc()
	if r.registry.RecordFailure(maker.ID) {
		r.logger.NoticeWithChain(r.opts.ChainID, "Maker %s backed off after repeated failures, last: %v", maker.ID, err)
	} else {
		r.logger.DebugWithChain(r.opts.ChainID, "Maker %s request failed: %v", maker.ID, err)
	}
	return nil, err
}

func (r *Requestor) normalizePrice(maker models.Maker, req *models.TradeRequest, resp *PriceResponse) (*models.MakerQuote, error) {
	if resp.MakerToken != req.BuyToken || resp.TakerToken != req.SellToken {
		return nil, fmt.Errorf("maker %s quoted a different pair", maker.ID)
	}
	makerAmount, err := parseAmount(resp.MakerAmount)
	if err != nil {
		return nil, fmt.Errorf("maker %s makerAmount: %w", maker.ID, err)
	}
	takerAmount, err := parseAmount(resp.TakerAmount)
	if err != nil {
		return nil, fmt.Errorf("maker %s takerAmount: %w", maker.ID, err)
	}
	expiry, err := parseExpiry(resp.Expiry)
	if err != nil {
		return nil, fmt.Errorf("maker %s: %w", maker.ID, err)
	}

	return &models.MakerQuote{
		MakerID:      maker.ID,
		MakerURI:     maker.URI,
		MakerAddress: resp.Maker,
		MakerToken:   resp.MakerToken,
		TakerToken:   resp.TakerToken,
		MakerAmount:  makerAmount,
		TakerAmount:  takerAmount,
		Price:        models.NormalizedPrice(makerAmount, req.BuyTokenDecimals, takerAmount, req.SellTokenDecimals),
		Gas:          parseOptionalAmount(resp.Gas),
		Expiry:       expiry,
		LastLook:     maker.LastLook,
	}, nil
}

func (r *Requestor) normalizeQuote(maker models.Maker, req *models.TradeRequest, resp *QuoteResponse) (*models.MakerQuote, error) {
	order, err := resp.Order.ToOrder()
	if err != nil {
		return nil, fmt.Errorf("maker %s returned a malformed order: %w", maker.ID, err)
	}

	switch {
	case order.MakerToken != req.BuyToken || order.TakerToken != req.SellToken:
		return nil, fmt.Errorf("maker %s quoted a different pair", maker.ID)
	case order.ChainID != r.opts.ChainID:
		return nil, fmt.Errorf("maker %s quoted chain %d", maker.ID, order.ChainID)
	case order.VerifyingContract != r.opts.ExchangeProxy:
		return nil, fmt.Errorf("maker %s quoted verifying contract %s", maker.ID, order.VerifyingContract.Hex())
	case order.TxOrigin != r.opts.TxOrigin:
		return nil, fmt.Errorf("maker %s quoted txOrigin %s", maker.ID, order.TxOrigin.Hex())
	case order.Taker != req.TakerAddress:
		return nil, fmt.Errorf("maker %s quoted taker %s", maker.ID, order.Taker.Hex())
	}

	quote := &models.MakerQuote{
		MakerID:      maker.ID,
		MakerURI:     maker.URI,
		MakerAddress: order.Maker,
		MakerToken:   order.MakerToken,
		TakerToken:   order.TakerToken,
		MakerAmount:  order.MakerAmount,
		TakerAmount:  order.TakerAmount,
		Price:        models.NormalizedPrice(order.MakerAmount, req.BuyTokenDecimals, order.TakerAmount, req.SellTokenDecimals),
		Gas:          parseOptionalAmount(resp.Gas),
		Expiry:       order.ExpiresAt(),
		LastLook:     maker.LastLook,
		Order:        order,
	}
	if maker.LastLook {
		return quote, nil
	}

	hash, err := order.Hash()
	if err != nil {
		return nil, err
	}
	if !models.VerifySignature(resp.Signature, hash, order.Maker) {
		return nil, fmt.Errorf("maker %s returned an invalid order signature", maker.ID)
	}
	quote.Signature = resp.Signature
	return quote, nil
}

// usable reports whether q fills exactly the requested amount and stays valid past the buffer
func (r *Requestor) usable(q *models.MakerQuote, req *models.TradeRequest, buffer time.Duration) bool {
	fixed, other := q.TakerAmount, q.MakerAmount
	if req.Side() == models.SideBuy {
		fixed, other = q.MakerAmount, q.TakerAmount
	}
	if fixed.Cmp(req.Amount()) != 0 || other.Sign() <= 0 {
		return false
	}
	return q.Expiry.After(r.now().Add(buffer))
}

func (r *Requestor) best(ctx context.Context, req *models.TradeRequest, quotes []*models.MakerQuote, buffer time.Duration) (*models.MakerQuote, error) {
	usable := quotes[:0]
	for _, q := range quotes {
		if r.usable(q, req, buffer) {
			usable = append(usable, q)
		} else {
			r.logger.DebugWithChain(r.opts.ChainID, "Dropping quote from %s: wrong size or expiring", q.MakerID)
		}
	}

	usable = r.withMakerBalance(ctx, usable)
	if len(usable) == 0 {
		return nil, nil
	}

	sort.SliceStable(usable, func(i, j int) bool { return better(usable[i], usable[j]) })
	return usable[0], nil
}

// withMakerBalance drops quotes whose maker cannot cover the maker amount. A
// failed balance read leaves no quote, since none can be trusted to fill.
func (r *Requestor) withMakerBalance(ctx context.Context, quotes []*models.MakerQuote) []*models.MakerQuote {
	if r.balances == nil || len(quotes) == 0 {
		return quotes
	}

	var (
		pairs   []balancecache.OwnerToken
		indexes []int
	)
	for i, q := range quotes {
		if q.MakerAddress == (common.Address{}) {
			continue
		}
		pairs = append(pairs, balancecache.OwnerToken{Owner: q.MakerAddress, Token: q.MakerToken})
		indexes = append(indexes, i)
	}
	if len(pairs) == 0 {
		return quotes
	}

	amounts, err := r.balances.GetMany(ctx, r.opts.ExchangeProxy, pairs)
	if err != nil {
		r.logger.ErrorWithChain(r.opts.ChainID, "Failed to read maker balances: %v", err)
		return nil
	}

	drop := make(map[int]bool)
	for k, i := range indexes {
		if amounts[k].Cmp(quotes[i].MakerAmount) < 0 {
			r.logger.DebugWithChain(r.opts.ChainID, "Dropping quote from %s: maker balance %s below %s",
				quotes[i].MakerID, amounts[k], quotes[i].MakerAmount)
			drop[i] = true
		}
	}
	out := make([]*models.MakerQuote, 0, len(quotes))
	for i, q := range quotes {
		if !drop[i] {
			out = append(out, q)
		}
	}
	return out
}

// better orders quotes by price, then lower gas, then maker id. Prices are
// compared exactly as makerAmount/takerAmount since all quotes share a pair.
func better(a, b *models.MakerQuote) bool {
	left := new(big.Int).Mul(a.MakerAmount, b.TakerAmount)
	right := new(big.Int).Mul(b.MakerAmount, a.TakerAmount)
	if c := left.Cmp(right); c != 0 {
		return c > 0
	}
	if c := compareGas(a.Gas, b.Gas); c != 0 {
		return c < 0
	}
	return a.MakerID < b.MakerID
}

// compareGas orders a missing estimate after any reported one
func compareGas(a, b *big.Int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Cmp(b)
}
