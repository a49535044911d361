// Package orchestrator decides between maker (RFQ) and AMM liquidity, hands
// out fillable trades and turns signed trades into queued jobs.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-rfq/pkg/ammclient"
	"github.com/speedrun-hq/speedrun-rfq/pkg/balancecache"
	"github.com/speedrun-hq/speedrun-rfq/pkg/jobstore"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/queue"
)

const (
	// DefaultHedgeDelay is how long the RFQ request runs alone before the fallback starts
	DefaultHedgeDelay = 200 * time.Millisecond
	// DefaultMetaTransactionTTL is the validity of a fallback meta-transaction
	DefaultMetaTransactionTTL = 5 * time.Minute
)

// RFQ is the maker side of the orchestrator. *rfq.Requestor implements it.
type RFQ interface {
	RequestIndicative(ctx context.Context, req *models.TradeRequest) (*models.MakerQuote, error)
	RequestFirm(ctx context.Context, req *models.TradeRequest) (*models.MakerQuote, error)
}

// Fallback is the on-chain liquidity source. *ammclient.Client implements it.
type Fallback interface {
	GetPrice(ctx context.Context, req *models.TradeRequest) (*models.Price, error)
	GetQuote(ctx context.Context, req *models.TradeRequest) (*ammclient.Quote, error)
}

// JobStore is the part of jobstore.Store used on submit
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	FindPendingByTakerToken(ctx context.Context, taker, token common.Address) ([]*models.Job, error)
}

// BalanceReader reads a taker's min(balance, allowance). *balancecache.Cache implements it.
type BalanceReader interface {
	GetMinBalanceOrAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
}

// Options configures an Orchestrator
type Options struct {
	ChainID            int
	ExchangeProxy      common.Address
	HedgeDelay         time.Duration
	MetaTransactionTTL time.Duration
}

// SubmitRequest is a trade from FetchQuote signed by the taker
type SubmitRequest struct {
	Trade          models.Trade
	TakerSignature *models.Signature
}

// SubmitResult identifies the job created for a submitted trade
type SubmitResult struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// Orchestrator serves prices and quotes and accepts signed trades
type Orchestrator struct {
	rfq       RFQ
	fallback  Fallback
	quotes    balancecache.QuoteStore
	store     JobStore
	publisher queue.Producer
	balances  BalanceReader
	opts      Options
	logger    logger.Logger
	now       func() time.Time
}

// New creates an orchestrator. fallback may be nil for an RFQ-only service.
func New(
	rfq RFQ,
	fallback Fallback,
	quotes balancecache.QuoteStore,
	store JobStore,
	publisher queue.Producer,
	balances BalanceReader,
	opts Options,
	log logger.Logger,
) *Orchestrator {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if opts.HedgeDelay <= 0 {
		opts.HedgeDelay = DefaultHedgeDelay
	}
	if opts.MetaTransactionTTL <= 0 {
		opts.MetaTransactionTTL = DefaultMetaTransactionTTL
	}
	return &Orchestrator{
		rfq:       rfq,
		fallback:  fallback,
		quotes:    quotes,
		store:     store,
		publisher: publisher,
		balances:  balances,
		opts:      opts,
		logger:    log,
		now:       time.Now,
	}
}

// FetchPrice returns an indicative price, or nil when neither source has liquidity
func (o *Orchestrator) FetchPrice(ctx context.Context, req *models.TradeRequest) (*models.Price, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var fallback func(context.Context) (*models.Price, error)
	if o.fallback != nil {
		fallback = func(ctx context.Context) (*models.Price, error) {
			return o.fallback.GetPrice(ctx, req)
		}
	}
	mq, price, err := hedge(ctx, o.opts.HedgeDelay, func(ctx context.Context) (*models.MakerQuote, error) {
		return o.logRFQError(o.rfq.RequestIndicative(ctx, req))
	}, fallback)

	if mq != nil {
		metrics.QuotesServed.WithLabelValues("price", string(models.SourceRFQ)).Inc()
		return o.rfqPrice(req, mq), nil
	}
	if err != nil {
		return nil, liquidityError(models.ErrFetchPrice, err)
	}
	if price != nil {
		metrics.QuotesServed.WithLabelValues("price", string(models.SourceAMM)).Inc()
	}
	return price, nil
}

// FetchQuote returns a firm price with a trade for the taker to sign, or nil
// when neither source has liquidity. The trade hash is recorded for Submit.
func (o *Orchestrator) FetchQuote(ctx context.Context, req *models.TradeRequest) (*models.Quote, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TakerAddress == (common.Address{}) {
		return nil, models.NewValidationError("takerAddress", "a taker address is required for a firm quote")
	}

	var fallback func(context.Context) (*ammclient.Quote, error)
	if o.fallback != nil {
		fallback = func(ctx context.Context) (*ammclient.Quote, error) {
			return o.fallback.GetQuote(ctx, req)
		}
	}
	mq, amm, err := hedge(ctx, o.opts.HedgeDelay, func(ctx context.Context) (*models.MakerQuote, error) {
		return o.logRFQError(o.rfq.RequestFirm(ctx, req))
	}, fallback)

	var quote *models.Quote
	switch {
	case mq != nil:
		quote, err = o.rfqQuote(ctx, req, mq)
	case err != nil:
		return nil, liquidityError(models.ErrFetchQuote, err)
	case amm != nil:
		quote, err = o.ammQuote(ctx, req, amm)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.QuotesServed.WithLabelValues("quote", string(quote.LiquiditySource)).Inc()
	return quote, nil
}

func (o *Orchestrator) rfqPrice(req *models.TradeRequest, mq *models.MakerQuote) *models.Price {
	gas := decimal.Zero
	if mq.Gas != nil {
		gas = decimal.NewFromBigInt(mq.Gas, 0)
	}
	return &models.Price{
		LiquiditySource:  models.SourceRFQ,
		AllowanceTarget:  o.opts.ExchangeProxy.Hex(),
		BuyAmount:        decimal.NewFromBigInt(mq.MakerAmount, 0),
		SellAmount:       decimal.NewFromBigInt(mq.TakerAmount, 0),
		BuyTokenAddress:  req.BuyToken,
		SellTokenAddress: req.SellToken,
		Gas:              gas,
		Price:            mq.Price,
	}
}

func (o *Orchestrator) rfqQuote(ctx context.Context, req *models.TradeRequest, mq *models.MakerQuote) (*models.Quote, error) {
	if mq.Order == nil {
		return nil, fmt.Errorf("%w: maker %s returned no order", models.ErrFetchQuote, mq.MakerID)
	}
	hash, err := mq.Order.Hash()
	if err != nil {
		return nil, err
	}

	record, err := balancecache.NewQuoteRecord(mq.Order, hash, o.opts.ChainID)
	if err != nil {
		return nil, err
	}
	record.MakerSignature = mq.Signature
	record.MakerURI = mq.MakerURI
	record.IsLastLook = mq.LastLook
	record.TakerAmount = new(big.Int).Set(mq.Order.TakerAmount)
	record.Price = mq.Price
	o.describe(record, req)
	if err := o.quotes.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: failed to record order hash: %v", models.ErrFetchQuote, err)
	}

	return &models.Quote{
		Price: *o.rfqPrice(req, mq),
		Trade: models.Trade{Type: models.KindOtcOrder, Hash: hash, Order: mq.Order},
	}, nil
}

func (o *Orchestrator) ammQuote(ctx context.Context, req *models.TradeRequest, q *ammclient.Quote) (*models.Quote, error) {
	if q.To != o.opts.ExchangeProxy {
		return nil, fmt.Errorf("%w: fallback quote targets %s instead of the exchange proxy", models.ErrFetchQuote, q.To.Hex())
	}
	salt, err := rand.Int(rand.Reader, math.MaxBig256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	mtx := &models.MetaTransaction{
		Signer:                req.TakerAddress,
		MinGasPrice:           big.NewInt(0),
		MaxGasPrice:           new(big.Int).Set(math.MaxBig256),
		ExpirationTimeSeconds: big.NewInt(o.now().Add(o.opts.MetaTransactionTTL).Unix()),
		Salt:                  salt,
		CallData:              q.CallData,
		Value:                 q.Value,
		FeeToken:              req.SellToken,
		FeeAmount:             big.NewInt(0),
		ChainID:               o.opts.ChainID,
		VerifyingContract:     o.opts.ExchangeProxy,
	}
	hash, err := mtx.Hash()
	if err != nil {
		return nil, err
	}

	record, err := balancecache.NewQuoteRecord(mtx, hash, o.opts.ChainID)
	if err != nil {
		return nil, err
	}
	record.TakerAmount = q.Price.SellAmount.BigInt()
	record.Price = q.Price.Price
	o.describe(record, req)
	if err := o.quotes.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: failed to record meta-transaction hash: %v", models.ErrFetchQuote, err)
	}

	return &models.Quote{
		Price: q.Price,
		Trade: models.Trade{Type: models.KindMetaTransaction, Hash: hash, Order: mtx},
	}, nil
}

// describe copies the request fields every quote record carries
func (o *Orchestrator) describe(record *balancecache.QuoteRecord, req *models.TradeRequest) {
	record.IntegratorID = req.Integrator.ID
	record.AffiliateAddress = req.EffectiveAffiliate()
	record.TakerAddress = req.TakerAddress
	record.TakerToken = req.SellToken
	record.TakerSpecifiedSide = req.Side()
	record.Fee = models.Fee{Type: "fixed", Token: req.SellToken, Amount: big.NewInt(0)}
	record.CreatedAt = o.now().UTC()
}

// Submit validates a signed trade against its quote record, writes the job
// and publishes it to the work queue
func (o *Orchestrator) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	trade := req.Trade
	if isNilOrder(trade.Order) || trade.Order.Kind() != trade.Type {
		return nil, models.NewValidationError("trade", fmt.Sprintf("order does not match trade type %q", trade.Type))
	}
	hash, err := trade.Order.Hash()
	if err != nil {
		return nil, models.NewValidationError("trade.order", err.Error())
	}
	if hash != trade.Hash {
		return nil, models.NewValidationError("trade.hash", "hash does not match the order")
	}
	if !o.now().Before(trade.Order.ExpiresAt()) {
		return nil, models.NewValidationError("trade.order", "trade has expired")
	}

	record, err := o.quotes.Get(ctx, trade.Type, hash)
	if errors.Is(err, models.ErrQuoteNotFound) {
		if trade.Type == models.KindMetaTransaction {
			return nil, models.NewValidationError("trade.hash", "MetaTransaction hash not found")
		}
		return nil, models.NewValidationError("trade.hash", "order hash not found")
	}
	if err != nil {
		return nil, err
	}

	pending, err := o.store.FindPendingByTakerToken(ctx, record.TakerAddress, record.TakerToken)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, models.NewStateConflictError("pending trade %s for taker %s and token %s",
			pending[0].ID, record.TakerAddress.Hex(), record.TakerToken.Hex())
	}

	if !models.VerifySignature(req.TakerSignature, hash, record.TakerAddress) {
		return nil, models.NewValidationError("signature", "taker signature does not match the taker address")
	}

	balance, err := o.balances.GetMinBalanceOrAllowance(ctx, record.TakerAddress, o.opts.ExchangeProxy, record.TakerToken)
	if err != nil {
		return nil, err
	}
	if record.TakerAmount != nil && balance.Cmp(record.TakerAmount) < 0 {
		return nil, models.NewValidationError("takerAmount",
			fmt.Sprintf("balance or allowance %s is below the sell amount %s", balance, record.TakerAmount))
	}

	job := o.newJob(trade, hash, record, req.TakerSignature)
	if err := o.store.Create(ctx, job); err != nil {
		if errors.Is(err, jobstore.ErrJobExists) {
			return nil, models.NewStateConflictError("trade %s was already submitted", job.ID)
		}
		return nil, err
	}

	msg, err := queue.NewMessage(job.Kind, job.ID)
	if err != nil {
		return nil, err
	}
	if err := o.publisher.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	o.logger.InfoWithChain(o.opts.ChainID, "Enqueued %s job %s for taker %s", job.Kind, job.ID, record.TakerAddress.Hex())
	return &SubmitResult{JobID: job.ID, Status: job.Status}, nil
}

func (o *Orchestrator) newJob(trade models.Trade, hash common.Hash, record *balancecache.QuoteRecord, takerSig *models.Signature) *models.Job {
	id := hash.Hex()
	if trade.Type == models.KindMetaTransaction {
		id = uuid.NewString()
	}
	now := o.now().UTC()
	return &models.Job{
		ID:                 id,
		Kind:               trade.Type,
		ChainID:            o.opts.ChainID,
		Status:             models.StatusPendingEnqueued,
		Expiry:             trade.Order.ExpiresAt().UTC(),
		Fee:                record.Fee,
		Order:              trade.Order,
		MakerURI:           record.MakerURI,
		IsLastLook:         record.IsLastLook,
		IntegratorID:       record.IntegratorID,
		AffiliateAddress:   record.AffiliateAddress,
		TakerAddress:       record.TakerAddress,
		TakerToken:         record.TakerToken,
		TakerAmount:        record.TakerAmount,
		TakerSpecifiedSide: record.TakerSpecifiedSide,
		TakerSignature:     takerSig,
		MakerSignature:     record.MakerSignature,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// logRFQError logs a failed RFQ request, which counts as no liquidity
func (o *Orchestrator) logRFQError(mq *models.MakerQuote, err error) (*models.MakerQuote, error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.DebugWithChain(o.opts.ChainID, "RFQ request failed, treating as no liquidity: %v", err)
	}
	return mq, err
}

func isNilOrder(order models.Order) bool {
	switch o := order.(type) {
	case *models.OtcOrder:
		return o == nil
	case *models.MetaTransaction:
		return o == nil
	}
	return order == nil
}

// liquidityError keeps fallback validation errors as they are and wraps the rest in sentinel
func liquidityError(sentinel, err error) error {
	if models.IsValidationError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
