package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-rfq/pkg/ammclient"
	"github.com/speedrun-hq/speedrun-rfq/pkg/balancecache"
	"github.com/speedrun-hq/speedrun-rfq/pkg/jobstore"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	wmatic = common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")
	proxy  = common.HexToAddress("0xDef1C0ded9bec7F1a1670819833240f027b25EfF")
	maker  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeRFQ struct {
	indicative func(ctx context.Context) (*models.MakerQuote, error)
	firm       func(ctx context.Context) (*models.MakerQuote, error)
}

func (f *fakeRFQ) RequestIndicative(ctx context.Context, _ *models.TradeRequest) (*models.MakerQuote, error) {
	if f.indicative == nil {
		return nil, nil
	}
	return f.indicative(ctx)
}

func (f *fakeRFQ) RequestFirm(ctx context.Context, _ *models.TradeRequest) (*models.MakerQuote, error) {
	if f.firm == nil {
		return nil, nil
	}
	return f.firm(ctx)
}

type fakeFallback struct {
	calls atomic.Int32
	price func(ctx context.Context) (*models.Price, error)
	quote func(ctx context.Context) (*ammclient.Quote, error)
}

func (f *fakeFallback) GetPrice(ctx context.Context, _ *models.TradeRequest) (*models.Price, error) {
	f.calls.Add(1)
	if f.price == nil {
		return nil, nil
	}
	return f.price(ctx)
}

func (f *fakeFallback) GetQuote(ctx context.Context, _ *models.TradeRequest) (*ammclient.Quote, error) {
	f.calls.Add(1)
	if f.quote == nil {
		return nil, nil
	}
	return f.quote(ctx)
}

type fakeBalances struct {
	amount *big.Int
}

func (f *fakeBalances) GetMinBalanceOrAllowance(_ context.Context, _, _, _ common.Address) (*big.Int, error) {
	return f.amount, nil
}

type harness struct {
	orch     *Orchestrator
	rfq      *fakeRFQ
	fallback *fakeFallback
	quotes   *balancecache.MemoryQuoteStore
	store    *jobstore.MemoryStore
	queue    *queue.MemoryQueue
	balances *fakeBalances
	taker    *ecdsa.PrivateKey
}

func newHarness(t *testing.T, hedgeDelay time.Duration) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		rfq:      &fakeRFQ{},
		fallback: &fakeFallback{},
		quotes:   balancecache.NewMemoryQuoteStore(15 * time.Minute),
		store:    jobstore.NewMemoryStore(),
		queue:    queue.NewMemoryQueue("test", 1, 3),
		balances: &fakeBalances{amount: new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)},
		taker:    key,
	}
	h.orch = New(h.rfq, h.fallback, h.quotes, h.store, h.queue, h.balances,
		Options{ChainID: 137, ExchangeProxy: proxy, HedgeDelay: hedgeDelay}, nil)
	return h
}

func (h *harness) takerAddress() common.Address {
	return crypto.PubkeyToAddress(h.taker.PublicKey)
}

func (h *harness) request() *models.TradeRequest {
	return &models.TradeRequest{
		SellToken:         wmatic,
		BuyToken:          usdc,
		SellTokenDecimals: 18,
		BuyTokenDecimals:  6,
		SellAmount:        new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil),
		TakerAddress:      h.takerAddress(),
		Integrator:        models.Integrator{ID: "integrator-1", AffiliateAddress: common.HexToAddress("0xaf")},
	}
}

func (h *harness) order(expiry time.Time) *models.OtcOrder {
	return &models.OtcOrder{
		MakerToken:        usdc,
		TakerToken:        wmatic,
		MakerAmount:       big.NewInt(1800054805473),
		TakerAmount:       new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil),
		Maker:             maker,
		Taker:             h.takerAddress(),
		Expiry:            uint64(expiry.Unix()),
		NonceBucket:       1,
		Nonce:             uint64(expiry.UnixNano()),
		ChainID:           137,
		VerifyingContract: proxy,
	}
}

func makerQuote(order *models.OtcOrder) *models.MakerQuote {
	return &models.MakerQuote{
		MakerID:      "maker-a",
		MakerURI:     "https://maker-a.example",
		MakerAddress: order.Maker,
		MakerToken:   order.MakerToken,
		TakerToken:   order.TakerToken,
		MakerAmount:  order.MakerAmount,
		TakerAmount:  order.TakerAmount,
		Price:        models.NormalizedPrice(order.MakerAmount, 6, order.TakerAmount, 18),
		Gas:          big.NewInt(150000),
		Expiry:       order.ExpiresAt(),
		Order:        order,
		Signature:    &models.Signature{SignatureType: models.SignatureTypeEIP712, V: 27},
	}
}

func ammPrice() *models.Price {
	return &models.Price{
		LiquiditySource:  models.SourceAMM,
		BuyAmount:        decimal.RequireFromString("1795120000000"),
		SellAmount:       decimal.RequireFromString("1000000000000000000000"),
		BuyTokenAddress:  usdc,
		SellTokenAddress: wmatic,
		Price:            decimal.RequireFromString("1795.12"),
	}
}

func TestFetchPricePrefersRFQWithoutCallingFallback(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	order := h.order(time.Now().Add(time.Hour))
	h.rfq.indicative = func(context.Context) (*models.MakerQuote, error) {
		q := makerQuote(order)
		q.Order, q.Signature = nil, nil
		return q, nil
	}
	h.fallback.price = func(context.Context) (*models.Price, error) { return ammPrice(), nil }

	price, err := h.orch.FetchPrice(context.Background(), h.request())
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.Equal(t, models.SourceRFQ, price.LiquiditySource)
	assert.Equal(t, "1800.054805", price.Price.String())
	assert.Equal(t, proxy.Hex(), price.AllowanceTarget)
	assert.Equal(t, int32(0), h.fallback.calls.Load())
}

func TestFetchPriceFallsBackWhenRFQTimesOut(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	h.rfq.indicative = func(ctx context.Context) (*models.MakerQuote, error) {
		select {
		case <-time.After(600 * time.Millisecond):
			return nil, context.DeadlineExceeded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.fallback.price = func(context.Context) (*models.Price, error) { return ammPrice(), nil }

	price, err := h.orch.FetchPrice(context.Background(), h.request())
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.Equal(t, models.SourceAMM, price.LiquiditySource)
	assert.Equal(t, "1795.12", price.Price.String())
	assert.Equal(t, int32(1), h.fallback.calls.Load())
}

func TestFetchPriceRFQWinsOverFasterFallback(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	order := h.order(time.Now().Add(time.Hour))
	h.rfq.indicative = func(context.Context) (*models.MakerQuote, error) {
		time.Sleep(100 * time.Millisecond)
		return makerQuote(order), nil
	}
	h.fallback.price = func(context.Context) (*models.Price, error) {
		p := ammPrice()
		p.Price = decimal.RequireFromString("9999")
		return p, nil
	}

	price, err := h.orch.FetchPrice(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, models.SourceRFQ, price.LiquiditySource)
	assert.Equal(t, int32(1), h.fallback.calls.Load())
}

func TestFetchPriceErrors(t *testing.T) {
	tests := []struct {
		name       string
		rfqErr     error
		fallback   error
		validation bool
	}{
		{"both fail", errors.New("maker down"), models.NewTransientError("amm", errors.New("503")), false},
		{"fallback validation passes through", nil, models.NewValidationError("sellAmount", "below dust threshold"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10*time.Millisecond)
			h.rfq.indicative = func(context.Context) (*models.MakerQuote, error) { return nil, tt.rfqErr }
			h.fallback.price = func(context.Context) (*models.Price, error) { return nil, tt.fallback }

			price, err := h.orch.FetchPrice(context.Background(), h.request())
			assert.Nil(t, price)
			require.Error(t, err)
			assert.Equal(t, tt.validation, models.IsValidationError(err))
			assert.Equal(t, !tt.validation, errors.Is(err, models.ErrFetchPrice))
		})
	}
}

func TestFetchPriceNoLiquidity(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	price, err := h.orch.FetchPrice(context.Background(), h.request())
	require.NoError(t, err)
	assert.Nil(t, price)

	rfqOnly := New(h.rfq, nil, h.quotes, h.store, h.queue, h.balances, Options{ChainID: 137, ExchangeProxy: proxy}, nil)
	price, err = rfqOnly.FetchPrice(context.Background(), h.request())
	require.NoError(t, err)
	assert.Nil(t, price)
}

func TestFetchPriceValidatesRequest(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	req := h.request()
	req.BuyAmount = big.NewInt(1)
	_, err := h.orch.FetchPrice(context.Background(), req)
	assert.True(t, models.IsValidationError(err))
}

func TestFetchQuoteRFQRecordsOrderHash(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	order := h.order(time.Now().Add(time.Hour))
	h.rfq.firm = func(context.Context) (*models.MakerQuote, error) { return makerQuote(order), nil }

	quote, err := h.orch.FetchQuote(context.Background(), h.request())
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.Equal(t, models.SourceRFQ, quote.LiquiditySource)
	assert.Equal(t, models.KindOtcOrder, quote.Trade.Type)

	hash, err := order.Hash()
	require.NoError(t, err)
	assert.Equal(t, hash, quote.Trade.Hash)

	record, err := h.quotes.Get(context.Background(), models.KindOtcOrder, hash)
	require.NoError(t, err)
	assert.Equal(t, "https://maker-a.example", record.MakerURI)
	assert.Equal(t, h.takerAddress(), record.TakerAddress)
	assert.Equal(t, wmatic, record.TakerToken)
	assert.Equal(t, common.HexToAddress("0xaf"), record.AffiliateAddress)
	assert.Equal(t, order.TakerAmount.String(), record.TakerAmount.String())
}

func TestFetchQuoteFallbackBuildsMetaTransaction(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.fallback.quote = func(context.Context) (*ammclient.Quote, error) {
		return &ammclient.Quote{Price: *ammPrice(), To: proxy, CallData: []byte{0x41, 0x55, 0x65, 0xb0}, Value: big.NewInt(0)}, nil
	}

	quote, err := h.orch.FetchQuote(context.Background(), h.request())
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.Equal(t, models.SourceAMM, quote.LiquiditySource)
	require.Equal(t, models.KindMetaTransaction, quote.Trade.Type)

	mtx := quote.Trade.Order.(*models.MetaTransaction)
	assert.Equal(t, h.takerAddress(), mtx.Signer)
	assert.Equal(t, proxy, mtx.VerifyingContract)
	assert.True(t, mtx.ExpiresAt().After(time.Now()))
	assert.Equal(t, 1, mtx.Salt.Sign())

	record, err := h.quotes.Get(context.Background(), models.KindMetaTransaction, quote.Trade.Hash)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", record.TakerAmount.String())
}

func TestFetchQuoteErrors(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)

	req := h.request()
	req.TakerAddress = common.Address{}
	_, err := h.orch.FetchQuote(context.Background(), req)
	assert.True(t, models.IsValidationError(err))

	h.fallback.quote = func(context.Context) (*ammclient.Quote, error) {
		return &ammclient.Quote{Price: *ammPrice(), To: common.HexToAddress("0x01"), CallData: []byte{1}}, nil
	}
	_, err = h.orch.FetchQuote(context.Background(), h.request())
	assert.ErrorIs(t, err, models.ErrFetchQuote)

	h.fallback.quote = func(context.Context) (*ammclient.Quote, error) { return nil, errors.New("boom") }
	_, err = h.orch.FetchQuote(context.Background(), h.request())
	assert.ErrorIs(t, err, models.ErrFetchQuote)
}

// quoteOTC runs a firm RFQ quote for order and returns the signed submit request
func (h *harness) quoteOTC(t *testing.T, order *models.OtcOrder) *SubmitRequest {
	t.Helper()
	h.rfq.firm = func(context.Context) (*models.MakerQuote, error) { return makerQuote(order), nil }
	quote, err := h.orch.FetchQuote(context.Background(), h.request())
	require.NoError(t, err)
	sig, err := models.SignHash(quote.Trade.Hash, h.taker)
	require.NoError(t, err)
	return &SubmitRequest{Trade: quote.Trade, TakerSignature: sig}
}

func TestSubmitEnqueuesOtcJob(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	order := h.order(time.Now().Add(time.Hour))
	req := h.quoteOTC(t, order)

	res, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.Trade.Hash.Hex(), res.JobID)
	assert.Equal(t, models.StatusPendingEnqueued, res.Status)

	job, err := h.store.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.KindOtcOrder, job.Kind)
	assert.Equal(t, "https://maker-a.example", job.MakerURI)
	assert.Equal(t, h.takerAddress(), job.TakerAddress)
	assert.NotNil(t, job.TakerSignature)
	assert.NotNil(t, job.MakerSignature)

	consumer, err := h.queue.Consumer(0)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Message{OrderHash: res.JobID, Type: models.KindOtcOrder}, d.Message())

	// a second trade for the same taker and token is rejected while the first is pending
	next := h.quoteOTC(t, h.order(time.Now().Add(2*time.Hour)))
	_, err = h.orch.Submit(context.Background(), next)
	var conflict *models.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Reason, "pending trade")
}

func TestSubmitEnqueuesMetaTransactionJob(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.fallback.quote = func(context.Context) (*ammclient.Quote, error) {
		return &ammclient.Quote{Price: *ammPrice(), To: proxy, CallData: []byte{0x41}, Value: big.NewInt(0)}, nil
	}
	quote, err := h.orch.FetchQuote(context.Background(), h.request())
	require.NoError(t, err)
	sig, err := models.SignHash(quote.Trade.Hash, h.taker)
	require.NoError(t, err)

	res, err := h.orch.Submit(context.Background(), &SubmitRequest{Trade: quote.Trade, TakerSignature: sig})
	require.NoError(t, err)
	assert.NotEqual(t, quote.Trade.Hash.Hex(), res.JobID)
	assert.Len(t, res.JobID, 36)
	assert.Equal(t, 1, h.queue.Len())
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	quoted := func() *SubmitRequest { return h.quoteOTC(t, h.order(time.Now().Add(time.Hour))) }
	unquoted := func(o *models.OtcOrder) *SubmitRequest {
		hash, err := o.Hash()
		require.NoError(t, err)
		sig, err := models.SignHash(hash, h.taker)
		require.NoError(t, err)
		return &SubmitRequest{Trade: models.Trade{Type: models.KindOtcOrder, Hash: hash, Order: o}, TakerSignature: sig}
	}

	tests := []struct {
		name  string
		build func() *SubmitRequest
		want  string
	}{
		{"type mismatch", func() *SubmitRequest {
			r := quoted()
			r.Trade.Type = models.KindMetaTransaction
			return r
		}, "does not match trade type"},
		{"nil order", func() *SubmitRequest {
			return &SubmitRequest{Trade: models.Trade{Type: models.KindOtcOrder, Order: (*models.OtcOrder)(nil)}}
		}, "does not match trade type"},
		{"hash mismatch", func() *SubmitRequest {
			r := quoted()
			r.Trade.Hash = common.HexToHash("0x1234")
			return r
		}, "hash does not match"},
		{"expired", func() *SubmitRequest {
			return unquoted(h.order(time.Now().Add(-time.Minute)))
		}, "expired"},
		{"unknown order hash", func() *SubmitRequest {
			return unquoted(h.order(time.Now().Add(3 * time.Hour)))
		}, "order hash not found"},
		{"unknown meta-transaction hash", func() *SubmitRequest {
			mtx := &models.MetaTransaction{Signer: h.takerAddress(), ExpirationTimeSeconds: big.NewInt(time.Now().Add(time.Hour).Unix()),
				Salt: big.NewInt(1), ChainID: 137, VerifyingContract: proxy}
			hash, err := mtx.Hash()
			require.NoError(t, err)
			return &SubmitRequest{Trade: models.Trade{Type: models.KindMetaTransaction, Hash: hash, Order: mtx}}
		}, "MetaTransaction hash not found"},
		{"wrong signer", func() *SubmitRequest {
			r := quoted()
			r.TakerSignature, err = models.SignHash(r.Trade.Hash, other)
			require.NoError(t, err)
			return r
		}, "taker signature"},
		{"insufficient balance", func() *SubmitRequest {
			h.balances.amount = big.NewInt(1)
			return quoted()
		}, "below the sell amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(context.Background(), tt.build())
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.want)
		})
	}
	assert.Equal(t, 0, h.queue.Len())
}

func TestHedgeReturnsSecondaryWhenPrimaryEmpty(t *testing.T) {
	one := 1
	p, s, err := hedge(context.Background(), time.Hour,
		func(context.Context) (*int, error) { return nil, errors.New("no") },
		func(context.Context) (*int, error) { return &one, nil })
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 1, *s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = hedge(ctx, time.Hour,
		func(ctx context.Context) (*int, error) { <-ctx.Done(); return nil, ctx.Err() },
		func(ctx context.Context) (*int, error) { <-ctx.Done(); return nil, ctx.Err() })
	assert.Error(t, err)
}
