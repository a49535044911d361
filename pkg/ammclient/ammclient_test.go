package ammclient

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	wmatic = common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")
)

func request() *models.TradeRequest {
	return &models.TradeRequest{
		SellToken:         wmatic,
		BuyToken:          usdc,
		SellTokenDecimals: 18,
		BuyTokenDecimals:  6,
		SellAmount:        new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil),
		AffiliateAddress:  common.HexToAddress("0xaf"),
	}
}

func TestGetPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pricePath, r.URL.Path)
		assert.Equal(t, "1000000000000000000000", r.URL.Query().Get("sellAmount"))
		assert.Equal(t, common.HexToAddress("0xaf").Hex(), r.URL.Query().Get("affiliateAddress"))
		_, _ = w.Write([]byte(`{"price":"1795.12","buyAmount":"1795120000000","sellAmount":"1000000000000000000000","gas":"210000","allowanceTarget":"0xdef1c0ded9bec7f1a1670819833240f027b25eff"}`))
	}))
	defer srv.Close()

	price, err := New(srv.URL, time.Second, nil).GetPrice(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.Equal(t, models.SourceAMM, price.LiquiditySource)
	assert.Equal(t, "1795.12", price.Price.String())
	assert.Equal(t, "210000", price.Gas.String())
}

func TestGetQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, quotePath, r.URL.Path)
		_, _ = w.Write([]byte(`{"price":"1795.12","buyAmount":"1795120000000","sellAmount":"1000000000000000000000","to":"0xdef1c0ded9bec7f1a1670819833240f027b25eff","data":"0x415565b0","value":"0"}`))
	}))
	defer srv.Close()

	quote, err := New(srv.URL, time.Second, nil).GetQuote(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.Equal(t, []byte{0x41, 0x55, 0x65, 0xb0}, quote.CallData)
	assert.Equal(t, int64(0), quote.Value.Int64())
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		noRoute    bool
		validation bool
	}{
		{"no liquidity", 400, `{"code":100,"reason":"Validation Failed","validationErrors":[{"field":"sellAmount","code":1004,"reason":"INSUFFICIENT_ASSET_LIQUIDITY"}]}`, true, false},
		{"dust amount", 400, `{"code":100,"reason":"Validation Failed","validationErrors":[{"field":"sellAmount","code":1001,"reason":"sellAmount below dust threshold"}]}`, false, true},
		{"plain text", 422, `bad request`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			price, err := New(srv.URL, time.Second, nil).GetPrice(context.Background(), request())
			assert.Nil(t, price)
			if tt.noRoute {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.validation, models.IsValidationError(err))
		})
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"buyAmount":"1795120000000","sellAmount":"1000000000000000000000"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, nil)
	client.SetRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	price, err := client.GetPrice(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.Equal(t, int32(2), calls.Load())

	client.SetRetryPolicy(retry.NoRetry)
	calls.Store(0)
	_, err = client.GetPrice(context.Background(), request())
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}
