// Package ammclient provides a client for the on-chain liquidity (AMM) swap API
// used as the fallback price source.
package ammclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/retry"
)

const (
	pricePath = "/swap/v1/price"
	quotePath = "/swap/v1/quote"

	// insufficientLiquidity is the reason reported when no route exists
	insufficientLiquidity = "INSUFFICIENT_ASSET_LIQUIDITY"
)

// DefaultRetryPolicy retries transport failures of the swap API
var DefaultRetryPolicy = retry.Policy{
	MaxAttempts: 2,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
	Jitter:      0.2,
}

// PriceResponse represents the structure of the price endpoint response
type PriceResponse struct {
	Price           decimal.Decimal `json:"price"`
	BuyAmount       string          `json:"buyAmount"`
	SellAmount      string          `json:"sellAmount"`
	Gas             string          `json:"gas"`
	AllowanceTarget common.Address  `json:"allowanceTarget"`
}

// QuoteResponse adds the swap call to a price
type QuoteResponse struct {
	PriceResponse
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value string         `json:"value"`
}

// Quote is a fallback quote: the price and the call that executes the swap
type Quote struct {
	Price    models.Price
	To       common.Address
	CallData []byte
	Value    *big.Int
}

type validationFailure struct {
	Code             int    `json:"code"`
	Reason           string `json:"reason"`
	ValidationErrors []struct {
		Field  string `json:"field"`
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"validationErrors"`
}

// Client represents a swap API client
type Client struct {
	endpoint   string
	httpClient *http.Client
	policy     retry.Policy
	logger     logger.Logger
}

// New creates a new swap API client
func New(endpoint string, timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(timeout),
		policy:     DefaultRetryPolicy,
		logger:     log,
	}
}

// SetRetryPolicy replaces the retry policy
func (c *Client) SetRetryPolicy(p retry.Policy) {
	c.policy = p
}

// GetPrice returns an indicative price, or nil when the swap API has no route
func (c *Client) GetPrice(ctx context.Context, req *models.TradeRequest) (*models.Price, error) {
	var resp PriceResponse
	found, err := c.get(ctx, pricePath, req, &resp)
	if err != nil || !found {
		return nil, err
	}
	price, err := toPrice(req, &resp)
	if err != nil {
		return nil, err
	}
	return price, nil
}

// GetQuote returns a firm quote with the swap call, or nil when the swap API has no route
func (c *Client) GetQuote(ctx context.Context, req *models.TradeRequest) (*Quote, error) {
	var resp QuoteResponse
	found, err := c.get(ctx, quotePath, req, &resp)
	if err != nil || !found {
		return nil, err
	}
	price, err := toPrice(req, &resp.PriceResponse)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, models.NewTransientError("amm", errors.New("quote without call data"))
	}
	value := big.NewInt(0)
	if resp.Value != "" {
		if _, ok := value.SetString(resp.Value, 10); !ok {
			return nil, fmt.Errorf("invalid quote value %q", resp.Value)
		}
	}
	return &Quote{
		Price:    *price,
		To:       resp.To,
		CallData: resp.Data,
		Value:    value,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, req *models.TradeRequest, out interface{}) (bool, error) {
	query := url.Values{}
	query.Set("sellToken", req.SellToken.Hex())
	query.Set("buyToken", req.BuyToken.Hex())
	if req.SellAmount != nil {
		query.Set("sellAmount", req.SellAmount.String())
	} else if req.BuyAmount != nil {
		query.Set("buyAmount", req.BuyAmount.String())
	}
	if req.TakerAddress != (common.Address{}) {
		query.Set("takerAddress", req.TakerAddress.Hex())
	}
	if affiliate := req.EffectiveAffiliate(); affiliate != (common.Address{}) {
		query.Set("affiliateAddress", affiliate.Hex())
	}
	target := c.endpoint + path + "?" + query.Encode()

	found := true
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		found, err = c.fetch(ctx, target, out)
		return err
	})
	return found, err
}

func (c *Client) fetch(ctx context.Context, target string, out interface{}) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build swap request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, models.NewTransientError("amm", err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, models.NewTransientError("amm", fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return c.clientError(bodyBytes)
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, models.NewTransientError("amm", fmt.Errorf("too many requests, body: %s", string(bodyBytes)))
	default:
		return false, models.NewTransientError("amm", fmt.Errorf("service unavailable: status %d, body: %s", resp.StatusCode, string(bodyBytes)))
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return false, fmt.Errorf("failed to decode swap response: %v, body: %s", err, string(bodyBytes))
	}
	return true, nil
}

// clientError maps a 4xx body to "no route" or a ValidationError
func (c *Client) clientError(body []byte) (bool, error) {
	var failure validationFailure
	if err := json.Unmarshal(body, &failure); err != nil {
		return false, models.NewValidationError("", strings.TrimSpace(string(body)))
	}
	for _, ve := range failure.ValidationErrors {
		if ve.Reason == insufficientLiquidity {
			c.logger.Debug("Swap API has no liquidity for %s", ve.Field)
			return false, nil
		}
	}
	if len(failure.ValidationErrors) > 0 {
		first := failure.ValidationErrors[0]
		return false, models.NewValidationError(first.Field, first.Reason)
	}
	return false, models.NewValidationError("", failure.Reason)
}

func toPrice(req *models.TradeRequest, resp *PriceResponse) (*models.Price, error) {
	buyAmount, err := decimal.NewFromString(resp.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid buyAmount %q: %w", resp.BuyAmount, err)
	}
	sellAmount, err := decimal.NewFromString(resp.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid sellAmount %q: %w", resp.SellAmount, err)
	}
	gas := decimal.Zero
	if resp.Gas != "" {
		if gas, err = decimal.NewFromString(resp.Gas); err != nil {
			return nil, fmt.Errorf("invalid gas %q: %w", resp.Gas, err)
		}
	}
	price := models.NormalizedPrice(buyAmount.BigInt(), req.BuyTokenDecimals, sellAmount.BigInt(), req.SellTokenDecimals)
	if price.IsZero() {
		price = resp.Price.Truncate(models.PricePrecision)
	}
	return &models.Price{
		LiquiditySource:  models.SourceAMM,
		AllowanceTarget:  resp.AllowanceTarget.Hex(),
		BuyAmount:        buyAmount,
		SellAmount:       sellAmount,
		BuyTokenAddress:  req.BuyToken,
		SellTokenAddress: req.SellToken,
		Gas:              gas,
		Price:            price,
	}, nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
