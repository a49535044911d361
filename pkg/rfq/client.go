// Package rfq talks to market makers: it fans out price and quote requests,
// ranks the responses and runs the last-look confirmation.
package rfq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

const (
	pricePath = "/rfqm/v2/price"
	quotePath = "/rfqm/v2/quote"
	signPath  = "/rfqm/v2/sign"

	apiKeyHeader    = "0x-api-key"
	protocolVersion = "4"
)

// ErrNoQuote is returned by a maker that answered without a usable quote
var ErrNoQuote = errors.New("maker returned no quote")

// RequestParams are the query parameters sent to a maker price or quote endpoint
type RequestParams struct {
	ChainID         int
	SellToken       common.Address
	BuyToken        common.Address
	SellAmount      *big.Int
	BuyAmount       *big.Int
	TakerAddress    common.Address
	TxOrigin        common.Address
	IntegratorID    string
	ComparisonPrice string
	IsLastLook      bool
}

func (p *RequestParams) values() url.Values {
	v := url.Values{}
	v.Set("chainId", strconv.Itoa(p.ChainID))
	v.Set("sellTokenAddress", p.SellToken.Hex())
	v.Set("buyTokenAddress", p.BuyToken.Hex())
	if p.SellAmount != nil {
		v.Set("sellAmountBaseUnits", p.SellAmount.String())
	} else if p.BuyAmount != nil {
		v.Set("buyAmountBaseUnits", p.BuyAmount.String())
	}
	v.Set("takerAddress", p.TakerAddress.Hex())
	v.Set("txOrigin", p.TxOrigin.Hex())
	v.Set("protocolVersion", protocolVersion)
	v.Set("isLastLook", strconv.FormatBool(p.IsLastLook))
	if p.IntegratorID != "" {
		v.Set("integratorId", p.IntegratorID)
	}
	if p.ComparisonPrice != "" {
		v.Set("comparisonPrice", p.ComparisonPrice)
	}
	return v
}

// PriceResponse is a maker's indicative price
type PriceResponse struct {
	MakerToken  common.Address `json:"makerToken"`
	TakerToken  common.Address `json:"takerToken"`
	MakerAmount string         `json:"makerAmount"`
	TakerAmount string         `json:"takerAmount"`
	Maker       common.Address `json:"maker"`
	Expiry      string         `json:"expiry"`
	Gas         string         `json:"gas,omitempty"`
}

// WireOrder is an OtcOrder as makers send and receive it
type WireOrder struct {
	MakerToken        common.Address `json:"makerToken"`
	TakerToken        common.Address `json:"takerToken"`
	MakerAmount       string         `json:"makerAmount"`
	TakerAmount       string         `json:"takerAmount"`
	Maker             common.Address `json:"maker"`
	Taker             common.Address `json:"taker"`
	TxOrigin          common.Address `json:"txOrigin"`
	ExpiryAndNonce    string         `json:"expiryAndNonce"`
	ChainID           int            `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// QuoteResponse is a maker's firm quote. Last-look makers leave the signature
// empty and sign at settlement time.
type QuoteResponse struct {
	Order     *WireOrder        `json:"order"`
	Signature *models.Signature `json:"signature,omitempty"`
	Gas       string            `json:"gas,omitempty"`
}

// SignRequest asks a last-look maker to confirm a fill
type SignRequest struct {
	Order          *WireOrder        `json:"order"`
	OrderHash      common.Hash       `json:"orderHash"`
	TakerSignature *models.Signature `json:"takerSignature"`
	Fee            models.Fee        `json:"fee"`
	Expiry         string            `json:"expiry"`
}

// SignResponse is the maker's last-look decision
type SignResponse struct {
	ProceedWithFill bool              `json:"proceedWithFill"`
	MakerSignature  *models.Signature `json:"makerSignature,omitempty"`
}

// Client is an HTTP client for maker endpoints
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     logger.Logger
}

// NewClient creates a maker client with a per-request timeout. proxyURL, when
// set, routes every maker request through an outbound proxy.
func NewClient(timeout time.Duration, proxyURL string, log logger.Logger) (*Client, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid RFQ proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		logger:     log,
	}, nil
}

// Timeout returns the default per-request timeout
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) timeoutFor(maker models.Maker) time.Duration {
	if maker.Timeout > 0 {
		return maker.Timeout
	}
	return c.timeout
}

// GetPrice requests an indicative price
func (c *Client) GetPrice(ctx context.Context, maker models.Maker, params *RequestParams) (*PriceResponse, error) {
	var resp PriceResponse
	if err := c.do(ctx, maker, http.MethodGet, pricePath+"?"+params.values().Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.MakerAmount == "" || resp.TakerAmount == "" {
		return nil, ErrNoQuote
	}
	return &resp, nil
}

// GetQuote requests a firm quote
func (c *Client) GetQuote(ctx context.Context, maker models.Maker, params *RequestParams) (*QuoteResponse, error) {
	var resp QuoteResponse
	if err := c.do(ctx, maker, http.MethodGet, quotePath+"?"+params.values().Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, ErrNoQuote
	}
	return &resp, nil
}

// Sign asks the maker to confirm a fill
func (c *Client) Sign(ctx context.Context, maker models.Maker, req *SignRequest) (*SignResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sign request: %w", err)
	}
	var resp SignResponse
	if err := c.do(ctx, maker, http.MethodPost, signPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, maker models.Maker, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(maker))
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, maker.URI+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request for maker %s: %w", maker.ID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if maker.APIKey != "" {
		req.Header.Set(apiKeyHeader, maker.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewTransientError("maker "+maker.ID, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.NewTransientError("maker "+maker.ID, fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return ErrNoQuote
	case resp.StatusCode != http.StatusOK:
		return models.NewTransientError("maker "+maker.ID,
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, truncate(bodyBytes)))
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("maker %s returned malformed response: %w", maker.ID, err)
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}

// ToOrder converts the wire order into a typed OtcOrder
func (w *WireOrder) ToOrder() (*models.OtcOrder, error) {
	makerAmount, err := parseAmount(w.MakerAmount)
	if err != nil {
		return nil, fmt.Errorf("makerAmount: %w", err)
	}
	takerAmount, err := parseAmount(w.TakerAmount)
	if err != nil {
		return nil, fmt.Errorf("takerAmount: %w", err)
	}
	packed, err := parseAmount(w.ExpiryAndNonce)
	if err != nil {
		return nil, fmt.Errorf("expiryAndNonce: %w", err)
	}
	expiry, bucket, nonce := models.DecodeExpiryAndNonce(packed)
	if !expiry.IsUint64() || !bucket.IsUint64() || !nonce.IsUint64() {
		return nil, fmt.Errorf("expiryAndNonce out of range: %s", w.ExpiryAndNonce)
	}
	return &models.OtcOrder{
		MakerToken:        w.MakerToken,
		TakerToken:        w.TakerToken,
		MakerAmount:       makerAmount,
		TakerAmount:       takerAmount,
		Maker:             w.Maker,
		Taker:             w.Taker,
		TxOrigin:          w.TxOrigin,
		Expiry:            expiry.Uint64(),
		NonceBucket:       bucket.Uint64(),
		Nonce:             nonce.Uint64(),
		ChainID:           w.ChainID,
		VerifyingContract: w.VerifyingContract,
	}, nil
}

// NewWireOrder converts an OtcOrder into its wire form
func NewWireOrder(o *models.OtcOrder) *WireOrder {
	return &WireOrder{
		MakerToken:        o.MakerToken,
		TakerToken:        o.TakerToken,
		MakerAmount:       o.MakerAmount.String(),
		TakerAmount:       o.TakerAmount.String(),
		Maker:             o.Maker,
		Taker:             o.Taker,
		TxOrigin:          o.TxOrigin,
		ExpiryAndNonce:    o.ExpiryAndNonce().String(),
		ChainID:           o.ChainID,
		VerifyingContract: o.VerifyingContract,
	}
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing value")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func parseOptionalAmount(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, err := parseAmount(s)
	if err != nil {
		return nil
	}
	return v
}

func parseExpiry(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}, fmt.Errorf("invalid expiry %q", s)
	}
	return time.Unix(v, 0), nil
}
