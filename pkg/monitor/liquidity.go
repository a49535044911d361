// Package monitor periodically probes the liquidity sources and records what
// they serve.
package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/config"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Status is the gauge value of one probe
type Status int

const (
	StatusFail Status = iota
	StatusNoLiquidity
	StatusLiquidityAvailable
)

const (
	SourceRFQ = "rfq"
	SourceAMM = "amm"

	probeTimeout = 10 * time.Second
)

// probeTaker is the taker address sent with probe requests
var probeTaker = common.HexToAddress("0x4Ea754349AcE5303c82f0d1D491041e042f2ad22")

// RFQSource answers indicative requests from makers
type RFQSource interface {
	RequestIndicative(ctx context.Context, req *models.TradeRequest) (*models.MakerQuote, error)
}

// AMMSource answers indicative requests from the on-chain liquidity service
type AMMSource interface {
	GetPrice(ctx context.Context, req *models.TradeRequest) (*models.Price, error)
}

// Probe is the trade a monitor asks for
type Probe struct {
	Pair    string
	Request *models.TradeRequest
}

// DefaultProbe buys 1e6 base units of WMATIC with USDC on chainID
func DefaultProbe(chainID int) (Probe, error) {
	wmatic, ok := config.GetToken(chainID, "WMATIC")
	if !ok {
		return Probe{}, fmt.Errorf("WMATIC is not known on chain %d", chainID)
	}
	usdc, ok := config.GetToken(chainID, "USDC")
	if !ok {
		return Probe{}, fmt.Errorf("USDC is not known on chain %d", chainID)
	}
	return Probe{
		Pair: wmatic.Symbol + "-" + usdc.Symbol,
		Request: &models.TradeRequest{
			SellToken:         usdc.Address,
			BuyToken:          wmatic.Address,
			SellTokenDecimals: usdc.Decimals,
			BuyTokenDecimals:  wmatic.Decimals,
			BuyAmount:         big.NewInt(1_000_000),
			TakerAddress:      probeTaker,
		},
	}, nil
}

// LiquidityMonitor sets liquidity_monitor_gauge for each source every interval.
// A failed probe is logged and recorded as StatusFail; the loop keeps running.
type LiquidityMonitor struct {
	rfq      RFQSource
	amm      AMMSource
	probe    Probe
	chainID  int
	interval time.Duration
	logger   logger.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewLiquidityMonitor creates a monitor. A nil source is not probed.
func NewLiquidityMonitor(rfq RFQSource, amm AMMSource, probe Probe, chainID int, interval time.Duration, log logger.Logger) *LiquidityMonitor {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &LiquidityMonitor{
		rfq:      rfq,
		amm:      amm,
		probe:    probe,
		chainID:  chainID,
		interval: interval,
		logger:   log,
	}
}

// Start runs a probe immediately and then every interval
func (m *LiquidityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(ctx, m.stopChan, m.done)
}

// Stop halts the loop and waits for a running probe to finish
func (m *LiquidityMonitor) Stop() {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return
	}
	close(m.stopChan)
	done := m.done
	m.done = nil
	m.mu.Unlock()

	<-done
}

func (m *LiquidityMonitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce probes every source in parallel and returns the recorded statuses
func (m *LiquidityMonitor) RunOnce(ctx context.Context) map[string]Status {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]Status)
		g       errgroup.Group
	)
	record := func(source string, status Status, err error) {
		if err != nil {
			m.logger.ErrorWithChain(m.chainID, "Liquidity check of %s for %s failed: %v", source, m.probe.Pair, err)
		}
		metrics.LiquidityMonitor.WithLabelValues(m.probe.Pair, source, strconv.Itoa(m.chainID)).Set(float64(status))
		mu.Lock()
		results[source] = status
		mu.Unlock()
	}

	if m.rfq != nil {
		g.Go(func() error {
			quote, err := m.rfq.RequestIndicative(ctx, m.request())
			record(SourceRFQ, statusOf(quote != nil, err), err)
			return nil
		})
	}
	if m.amm != nil {
		g.Go(func() error {
			price, err := m.amm.GetPrice(ctx, m.request())
			record(SourceAMM, statusOf(price != nil, err), err)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.DebugWithChain(m.chainID, "Liquidity for %s: %v", m.probe.Pair, results)
	return results
}

// request returns a copy of the probe so sources never share one
func (m *LiquidityMonitor) request() *models.TradeRequest {
	req := *m.probe.Request
	return &req
}

func statusOf(found bool, err error) Status {
	switch {
	case err != nil:
		return StatusFail
	case found:
		return StatusLiquidityAvailable
	default:
		return StatusNoLiquidity
	}
}
