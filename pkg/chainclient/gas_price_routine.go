package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
)

// GasPriceSuggester returns the node's current gas price
type GasPriceSuggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasPriceRoutine periodically samples the node's suggested gas price so
// that quoting and settlement do not each pay for an RPC round trip
type GasPriceRoutine struct {
	source   GasPriceSuggester
	chainID  int
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
	mu       sync.RWMutex
	running  bool
	latest   *big.Int
	sampled  time.Time
	logger   logger.Logger
	now      func() time.Time
}

// NewGasPriceRoutine creates a new gas price routine
func NewGasPriceRoutine(source GasPriceSuggester, chainID int, interval time.Duration, log logger.Logger) *GasPriceRoutine {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &GasPriceRoutine{
		source:   source,
		chainID:  chainID,
		interval: interval,
		logger:   log,
		now:      time.Now,
	}
}

// Start begins the periodic updates
func (r *GasPriceRoutine) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true

	go r.run(ctx, r.stopChan, r.done)
}

// Stop halts the periodic updates and waits for the loop to exit
func (r *GasPriceRoutine) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	done := r.done
	r.running = false
	r.mu.Unlock()

	<-done
}

// IsRunning returns whether the routine is currently running
func (r *GasPriceRoutine) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *GasPriceRoutine) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.update(ctx)

	for {
		select {
		case <-ticker.C:
			r.update(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *GasPriceRoutine) update(ctx context.Context) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	price, err := r.source.SuggestGasPrice(timeoutCtx)
	if err != nil {
		r.logger.ErrorWithChain(r.chainID, "Failed to update gas price: %v", err)
		return
	}
	r.store(price)
}

func (r *GasPriceRoutine) store(price *big.Int) {
	r.mu.Lock()
	r.latest = new(big.Int).Set(price)
	r.sampled = r.now()
	r.mu.Unlock()

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(price), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(strconv.Itoa(r.chainID)).Set(gwei)
}

// Latest returns the last sampled price if it is younger than two intervals
func (r *GasPriceRoutine) Latest() (*big.Int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.latest == nil || r.now().Sub(r.sampled) > 2*r.interval {
		return nil, false
	}
	return new(big.Int).Set(r.latest), true
}

// SuggestGasPrice serves the sampled price, reading the node when the sample is stale
func (r *GasPriceRoutine) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if price, ok := r.Latest(); ok {
		return price, nil
	}
	price, err := r.source.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}
	r.store(price)
	return new(big.Int).Set(price), nil
}
