// Package makers holds the configured market makers and their backoff state.
package makers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-rfq/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"golang.org/x/time/rate"
)

// Options configures backoff and rate limiting per maker
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	// FailureWindow resets the failure count when failures stop arriving; zero never resets
	FailureWindow time.Duration
	// RateLimit is requests per second per maker; zero disables limiting
	RateLimit float64
}

type makerState struct {
	maker   models.Maker
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	removed bool
}

// Status is a snapshot of one maker for the status endpoint
type Status struct {
	ID      string               `json:"id"`
	URI     string               `json:"uri"`
	Removed bool                 `json:"removed"`
	Circuit circuitbreaker.State `json:"circuit"`
}

// Registry holds the makers of one chain. Makers are never deleted while the
// process runs; a maker dropped from the source is kept but marked unusable.
type Registry struct {
	source  Source
	chainID int
	opts    Options

	mu     sync.RWMutex
	makers map[string]*makerState

	stopChan chan struct{}
	done     chan struct{}
	logger   logger.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry for chainID
func NewRegistry(source Source, chainID int, opts Options, log logger.Logger) *Registry {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Registry{
		source:  source,
		chainID: chainID,
		opts:    opts,
		makers:  make(map[string]*makerState),
		logger:  log,
		now:     time.Now,
	}
}

// SetClock replaces the time source of the registry and its breakers, for tests
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load performs the initial load
func (r *Registry) Load(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.makers) == 0 {
		r.logger.NoticeWithChain(r.chainID, "No makers configured, RFQ liquidity is disabled")
	}
	return nil
}

// Refresh reloads makers from the source, keeping breaker state for makers that stay
func (r *Registry) Refresh(ctx context.Context) error {
	loaded, err := r.source.Load(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(loaded))
	var chainMakers []models.Maker
	for _, m := range loaded {
		if m.ChainID != r.chainID {
			continue
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate maker id %s", m.ID)
		}
		seen[m.ID] = true
		chainMakers = append(chainMakers, m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range chainMakers {
		if state, ok := r.makers[m.ID]; ok {
			if state.removed {
				r.logger.InfoWithChain(r.chainID, "Maker %s is back in the configuration", m.ID)
			}
			state.maker = m
			state.removed = false
			continue
		}

		r.makers[m.ID] = r.newState(m)
		r.logger.InfoWithChain(r.chainID, "Added maker %s (%s, %d pairs, last look: %t)", m.ID, m.URI, len(m.Pairs), m.LastLook)
	}

	for id, state := range r.makers {
		if !seen[id] && !state.removed {
			state.removed = true
			r.logger.NoticeWithChain(r.chainID, "Maker %s removed from the configuration, marking unusable", id)
		}
	}
	return nil
}

func (r *Registry) newState(m models.Maker) *makerState {
	breaker := circuitbreaker.NewCircuitBreaker("maker:"+m.ID, true, r.opts.FailureThreshold, r.opts.FailureWindow, r.opts.Cooldown, r.logger)
	breaker.SetClock(func() time.Time { return r.now() })

	limiter := rate.NewLimiter(rate.Inf, 0)
	if r.opts.RateLimit > 0 {
		burst := int(r.opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.opts.RateLimit), burst)
	}

	return &makerState{maker: m, breaker: breaker, limiter: limiter}
}

// Start refreshes the registry every interval until Stop
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.stopChan != nil {
		r.mu.Unlock()
		return
	}
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stopChan, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.ErrorWithChain(r.chainID, "Failed to refresh makers: %v", err)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the refresh loop
func (r *Registry) Stop() {
	r.mu.Lock()
	stop, done := r.stopChan, r.done
	r.stopChan = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Eligible returns the usable makers offering pair, sorted by id. A maker is
// skipped while backed off or when it has no request budget left; being
// returned consumes one request from its budget.
func (r *Registry) Eligible(pair models.Pair) []models.Maker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []models.Maker
	for _, state := range r.makers {
		if state.removed || !state.maker.Supports(pair) || state.breaker.IsOpen() {
			continue
		}
		if !state.limiter.AllowN(now, 1) {
			r.logger.DebugWithChain(r.chainID, "Maker %s is over its request budget", state.maker.ID)
			continue
		}
		out = append(out, state.maker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordSuccess clears the maker's failure count
func (r *Registry) RecordSuccess(id string) {
	if state, ok := r.state(id); ok {
		state.breaker.RecordSuccess()
		metrics.MakerDisabled.WithLabelValues(id).Set(0)
	}
}

// RecordFailure counts a timeout or bad response; it returns true when the maker is now backed off
func (r *Registry) RecordFailure(id string) bool {
	state, ok := r.state(id)
	if !ok {
		return false
	}
	open := state.breaker.RecordFailure()
	if open {
		metrics.MakerDisabled.WithLabelValues(id).Set(1)
	}
	return open
}

// Get returns the maker with id
func (r *Registry) Get(id string) (models.Maker, bool) {
	state, ok := r.state(id)
	if !ok {
		return models.Maker{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return state.maker, true
}

// FindByURI returns the maker serving uri
func (r *Registry) FindByURI(uri string) (models.Maker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, state := range r.makers {
		if state.maker.URI == uri {
			return state.maker, true
		}
	}
	return models.Maker{}, false
}

// States returns a snapshot of every maker, sorted by id
func (r *Registry) States() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.makers))
	for id, state := range r.makers {
		out = append(out, Status{
			ID:      id,
			URI:     state.maker.URI,
			Removed: state.removed,
			Circuit: state.breaker.GetState(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset closes the maker's circuit
func (r *Registry) Reset(id string) error {
	state, ok := r.state(id)
	if !ok {
		return fmt.Errorf("unknown maker %s", id)
	}
	state.breaker.Reset()
	metrics.MakerDisabled.WithLabelValues(id).Set(0)
	r.logger.InfoWithChain(r.chainID, "Maker %s circuit reset", id)
	return nil
}

func (r *Registry) state(id string) (*makerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.makers[id]
	return state, ok
}
