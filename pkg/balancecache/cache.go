// Package balancecache serves maker and taker min(balance, allowance) values
// from a freshness-bounded cache backed by one batched on-chain read.
package balancecache

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
)

// BalanceReader performs the batched min(balance, allowance) read.
// *contracts.BalanceChecker implements it.
type BalanceReader interface {
	GetMinOfBalancesOrAllowances(opts *bind.CallOpts, users []common.Address, tokens []common.Address, spender common.Address) ([]*big.Int, error)
}

// OwnerToken is one (owner, token) pair of a batched lookup
type OwnerToken struct {
	Owner common.Address
	Token common.Address
}

// Key identifies a cache entry
type Key struct {
	ChainID int
	Owner   common.Address
	Spender common.Address
	Token   common.Address
}

type entry struct {
	amount    *big.Int
	fetchedAt time.Time
}

// refreshTimeout bounds a batched read that outlives the caller that started it
const refreshTimeout = 10 * time.Second

// flight is one batched read in progress. amounts and err are set before done is closed.
type flight struct {
	done    chan struct{}
	amounts map[Key]*big.Int
	err     error
}

// Cache is safe for concurrent use
type Cache struct {
	reader    BalanceReader
	chainID   int
	freshness time.Duration

	mu        sync.RWMutex
	entries   map[Key]entry
	inflight  map[Key]*flight
	lastSweep time.Time

	logger logger.Logger
	now    func() time.Time
}

// New creates a cache reading through reader
func New(reader BalanceReader, chainID int, freshness time.Duration, log logger.Logger) *Cache {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Cache{
		reader:    reader,
		chainID:   chainID,
		freshness: freshness,
		entries:   make(map[Key]entry),
		inflight:  make(map[Key]*flight),
		logger:    log,
		now:       time.Now,
	}
}

// GetMinBalanceOrAllowance returns min(balance, allowance to spender) of owner for token
func (c *Cache) GetMinBalanceOrAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	amounts, err := c.GetMany(ctx, spender, []OwnerToken{{Owner: owner, Token: token}})
	if err != nil {
		return nil, err
	}
	return amounts[0], nil
}

// GetMany returns one amount per pair, in order. Stale or missing pairs that
// another caller is already reading wait for that read; the rest are fetched
// together in a single batched read. The read is not tied to ctx, so a caller
// giving up does not fail the others waiting on it.
func (c *Cache) GetMany(ctx context.Context, spender common.Address, pairs []OwnerToken) ([]*big.Int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	result := make([]*big.Int, len(pairs))
	stale := c.lookup(spender, pairs, result)
	metrics.BalanceCacheLookups.WithLabelValues("hit").Add(float64(len(pairs) - len(stale)))
	if len(stale) == 0 {
		return result, nil
	}
	metrics.BalanceCacheLookups.WithLabelValues("miss").Add(float64(len(stale)))

	flights, todo, next := c.join(spender, pairs, stale)
	if len(todo) > 0 {
		go c.fly(context.WithoutCancel(ctx), spender, todo, next)
	}
	if joined := len(flights) - len(todo); joined > 0 {
		c.logger.Debug("Joined in-flight balance reads for %d pairs", joined)
	}

	for _, i := range stale {
		k := c.key(spender, pairs[i])
		f := flights[k]
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		result[i] = new(big.Int).Set(f.amounts[k])
	}
	return result, nil
}

// Len returns the number of cached entries, fresh or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// lookup fills result with fresh entries and returns the indexes still missing
func (c *Cache) lookup(spender common.Address, pairs []OwnerToken, result []*big.Int) []int {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var stale []int
	for i, p := range pairs {
		e, ok := c.entries[c.key(spender, p)]
		if !ok || now.Sub(e.fetchedAt) >= c.freshness {
			stale = append(stale, i)
			continue
		}
		result[i] = new(big.Int).Set(e.amount)
	}
	return stale
}

// join attaches every stale pair to a flight: a finished one when the pair
// became fresh meanwhile, the flight already reading it, or next. It returns
// the pairs next has to read.
func (c *Cache) join(spender common.Address, pairs []OwnerToken, stale []int) (map[Key]*flight, []OwnerToken, *flight) {
	ready := &flight{done: make(chan struct{}), amounts: make(map[Key]*big.Int)}
	close(ready.done)
	next := &flight{done: make(chan struct{}), amounts: make(map[Key]*big.Int)}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	flights := make(map[Key]*flight, len(stale))
	var todo []OwnerToken
	for _, i := range stale {
		k := c.key(spender, pairs[i])
		if _, ok := flights[k]; ok {
			continue
		}
		if e, ok := c.entries[k]; ok && now.Sub(e.fetchedAt) < c.freshness {
			ready.amounts[k] = e.amount
			flights[k] = ready
			continue
		}
		if f, ok := c.inflight[k]; ok {
			flights[k] = f
			continue
		}
		c.inflight[k] = next
		flights[k] = next
		todo = append(todo, pairs[i])
	}
	return flights, todo, next
}

// fly performs the batched read of f, stores the result and releases its waiters
func (c *Cache) fly(ctx context.Context, spender common.Address, pairs []OwnerToken, f *flight) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	amounts, err := c.read(ctx, spender, pairs)

	fetchedAt := c.now()
	c.mu.Lock()
	for i, p := range pairs {
		k := c.key(spender, p)
		if err == nil {
			c.entries[k] = entry{amount: amounts[i], fetchedAt: fetchedAt}
			f.amounts[k] = amounts[i]
		}
		if c.inflight[k] == f {
			delete(c.inflight, k)
		}
	}
	f.err = err
	if err == nil {
		c.sweepLocked(fetchedAt)
	}
	c.mu.Unlock()
	close(f.done)
}

func (c *Cache) read(ctx context.Context, spender common.Address, pairs []OwnerToken) ([]*big.Int, error) {
	owners := make([]common.Address, len(pairs))
	tokens := make([]common.Address, len(pairs))
	for i, p := range pairs {
		owners[i] = p.Owner
		tokens[i] = p.Token
	}

	metrics.BalanceRefreshes.Inc()
	amounts, err := c.reader.GetMinOfBalancesOrAllowances(&bind.CallOpts{Context: ctx}, owners, tokens, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to read balances for %d pairs: %w", len(pairs), err)
	}
	if len(amounts) != len(pairs) {
		return nil, fmt.Errorf("balance read returned %d amounts for %d pairs", len(amounts), len(pairs))
	}
	return amounts, nil
}

// sweepLocked drops entries that are past their freshness window, at most once per window
func (c *Cache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.freshness {
		return
	}
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.freshness {
			delete(c.entries, k)
		}
	}
	c.lastSweep = now
}

func (c *Cache) key(spender common.Address, p OwnerToken) Key {
	return Key{ChainID: c.chainID, Owner: p.Owner, Spender: spender, Token: p.Token}
}
