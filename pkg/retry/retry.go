// Package retry provides the backoff policy used around calls to makers, RPC nodes and the fallback service.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// Policy is an explicit retry/backoff configuration
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of each delay that is randomized, between 0 and 1
	Jitter float64
}

// DefaultPolicy is used for chain RPC calls
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Jitter:      0.2,
}

// NoRetry runs the operation exactly once
var NoRetry = Policy{MaxAttempts: 1}

// Backoff calculates the delay before retry number attempt (0-based): base * 2^attempt, capped at MaxDelay
func (p Policy) Backoff(attempt int) time.Duration {
	scaled := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	backoff := p.MaxDelay
	if p.MaxDelay <= 0 || scaled < float64(p.MaxDelay) {
		backoff = time.Duration(math.Min(scaled, float64(math.MaxInt64)))
	}
	if p.Jitter > 0 && backoff > 0 {
		spread := float64(backoff) * p.Jitter
		backoff = time.Duration(float64(backoff) - spread + rand.Float64()*2*spread)
	}
	return backoff
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			return err
		}
		if retry, _ := Classify(err); !retry {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// Classify sorts chain and transport errors into retryable and permanent classes.
// Returns (shouldRetry, errorType)
func Classify(err error) (bool, string) {
	errStr := err.Error()

	// already mined or known to the node
	if strings.Contains(errStr, "already known") ||
		strings.Contains(errStr, "known transaction") {
		return false, "already_processed"
	}

	// Network/RPC errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "service unavailable") {
		return true, "network_error"
	}

	// RPC node state errors - retry with longer backoff
	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "header not found") ||
		strings.Contains(errStr, "state inconsistency") ||
		strings.Contains(errStr, "block not found") {
		return true, "node_state_error"
	}

	// Nonce-related errors - retry may help after nonce is corrected
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return true, "nonce_error"
	}

	// Gas-related errors - retry may help if gas prices change
	if strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "max fee per gas less than block base fee") ||
		strings.Contains(errStr, "transaction underpriced") {
		return true, "gas_error"
	}

	// Balance-related errors - permanent failures
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return false, "insufficient_balance"
	}

	// Contract-related errors - permanent failures
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return false, "contract_error"
	}

	return true, "unknown_error"
}
