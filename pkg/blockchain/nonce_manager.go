package blockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
)

// NonceSource reads the next pending nonce of an account from the chain
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TransactionStatus represents the status of a transaction
type TransactionStatus int

const (
	// TxPending indicates transaction is pending
	TxPending TransactionStatus = iota
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
)

// TransactionRecord tracks the transactions sent with one nonce. Gas bumps
// append to Hashes; the nonce stays the same.
type TransactionRecord struct {
	Nonce     uint64
	Hashes    []common.Hash
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    TransactionStatus
}

// NonceManager allocates nonces per worker account. Each worker owns exactly
// one account so allocation never races across workers, but a worker
// resuming after a crash must re-sync before sending.
type NonceManager struct {
	accounts map[common.Address]*accountNonceData
	mu       sync.RWMutex
	source   NonceSource
	// resync is how long a locally tracked nonce is trusted before the chain is read again
	resync time.Duration
	logger logger.Logger
	now    func() time.Time
}

type accountNonceData struct {
	currentNonce uint64
	pendingTxs   map[uint64]*TransactionRecord
	lastSync     time.Time
	mu           sync.Mutex
}

// NewNonceManager creates a new nonce manager reading from source
func NewNonceManager(source NonceSource, log logger.Logger) *NonceManager {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &NonceManager{
		accounts: make(map[common.Address]*accountNonceData),
		source:   source,
		resync:   5 * time.Minute,
		logger:   log,
		now:      time.Now,
	}
}

// SetResyncInterval sets how long a tracked nonce is trusted without reading the chain
func (nm *NonceManager) SetResyncInterval(d time.Duration) {
	nm.resync = d
}

func (nm *NonceManager) account(address common.Address) *accountNonceData {
	nm.mu.RLock()
	data, exists := nm.accounts[address]
	nm.mu.RUnlock()
	if exists {
		return data
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	if data, exists = nm.accounts[address]; !exists {
		data = &accountNonceData{pendingTxs: make(map[uint64]*TransactionRecord)}
		nm.accounts[address] = data
	}
	return data
}

// GetNonce reserves and returns the next available nonce for address
func (nm *NonceManager) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	if data.lastSync.IsZero() || nm.now().Sub(data.lastSync) > nm.resync {
		if err := nm.syncLocked(ctx, address, data); err != nil {
			return 0, err
		}
	}

	nonce := data.currentNonce
	data.currentNonce++
	return nonce, nil
}

// TrackTransaction records a transaction sent with nonce. Sending again with
// the same nonce appends the replacement hash.
func (nm *NonceManager) TrackTransaction(address common.Address, txHash common.Hash, nonce uint64) {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	now := nm.now()
	record, exists := data.pendingTxs[nonce]
	if !exists {
		record = &TransactionRecord{Nonce: nonce, CreatedAt: now, Status: TxPending}
		data.pendingTxs[nonce] = record
	}
	record.Hashes = append(record.Hashes, txHash)
	record.UpdatedAt = now
	if nonce >= data.currentNonce {
		data.currentNonce = nonce + 1
	}

	nm.logger.Debug("Tracking transaction for %s with nonce %d: %s", address.Hex(), nonce, txHash.Hex())
}

// MarkTransactionConfirmed marks the transactions with nonce as confirmed
func (nm *NonceManager) MarkTransactionConfirmed(address common.Address, nonce uint64) bool {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	if _, exists := data.pendingTxs[nonce]; !exists {
		nm.logger.Debug("No pending transaction found for %s, nonce %d", address.Hex(), nonce)
		return false
	}
	delete(data.pendingTxs, nonce)
	return true
}

// MarkTransactionFailed drops the record for nonce. When it was the lowest
// pending nonce it is handed out again by the next GetNonce and returned.
func (nm *NonceManager) MarkTransactionFailed(address common.Address, nonce uint64) (uint64, bool) {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	if _, exists := data.pendingTxs[nonce]; !exists {
		return 0, false
	}

	lowest := lowestPendingNonce(data)
	delete(data.pendingTxs, nonce)
	if nonce == lowest {
		data.currentNonce = nonce
		nm.logger.Notice("Reusing nonce %d for %s after transaction failure", nonce, address.Hex())
		return nonce, true
	}
	return 0, false
}

// ReuseNonce releases a reserved nonce that was never sent
func (nm *NonceManager) ReuseNonce(address common.Address, nonce uint64) {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	if _, sent := data.pendingTxs[nonce]; sent {
		nm.logger.Notice("Cannot reuse nonce %d for %s, a transaction was sent with it", nonce, address.Hex())
		return
	}
	if data.currentNonce == nonce+1 {
		data.currentNonce = nonce
	}
}

// SyncWithBlockchain reads the pending nonce from the chain and moves the local counter forward if it is behind
func (nm *NonceManager) SyncWithBlockchain(ctx context.Context, address common.Address) error {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()
	return nm.syncLocked(ctx, address, data)
}

func (nm *NonceManager) syncLocked(ctx context.Context, address common.Address, data *accountNonceData) error {
	nonce, err := nm.source.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}
	if nonce > data.currentNonce {
		nm.logger.Debug("Updating nonce for %s: %d -> %d", address.Hex(), data.currentNonce, nonce)
		data.currentNonce = nonce
	}
	data.lastSync = nm.now()
	return nil
}

func lowestPendingNonce(data *accountNonceData) uint64 {
	var lowest uint64
	found := false
	for nonce := range data.pendingTxs {
		if !found || nonce < lowest {
			lowest = nonce
			found = true
		}
	}
	return lowest
}

// GetPendingTransactionsCount returns the number of unconfirmed nonces for address
func (nm *NonceManager) GetPendingTransactionsCount(address common.Address) int {
	data := nm.account(address)
	data.mu.Lock()
	defer data.mu.Unlock()
	return len(data.pendingTxs)
}
