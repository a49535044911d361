package blockchain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNonceSource struct {
	mu    sync.Mutex
	nonce uint64
	err   error
	calls int
}

func (s *stubNonceSource) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.nonce, s.err
}

var testAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestGetNonceSyncsOnceThenCounts(t *testing.T) {
	source := &stubNonceSource{nonce: 7}
	nm := NewNonceManager(source, nil)

	first, err := nm.GetNonce(context.Background(), testAccount)
	require.NoError(t, err)
	second, err := nm.GetNonce(context.Background(), testAccount)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), first)
	assert.Equal(t, uint64(8), second)
	assert.Equal(t, 1, source.calls)
}

func TestGetNonceSourceError(t *testing.T) {
	nm := NewNonceManager(&stubNonceSource{err: errors.New("connection refused")}, nil)

	_, err := nm.GetNonce(context.Background(), testAccount)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTrackTransactionKeepsNonceAcrossBumps(t *testing.T) {
	nm := NewNonceManager(&stubNonceSource{nonce: 3}, nil)

	nonce, err := nm.GetNonce(context.Background(), testAccount)
	require.NoError(t, err)

	nm.TrackTransaction(testAccount, common.HexToHash("0x01"), nonce)
	nm.TrackTransaction(testAccount, common.HexToHash("0x02"), nonce)

	assert.Equal(t, 1, nm.GetPendingTransactionsCount(testAccount))
	assert.Len(t, nm.account(testAccount).pendingTxs[nonce].Hashes, 2)

	assert.True(t, nm.MarkTransactionConfirmed(testAccount, nonce))
	assert.False(t, nm.MarkTransactionConfirmed(testAccount, nonce))
	assert.Equal(t, 0, nm.GetPendingTransactionsCount(testAccount))
}

func TestMarkTransactionFailedReusesLowestNonce(t *testing.T) {
	nm := NewNonceManager(&stubNonceSource{nonce: 10}, nil)
	ctx := context.Background()

	n1, _ := nm.GetNonce(ctx, testAccount)
	n2, _ := nm.GetNonce(ctx, testAccount)
	nm.TrackTransaction(testAccount, common.HexToHash("0x0a"), n1)
	nm.TrackTransaction(testAccount, common.HexToHash("0x0b"), n2)

	_, reused := nm.MarkTransactionFailed(testAccount, n2)
	assert.False(t, reused)

	nonce, reused := nm.MarkTransactionFailed(testAccount, n1)
	assert.True(t, reused)
	assert.Equal(t, uint64(10), nonce)

	next, err := nm.GetNonce(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), next)
}

func TestReuseNonceOnlyForUnsent(t *testing.T) {
	nm := NewNonceManager(&stubNonceSource{nonce: 1}, nil)
	ctx := context.Background()

	n, _ := nm.GetNonce(ctx, testAccount)
	nm.ReuseNonce(testAccount, n)
	again, _ := nm.GetNonce(ctx, testAccount)
	assert.Equal(t, n, again)

	nm.TrackTransaction(testAccount, common.HexToHash("0x0c"), again)
	nm.ReuseNonce(testAccount, again)
	next, _ := nm.GetNonce(ctx, testAccount)
	assert.Equal(t, again+1, next)
}

func TestSyncWithBlockchainNeverMovesBackwards(t *testing.T) {
	source := &stubNonceSource{nonce: 5}
	nm := NewNonceManager(source, nil)
	ctx := context.Background()

	require.NoError(t, nm.SyncWithBlockchain(ctx, testAccount))
	_, _ = nm.GetNonce(ctx, testAccount)
	_, _ = nm.GetNonce(ctx, testAccount)

	source.nonce = 2
	require.NoError(t, nm.SyncWithBlockchain(ctx, testAccount))
	next, _ := nm.GetNonce(ctx, testAccount)
	assert.Equal(t, uint64(7), next)
}
