package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	wmatic = common.HexToAddress("0x7ceb23fd6bc0add59e62ac25578270cff1b9f619")
	proxy  = common.HexToAddress("0xDef1C0ded9bec7F1a1670819833240f027b25EfF")
)

func TestJobStatus(t *testing.T) {
	t.Run("terminal statuses", func(t *testing.T) {
		for _, s := range NonTerminalStatuses {
			assert.False(t, s.IsTerminal(), s)
		}
		assert.True(t, StatusSucceeded.IsTerminal())
		assert.False(t, StatusSucceeded.IsFailure())
		assert.True(t, StatusFailedSubmissionTimedOut.IsFailure())
		assert.True(t, StatusFailedLastLookDeclined.Valid())
		assert.False(t, JobStatus("bogus").Valid())
	})

	t.Run("transitions", func(t *testing.T) {
		tests := []struct {
			from, to JobStatus
			allowed  bool
		}{
			{StatusPendingEnqueued, StatusPendingProcessing, true},
			{StatusPendingEnqueued, StatusSubmittedToChain, false},
			{StatusPendingEnqueued, StatusFailedExpired, true},
			{StatusPendingProcessing, StatusFailedLastLookDeclined, true},
			{StatusPendingProcessing, StatusSucceeded, false},
			{StatusPendingProcessing, StatusPendingProcessing, true},
			{StatusSubmittedToChain, StatusSubmittedToChain, true},
			{StatusSubmittedToChain, StatusFailedSubmissionTimedOut, true},
			{StatusSucceeded, StatusFailedExpired, false},
			{StatusFailedExpired, StatusPendingProcessing, false},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
				assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
			})
		}
	})
}

func TestJobApply(t *testing.T) {
	now := time.Unix(1700000000, 0)
	newJob := func() *Job {
		return &Job{
			ID:             "job-1",
			Kind:           KindOtcOrder,
			Status:         StatusPendingEnqueued,
			TakerSignature: &Signature{SignatureType: SignatureTypeEIP712, V: 27},
			MakerSignature: &Signature{SignatureType: SignatureTypeEIP712, V: 28},
		}
	}

	t.Run("claim requires lease", func(t *testing.T) {
		job := newJob()
		err := job.Apply(StatusPendingProcessing, JobUpdate{}, now)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusPendingEnqueued, job.Status)
	})

	t.Run("claim sets lease", func(t *testing.T) {
		job := newJob()
		worker := common.HexToAddress("0x01")
		require.NoError(t, job.Apply(StatusPendingProcessing, JobUpdate{Lease: &Lease{Worker: worker, ClaimedAt: now}}, now))

		addr, ok := job.WorkerAddress()
		assert.True(t, ok)
		assert.Equal(t, worker, addr)
		assert.Equal(t, now, job.UpdatedAt)
		assert.NotNil(t, job.TakerSignature)
	})

	t.Run("failure erases signatures", func(t *testing.T) {
		job := newJob()
		require.NoError(t, job.Apply(StatusPendingProcessing, JobUpdate{Lease: &Lease{Worker: common.HexToAddress("0x01")}}, now))

		bps := 25
		declined := false
		require.NoError(t, job.Apply(StatusFailedLastLookDeclined, JobUpdate{
			LastLookResult:             &declined,
			LLRejectPriceDifferenceBps: &bps,
		}, now))

		assert.Nil(t, job.TakerSignature)
		assert.Nil(t, job.MakerSignature)
		require.NotNil(t, job.LLRejectPriceDifferenceBps)
		assert.Equal(t, 25, *job.LLRejectPriceDifferenceBps)
	})

	t.Run("terminal job rejects changes", func(t *testing.T) {
		job := newJob()
		job.Status = StatusSucceeded
		err := job.Apply(StatusFailedExpired, JobUpdate{}, now)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.NotNil(t, job.TakerSignature)
	})

	t.Run("clone is independent", func(t *testing.T) {
		job := newJob()
		job.Submission = &Submission{TxHashes: []common.Hash{{1}}, GasPrice: big.NewInt(10)}
		c := job.Clone()
		c.Submission.TxHashes[0] = common.Hash{2}
		c.Submission.GasPrice.SetInt64(20)
		c.TakerSignature.V = 0

		assert.Equal(t, common.Hash{1}, job.Submission.TxHashes[0])
		assert.Equal(t, int64(10), job.Submission.GasPrice.Int64())
		assert.Equal(t, uint8(27), job.TakerSignature.V)
	})

	t.Run("expiry", func(t *testing.T) {
		job := newJob()
		assert.False(t, job.IsExpired(now))
		job.Expiry = now
		assert.True(t, job.IsExpired(now))
		assert.False(t, job.IsExpired(now.Add(-time.Second)))
	})
}

func TestExpiryAndNonce(t *testing.T) {
	expiry, _ := new(big.Int).SetString("10000000000000000", 10)
	nonce, _ := new(big.Int).SetString("10000000000000000", 10)

	packed := EncodeExpiryAndNonce(expiry, big.NewInt(0), nonce)
	assert.Equal(t, "62771017353866807638357894232076664161023554444640345128970000000000000000", packed.String())

	e, b, n := DecodeExpiryAndNonce(packed)
	assert.Equal(t, expiry.String(), e.String())
	assert.Equal(t, "0", b.String())
	assert.Equal(t, nonce.String(), n.String())

	order := &OtcOrder{Expiry: 1700000000, NonceBucket: 3, Nonce: 42}
	e, b, n = DecodeExpiryAndNonce(order.ExpiryAndNonce())
	assert.Equal(t, uint64(1700000000), e.Uint64())
	assert.Equal(t, uint64(3), b.Uint64())
	assert.Equal(t, uint64(42), n.Uint64())
}

func testOtcOrder() *OtcOrder {
	return &OtcOrder{
		MakerToken:        usdc,
		TakerToken:        wmatic,
		MakerAmount:       big.NewInt(1800054805473),
		TakerAmount:       new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil),
		Maker:             common.HexToAddress("0x0000000000000000000000000000000000000abc"),
		Taker:             common.HexToAddress("0x0000000000000000000000000000000000000def"),
		TxOrigin:          common.HexToAddress("0x0000000000000000000000000000000000000123"),
		Expiry:            1700000000,
		Nonce:             7,
		ChainID:           137,
		VerifyingContract: proxy,
	}
}

func TestOrderHash(t *testing.T) {
	t.Run("otc order hash is deterministic", func(t *testing.T) {
		h1, err := testOtcOrder().Hash()
		require.NoError(t, err)
		h2, err := testOtcOrder().Hash()
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
		assert.NotEqual(t, common.Hash{}, h1)
	})

	t.Run("otc order hash covers nonce and chain", func(t *testing.T) {
		base, err := testOtcOrder().Hash()
		require.NoError(t, err)

		o := testOtcOrder()
		o.Nonce++
		other, err := o.Hash()
		require.NoError(t, err)
		assert.NotEqual(t, base, other)

		o = testOtcOrder()
		o.ChainID = 1
		other, err = o.Hash()
		require.NoError(t, err)
		assert.NotEqual(t, base, other)
	})

	t.Run("meta-transaction hash", func(t *testing.T) {
		mtx := &MetaTransaction{
			Signer:                common.HexToAddress("0x4c42a706410f1190f97d26fe3c999c90070aa40f"),
			MinGasPrice:           big.NewInt(1),
			MaxGasPrice:           big.NewInt(4294967296),
			ExpirationTimeSeconds: big.NewInt(9990868679),
			Salt:                  big.NewInt(12345),
			CallData:              []byte{0x41, 0x55, 0x65, 0xb0},
			Value:                 big.NewInt(0),
			FeeAmount:             big.NewInt(0),
			ChainID:               137,
			VerifyingContract:     proxy,
		}
		h, err := mtx.Hash()
		require.NoError(t, err)
		assert.NotEqual(t, common.Hash{}, h)
		assert.Equal(t, time.Unix(9990868679, 0), mtx.ExpiresAt())

		mtx.CallData = nil
		h2, err := mtx.Hash()
		require.NoError(t, err)
		assert.NotEqual(t, h, h2)
	})

	t.Run("decode order", func(t *testing.T) {
		o := testOtcOrder()
		data, err := json.Marshal(o)
		require.NoError(t, err)

		decoded, err := DecodeOrder(KindOtcOrder, data)
		require.NoError(t, err)
		assert.Equal(t, KindOtcOrder, decoded.Kind())

		want, _ := o.Hash()
		got, err := decoded.Hash()
		require.NoError(t, err)
		assert.Equal(t, want, got)

		_, err = DecodeOrder("limitOrder", data)
		assert.Error(t, err)
	})
}

func TestSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	hash, err := testOtcOrder().Hash()
	require.NoError(t, err)

	t.Run("eip712", func(t *testing.T) {
		sig, err := SignHash(hash, key)
		require.NoError(t, err)
		assert.Contains(t, []uint8{27, 28}, sig.V)
		assert.True(t, VerifySignature(sig, hash, signer))
		assert.False(t, VerifySignature(sig, hash, common.HexToAddress("0x01")))
		assert.False(t, VerifySignature(sig, common.Hash{1}, signer))
	})

	t.Run("eth_sign", func(t *testing.T) {
		raw, err := crypto.Sign(accounts.TextHash(hash.Bytes()), key)
		require.NoError(t, err)
		sig := &Signature{
			SignatureType: SignatureTypeEthSign,
			V:             raw[64] + 27,
			R:             common.BytesToHash(raw[:32]),
			S:             common.BytesToHash(raw[32:64]),
		}
		assert.True(t, VerifySignature(sig, hash, signer))
	})

	t.Run("invalid", func(t *testing.T) {
		assert.False(t, VerifySignature(nil, hash, signer))
		assert.False(t, VerifySignature(&Signature{SignatureType: SignatureTypeIllegal}, hash, signer))
		assert.False(t, VerifySignature(&Signature{SignatureType: SignatureTypeEIP712, V: 40}, hash, signer))
	})
}

func TestNormalizedPrice(t *testing.T) {
	sell, _ := new(big.Int).SetString("1000000000000000000000", 10)
	price := NormalizedPrice(big.NewInt(1800054805473), 6, sell, 18)
	assert.Equal(t, "1800.054805", price.String())

	assert.True(t, NormalizedPrice(big.NewInt(1), 6, big.NewInt(0), 18).IsZero())
}

func TestTradeRequest(t *testing.T) {
	base := func() TradeRequest {
		return TradeRequest{
			SellToken:         wmatic,
			BuyToken:          usdc,
			SellTokenDecimals: 18,
			BuyTokenDecimals:  6,
			BuyAmount:         big.NewInt(1800054805473),
		}
	}

	t.Run("valid", func(t *testing.T) {
		r := base()
		require.NoError(t, r.Validate())
		assert.Equal(t, SideBuy, r.Side())
		assert.Equal(t, NewPair(usdc, wmatic), r.Pair())
	})

	t.Run("both amounts", func(t *testing.T) {
		r := base()
		r.SellAmount = big.NewInt(1)
		assert.True(t, IsValidationError(r.Validate()))
	})

	t.Run("zero amount", func(t *testing.T) {
		r := base()
		r.BuyAmount = big.NewInt(0)
		assert.True(t, IsValidationError(r.Validate()))
	})

	t.Run("same token", func(t *testing.T) {
		r := base()
		r.BuyToken = wmatic
		assert.True(t, IsValidationError(r.Validate()))
	})

	t.Run("affiliate precedence", func(t *testing.T) {
		r := base()
		r.Integrator.AffiliateAddress = common.HexToAddress("0xaa")
		assert.Equal(t, common.HexToAddress("0xaa"), r.EffectiveAffiliate())

		r.AffiliateAddress = common.HexToAddress("0xbb")
		assert.Equal(t, common.HexToAddress("0xbb"), r.EffectiveAffiliate())
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewValidationError("f", "bad")))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", NewStateConflictError("pending trade"))))
	assert.False(t, IsRetryable(&SettlementFailure{JobID: "1", Status: StatusFailedSubmissionReverted}))
	assert.False(t, IsRetryable(fmt.Errorf("load: %w", ErrJobNotFound)))
	assert.True(t, IsRetryable(NewTransientError("rpc", errors.New("connection refused"))))
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.True(t, IsRetryable(fmt.Errorf("job 0x01: %w", ErrLeasedElsewhere)))
}

func TestPair(t *testing.T) {
	assert.Equal(t, NewPair(usdc, wmatic), NewPair(wmatic, usdc))

	m := &Maker{Pairs: []Pair{NewPair(usdc, wmatic)}}
	assert.True(t, m.Supports(NewPair(wmatic, usdc)))
	assert.False(t, m.Supports(NewPair(usdc, proxy)))
}
