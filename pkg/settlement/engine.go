// Package settlement drives claimed jobs to a terminal status on chain.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/speedrun-rfq/pkg/blockchain"
	"github.com/speedrun-hq/speedrun-rfq/pkg/chainclient"
	"github.com/speedrun-hq/speedrun-rfq/pkg/contracts"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/retry"
)

const (
	DefaultMaxBumps             = 2
	DefaultConfirmationDeadline = 60 * time.Second
	DefaultReceiptPollInterval  = 2 * time.Second

	// gasLimitBufferPercent is added on top of the estimate
	gasLimitBufferPercent = 20
)

// Store is the part of jobstore.Store the engine drives jobs through
type Store interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	Claim(ctx context.Context, id string, worker common.Address, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id string, status models.JobStatus, update models.JobUpdate) (*models.Job, error)
	FindUnresolvedByWorker(ctx context.Context, worker common.Address) ([]*models.Job, error)
}

// LastLook confirms fills with last-look makers. *rfq.Requestor implements it.
type LastLook interface {
	ConfirmLastLook(ctx context.Context, job *models.Job) (bool, *models.Signature, error)
	RequestFromMaker(ctx context.Context, makerURI string, req *models.TradeRequest) (*models.MakerQuote, error)
}

// Signer is the on-chain identity of one worker
type Signer struct {
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// Options configures an Engine
type Options struct {
	MaxBumps             int
	ConfirmationDeadline time.Duration
	ReceiptPollInterval  time.Duration
}

// Engine submits, monitors and resolves the transactions of jobs
type Engine struct {
	store    Store
	lastLook LastLook
	chain    *chainclient.Client
	proxy    *contracts.ExchangeProxy
	nonces   *blockchain.NonceManager
	gas      chainclient.GasStrategy
	opts     Options
	logger   logger.Logger
	now      func() time.Time
}

// NewEngine creates an engine settling through proxy on chain
func NewEngine(
	store Store,
	lastLook LastLook,
	chain *chainclient.Client,
	proxy *contracts.ExchangeProxy,
	nonces *blockchain.NonceManager,
	gas chainclient.GasStrategy,
	opts Options,
	log logger.Logger,
) *Engine {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if opts.MaxBumps < 0 {
		opts.MaxBumps = DefaultMaxBumps
	}
	if opts.ConfirmationDeadline <= 0 {
		opts.ConfirmationDeadline = DefaultConfirmationDeadline
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	return &Engine{
		store:    store,
		lastLook: lastLook,
		chain:    chain,
		proxy:    proxy,
		nonces:   nonces,
		gas:      gas,
		opts:     opts,
		logger:   log,
		now:      time.Now,
	}
}

// Process claims job id for signer and drives it to a terminal status.
// Terminal jobs are left alone. A job leased to another worker yields a
// retryable ErrLeasedElsewhere so its message is redelivered, unless it
// expired before anything was signed, in which case any worker fails it.
// A terminal failure is returned as a *models.SettlementFailure.
func (e *Engine) Process(ctx context.Context, signer Signer, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		e.logger.DebugWithChain(job.ChainID, "Job %s is already %s, nothing to do", id, job.Status)
		return nil
	}

	if job.Status == models.StatusPendingEnqueued {
		claimed, err := e.store.Claim(ctx, id, signer.Address, e.now().UTC())
		if err != nil {
			return err
		}
		if job, err = e.store.Get(ctx, id); err != nil {
			return err
		}
		if claimed {
			e.logger.InfoWithChain(job.ChainID, "Worker %s claimed job %s", signer.Address.Hex(), id)
		}
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if owner, ok := job.WorkerAddress(); !ok || owner != signer.Address {
		if job.Status == models.StatusPendingProcessing && job.Submission == nil && job.IsExpired(e.now()) {
			e.logger.NoticeWithChain(job.ChainID, "Job %s leased to %s expired unsubmitted", id, owner.Hex())
			return e.fail(ctx, job, models.StatusFailedExpired, models.JobUpdate{FailureReason: "expired before submission"})
		}
		e.logger.DebugWithChain(job.ChainID, "Job %s is %s and leased to %s", id, job.Status, owner.Hex())
		return fmt.Errorf("%w: job %s is %s and leased to %s", models.ErrLeasedElsewhere, id, job.Status, owner.Hex())
	}
	return e.drive(ctx, signer, job)
}

// Resume drives every unresolved job leased to signer, as left behind by a restart
func (e *Engine) Resume(ctx context.Context, signer Signer) error {
	jobs, err := e.store.FindUnresolvedByWorker(ctx, signer.Address)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		e.logger.NoticeWithChain(job.ChainID, "Resuming job %s in %s for worker %s", job.ID, job.Status, signer.Address.Hex())
		if err := e.drive(ctx, signer, job); err != nil && models.IsRetryable(err) {
			return fmt.Errorf("failed to resume job %s: %w", job.ID, err)
		} else if err != nil {
			e.logger.ErrorWithChain(job.ChainID, "Resumed job %s failed: %v", job.ID, err)
		}
	}
	return nil
}

func (e *Engine) drive(ctx context.Context, signer Signer, job *models.Job) error {
	if job.Status == models.StatusPendingProcessing {
		var err error
		switch {
		case job.Submission != nil:
			job, err = e.rebroadcast(ctx, signer, job)
		case job.IsExpired(e.now()):
			return e.fail(ctx, job, models.StatusFailedExpired, models.JobUpdate{FailureReason: "expired before submission"})
		default:
			job, err = e.submit(ctx, signer, job)
		}
		if err != nil || job.Status.IsTerminal() {
			return err
		}
	}
	if job.Status == models.StatusSubmittedToChain {
		return e.monitor(ctx, signer, job)
	}
	return fmt.Errorf("%w: cannot drive job %s in %s", models.ErrInvalidTransition, job.ID, job.Status)
}

// submit runs last look when needed, then signs a transaction on a fresh nonce,
// records it on the job and broadcasts it. Hashes of an earlier submission
// are kept so a late receipt for them is still found.
func (e *Engine) submit(ctx context.Context, signer Signer, job *models.Job) (*models.Job, error) {
	update := models.JobUpdate{}
	if job.IsLastLook && job.Kind == models.KindOtcOrder && job.LastLookResult == nil {
		proceed, sig, err := e.lastLook.ConfirmLastLook(ctx, job)
		if err != nil {
			e.logger.ErrorWithChain(job.ChainID, "Last look for job %s failed: %v", job.ID, err)
		}
		if !proceed {
			return job, e.decline(ctx, job)
		}
		accepted := true
		job.MakerSignature = sig
		update.MakerSignature = sig
		update.LastLookResult = &accepted
	}

	data, value, err := e.calldata(job)
	if err != nil {
		return nil, err
	}

	gasLimit, err := e.estimateGas(ctx, signer, data, value)
	if err != nil {
		if reverted(err) {
			return job, e.fail(ctx, job, models.StatusFailedSubmissionReverted, models.JobUpdate{FailureReason: err.Error()})
		}
		return nil, err
	}

	nonce, err := e.nonces.GetNonce(ctx, signer.Address)
	if err != nil {
		return nil, err
	}
	gasPrice, err := e.gas.InitialGasPrice(ctx)
	if err != nil {
		e.nonces.ReuseNonce(signer.Address, nonce)
		return nil, err
	}
	tx, err := e.sign(signer, nonce, gasLimit, gasPrice, data, value)
	if err != nil {
		e.nonces.ReuseNonce(signer.Address, nonce)
		return nil, err
	}

	var hashes []common.Hash
	if job.Submission != nil {
		hashes = append(hashes, job.Submission.TxHashes...)
	}
	update.Submission = &models.Submission{
		Nonce:       nonce,
		GasLimit:    gasLimit,
		GasPrice:    gasPrice,
		TxHashes:    append(hashes, tx.Hash()),
		SubmittedAt: e.now().UTC(),
	}
	recorded, err := e.store.UpdateStatus(ctx, job.ID, models.StatusPendingProcessing, update)
	if err != nil {
		e.nonces.ReuseNonce(signer.Address, nonce)
		return nil, err
	}
	e.nonces.TrackTransaction(signer.Address, tx.Hash(), nonce)

	if err := e.broadcast(ctx, tx); err != nil {
		if permanent(err) {
			e.nonces.MarkTransactionFailed(signer.Address, nonce)
			return recorded, e.fail(ctx, recorded, models.StatusFailedSubmissionReverted, models.JobUpdate{FailureReason: err.Error()})
		}
		// the recorded transaction is rebroadcast on the next attempt
		return nil, err
	}

	updated, err := e.store.UpdateStatus(ctx, job.ID, models.StatusSubmittedToChain, models.JobUpdate{})
	if err != nil {
		return nil, err
	}
	e.logger.InfoWithChain(job.ChainID, "Submitted job %s as %s (nonce %d, gas price %s)", job.ID, tx.Hash().Hex(), nonce, gasPrice)
	return updated, nil
}

// rebroadcast picks up a job whose transaction was recorded but may never have
// reached the node. A mined hash settles it, otherwise the recorded nonce and
// gas price are sent again. Only when that nonce was taken by another
// transaction does the job move to a fresh nonce.
func (e *Engine) rebroadcast(ctx context.Context, signer Signer, job *models.Job) (*models.Job, error) {
	sub := job.Submission
	receipt, err := e.findReceipt(ctx, sub.TxHashes)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		return e.store.UpdateStatus(ctx, job.ID, models.StatusSubmittedToChain, models.JobUpdate{})
	}
	if job.IsExpired(e.now()) {
		e.nonces.MarkTransactionFailed(signer.Address, sub.Nonce)
		return job, e.fail(ctx, job, models.StatusFailedExpired, models.JobUpdate{FailureReason: "expired before submission"})
	}

	data, value, err := e.calldata(job)
	if err != nil {
		return nil, err
	}
	tx, err := e.sign(signer, sub.Nonce, sub.GasLimit, sub.GasPrice, data, value)
	if err != nil {
		return nil, err
	}
	next := *sub
	next.TxHashes = append([]common.Hash(nil), sub.TxHashes...)
	if !containsHash(next.TxHashes, tx.Hash()) {
		next.TxHashes = append(next.TxHashes, tx.Hash())
	}
	e.nonces.TrackTransaction(signer.Address, tx.Hash(), sub.Nonce)

	err = e.broadcast(ctx, tx)
	switch {
	case err == nil:
	case classify(err) == "nonce_error":
		// one of ours may have been mined since the first lookup
		if receipt, rerr := e.findReceipt(ctx, next.TxHashes); rerr != nil {
			return nil, rerr
		} else if receipt != nil {
			return e.store.UpdateStatus(ctx, job.ID, models.StatusSubmittedToChain, models.JobUpdate{Submission: &next})
		}
		e.nonces.MarkTransactionConfirmed(signer.Address, sub.Nonce)
		e.logger.NoticeWithChain(job.ChainID, "Nonce %d of job %s was taken (%v), submitting on a new nonce", sub.Nonce, job.ID, err)
		job.Submission = &next
		return e.submit(ctx, signer, job)
	case permanent(err):
		e.nonces.MarkTransactionFailed(signer.Address, sub.Nonce)
		return job, e.fail(ctx, job, models.StatusFailedSubmissionReverted, models.JobUpdate{FailureReason: err.Error()})
	default:
		return nil, err
	}

	updated, err := e.store.UpdateStatus(ctx, job.ID, models.StatusSubmittedToChain, models.JobUpdate{Submission: &next})
	if err != nil {
		return nil, err
	}
	e.logger.NoticeWithChain(job.ChainID, "Rebroadcast job %s as %s (nonce %d)", job.ID, tx.Hash().Hex(), sub.Nonce)
	return updated, nil
}

// monitor polls for a receipt of any transaction of the submission and bumps
// the gas price on the same nonce each time the confirmation deadline passes
func (e *Engine) monitor(ctx context.Context, signer Signer, job *models.Job) error {
	sub := job.Submission
	if sub == nil || len(sub.TxHashes) == 0 {
		return fmt.Errorf("job %s is %s without a transaction", job.ID, job.Status)
	}
	deadline := sub.SubmittedAt.Add(e.opts.ConfirmationDeadline)

	for {
		receipt, err := e.findReceipt(ctx, sub.TxHashes)
		if err != nil {
			return err
		}
		if receipt != nil {
			return e.resolve(ctx, signer, job, receipt)
		}

		now := e.now()
		if job.IsExpired(now) {
			e.nonces.MarkTransactionFailed(signer.Address, sub.Nonce)
			return e.fail(ctx, job, models.StatusFailedExpired, models.JobUpdate{FailureReason: "expired before confirmation"})
		}
		if now.Before(deadline) {
			if err := sleep(ctx, e.opts.ReceiptPollInterval); err != nil {
				return err
			}
			continue
		}

		if sub.Bumps >= e.opts.MaxBumps {
			e.nonces.MarkTransactionFailed(signer.Address, sub.Nonce)
			return e.fail(ctx, job, models.StatusFailedSubmissionTimedOut, models.JobUpdate{
				FailureReason: fmt.Sprintf("not confirmed after %d gas bumps", sub.Bumps),
			})
		}

		updated, err := e.bump(ctx, signer, job)
		if errors.Is(err, chainclient.ErrGasPriceAtCap) {
			e.nonces.MarkTransactionFailed(signer.Address, sub.Nonce)
			return e.fail(ctx, job, models.StatusFailedSubmissionTimedOut, models.JobUpdate{FailureReason: err.Error()})
		}
		if err != nil {
			return err
		}
		job, sub = updated, updated.Submission
		deadline = sub.SubmittedAt.Add(e.opts.ConfirmationDeadline)
	}
}

// bump resends the job's transaction on the same nonce with a higher gas price
func (e *Engine) bump(ctx context.Context, signer Signer, job *models.Job) (*models.Job, error) {
	sub := job.Submission
	price, err := e.gas.BumpGasPrice(ctx, sub.GasPrice)
	if err != nil {
		return nil, err
	}
	data, value, err := e.calldata(job)
	if err != nil {
		return nil, err
	}

	next := &models.Submission{
		Nonce:       sub.Nonce,
		GasLimit:    sub.GasLimit,
		GasPrice:    price,
		TxHashes:    append([]common.Hash(nil), sub.TxHashes...),
		Bumps:       sub.Bumps + 1,
		SubmittedAt: e.now().UTC(),
	}
	tx, err := e.sign(signer, sub.Nonce, sub.GasLimit, price, data, value)
	if err != nil {
		return nil, err
	}
	err = e.broadcast(ctx, tx)
	switch {
	case err == nil:
		next.TxHashes = append(next.TxHashes, tx.Hash())
		e.nonces.TrackTransaction(signer.Address, tx.Hash(), sub.Nonce)
		metrics.GasBumps.WithLabelValues(strconv.Itoa(job.ChainID)).Inc()
		e.logger.NoticeWithChain(job.ChainID, "Bumped job %s to gas price %s: %s", job.ID, price, tx.Hash().Hex())
	case permanent(err):
		return nil, err
	default:
		// an earlier transaction may have been mined; the next poll finds it
		e.logger.ErrorWithChain(job.ChainID, "Gas bump of job %s was not accepted: %v", job.ID, err)
	}
	return e.store.UpdateStatus(ctx, job.ID, models.StatusSubmittedToChain, models.JobUpdate{Submission: next})
}

func (e *Engine) resolve(ctx context.Context, signer Signer, job *models.Job, receipt *types.Receipt) error {
	e.nonces.MarkTransactionConfirmed(signer.Address, job.Submission.Nonce)
	if receipt.Status == types.ReceiptStatusSuccessful {
		updated, err := e.store.UpdateStatus(ctx, job.ID, models.StatusSucceeded, models.JobUpdate{})
		if err != nil {
			return err
		}
		e.record(updated)
		e.logger.InfoWithChain(job.ChainID, "Job %s settled in %s (block %s)", job.ID, receipt.TxHash.Hex(), receipt.BlockNumber)
		return nil
	}
	return e.fail(ctx, job, models.StatusFailedSubmissionReverted, models.JobUpdate{
		FailureReason: fmt.Sprintf("transaction %s reverted", receipt.TxHash.Hex()),
	})
}

// fail moves job to a terminal failure and returns the matching SettlementFailure
func (e *Engine) fail(ctx context.Context, job *models.Job, status models.JobStatus, update models.JobUpdate) error {
	updated, err := e.store.UpdateStatus(ctx, job.ID, status, update)
	if err != nil {
		return err
	}
	e.record(updated)

	failure := &models.SettlementFailure{JobID: job.ID, Status: status, Reason: updated.FailureReason}
	if hash := updated.Submission.LatestTxHash(); hash != (common.Hash{}) {
		failure.TxHash = hash.Hex()
	}
	e.logger.ErrorWithChain(job.ChainID, "%v", failure)
	return failure
}

func (e *Engine) record(job *models.Job) {
	chainID := strconv.Itoa(job.ChainID)
	metrics.JobsProcessed.WithLabelValues(chainID, string(job.Status)).Inc()
	if job.Lease != nil {
		metrics.JobProcessingTime.WithLabelValues(chainID).Observe(e.now().Sub(job.Lease.ClaimedAt).Seconds())
	}
}

// calldata encodes the exchange proxy call settling job
func (e *Engine) calldata(job *models.Job) ([]byte, *big.Int, error) {
	switch order := job.Order.(type) {
	case *models.OtcOrder:
		data, err := e.proxy.PackFillTakerSignedOtcOrder(order, job.MakerSignature, job.TakerSignature)
		return data, big.NewInt(0), err
	case *models.MetaTransaction:
		data, err := e.proxy.PackExecuteMetaTransaction(order, job.TakerSignature)
		value := big.NewInt(0)
		if order.Value != nil {
			value = new(big.Int).Set(order.Value)
		}
		return data, value, err
	default:
		panic(fmt.Sprintf("unhandled order type %T for job %s", job.Order, job.ID))
	}
}

func (e *Engine) estimateGas(ctx context.Context, signer Signer, data []byte, value *big.Int) (uint64, error) {
	var gas uint64
	err := retry.DefaultPolicy.Do(ctx, func(ctx context.Context) error {
		var err error
		gas, err = e.chain.EstimateGas(ctx, ethereum.CallMsg{
			From:  signer.Address,
			To:    &e.proxy.Address,
			Value: value,
			Data:  data,
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas + gas*gasLimitBufferPercent/100, nil
}

func (e *Engine) sign(signer Signer, nonce, gasLimit uint64, gasPrice *big.Int, data []byte, value *big.Int) (*types.Transaction, error) {
	tx := types.NewTransaction(nonce, e.proxy.Address, value, gasLimit, gasPrice, data)
	signed, err := e.chain.SignTx(tx, signer.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// broadcast sends a signed transaction. A node that already has it counts as success.
func (e *Engine) broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := e.chain.SendTransaction(ctx, tx); err != nil {
		if retryable, kind := retry.Classify(err); !retryable && kind == "already_processed" {
			return nil
		}
		metrics.SettlementErrors.WithLabelValues(strconv.Itoa(e.chain.ID()), classify(err)).Inc()
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

// findReceipt returns the receipt of whichever hash was mined, or nil.
// A successful receipt wins over a reverted one.
func (e *Engine) findReceipt(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	var found *types.Receipt
	for i := len(hashes) - 1; i >= 0; i-- {
		receipt, err := e.chain.TransactionReceipt(ctx, hashes[i])
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			if found == nil {
				found = receipt
			}
		case err == nil, errors.Is(err, ethereum.NotFound):
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			e.logger.DebugWithChain(e.chain.ID(), "Receipt lookup for %s failed: %v", hashes[i].Hex(), err)
		}
	}
	return found, nil
}

func containsHash(hashes []common.Hash, hash common.Hash) bool {
	for _, h := range hashes {
		if h == hash {
			return true
		}
	}
	return false
}

func classify(err error) string {
	_, kind := retry.Classify(err)
	return kind
}

// reverted reports whether err is the node rejecting a call that would revert
func reverted(err error) bool {
	return classify(err) == "contract_error"
}

// permanent reports whether a send error cannot be fixed by trying again
func permanent(err error) bool {
	retryable, kind := retry.Classify(err)
	return !retryable && kind != "already_processed"
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
