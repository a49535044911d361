package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// JobKind discriminates the order payload carried by a job
type JobKind string

const (
	KindOtcOrder        JobKind = "otcOrder"
	KindMetaTransaction JobKind = "metatransaction"
)

// Valid reports whether k is a known kind
func (k JobKind) Valid() bool {
	return k == KindOtcOrder || k == KindMetaTransaction
}

// JobStatus is the state of a job in the settlement state machine
type JobStatus string

const (
	StatusPendingEnqueued          JobStatus = "pending_enqueued"
	StatusPendingProcessing        JobStatus = "pending_processing"
	StatusSubmittedToChain         JobStatus = "submitted_to_chain"
	StatusSucceeded                JobStatus = "succeeded"
	StatusFailedExpired            JobStatus = "failed_expired"
	StatusFailedLastLookDeclined   JobStatus = "failed_last_look_declined"
	StatusFailedSubmissionReverted JobStatus = "failed_submission_reverted"
	StatusFailedSubmissionTimedOut JobStatus = "failed_submission_timed_out"
)

// NonTerminalStatuses lists every status from which a job can still move
var NonTerminalStatuses = []JobStatus{
	StatusPendingEnqueued,
	StatusPendingProcessing,
	StatusSubmittedToChain,
}

var transitions = map[JobStatus][]JobStatus{
	StatusPendingEnqueued: {
		StatusPendingProcessing,
		StatusFailedExpired,
	},
	StatusPendingProcessing: {
		// the signed transaction is recorded before it is broadcast
		StatusPendingProcessing,
		StatusSubmittedToChain,
		StatusFailedLastLookDeclined,
		StatusFailedSubmissionReverted,
		StatusFailedExpired,
	},
	StatusSubmittedToChain: {
		// gas bump: same status, new transaction hash
		StatusSubmittedToChain,
		StatusSucceeded,
		StatusFailedSubmissionReverted,
		StatusFailedSubmissionTimedOut,
		StatusFailedExpired,
	},
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedExpired, StatusFailedLastLookDeclined,
		StatusFailedSubmissionReverted, StatusFailedSubmissionTimedOut:
		return true
	}
	return false
}

// IsFailure reports whether s is a terminal failure status
func (s JobStatus) IsFailure() bool {
	return s.IsTerminal() && s != StatusSucceeded
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fee is the fee charged on a trade
type Fee struct {
	Type   string         `json:"type"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// Lease records which worker currently owns processing of a job
type Lease struct {
	Worker    common.Address `json:"worker"`
	ClaimedAt time.Time      `json:"claimedAt"`
}

// Submission tracks the on-chain transaction(s) sent for a job.
// Every hash shares the same nonce; later hashes are gas bumps.
type Submission struct {
	Nonce       uint64        `json:"nonce"`
	GasLimit    uint64        `json:"gasLimit"`
	GasPrice    *big.Int      `json:"gasPrice"`
	TxHashes    []common.Hash `json:"txHashes"`
	Bumps       int           `json:"bumps"`
	SubmittedAt time.Time     `json:"submittedAt"`
}

// LatestTxHash returns the most recently broadcast transaction hash
func (s *Submission) LatestTxHash() common.Hash {
	if s == nil || len(s.TxHashes) == 0 {
		return common.Hash{}
	}
	return s.TxHashes[len(s.TxHashes)-1]
}

// Job is one trade attempt driven through the settlement state machine
type Job struct {
	ID                         string
	Kind                       JobKind
	ChainID                    int
	Status                     JobStatus
	Expiry                     time.Time
	Fee                        Fee
	Order                      Order
	MakerURI                   string
	IsLastLook                 bool
	IntegratorID               string
	AffiliateAddress           common.Address
	TakerAddress               common.Address
	TakerToken                 common.Address
	TakerAmount                *big.Int
	TakerSpecifiedSide         Side
	IsUnwrap                   bool
	TakerSignature             *Signature
	MakerSignature             *Signature
	Lease                      *Lease
	LastLookResult             *bool
	LLRejectPriceDifferenceBps *int
	Submission                 *Submission
	FailureReason              string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// WorkerAddress returns the address of the worker holding the lease, if any
func (j *Job) WorkerAddress() (common.Address, bool) {
	if j.Lease == nil {
		return common.Address{}, false
	}
	return j.Lease.Worker, true
}

// IsExpired reports whether the job's expiry has passed at now
func (j *Job) IsExpired(now time.Time) bool {
	return !j.Expiry.IsZero() && !now.Before(j.Expiry)
}

// JobUpdate carries the optional fields written alongside a status change
type JobUpdate struct {
	Lease                      *Lease
	LastLookResult             *bool
	LLRejectPriceDifferenceBps *int
	Submission                 *Submission
	// MakerSignature is the signature a last-look maker returned on confirmation
	MakerSignature *Signature
	FailureReason  string
}

// Apply moves the job to status and writes the fields in update.
// Terminal failures erase both signatures.
func (j *Job) Apply(status JobStatus, update JobUpdate, now time.Time) error {
	if !CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, j.Status, status, j.ID)
	}
	if status == StatusPendingProcessing && update.Lease == nil && j.Lease == nil {
		return fmt.Errorf("%w: claiming job %s requires a lease", ErrInvalidTransition, j.ID)
	}

	if update.Lease != nil {
		j.Lease = update.Lease
	}
	if update.LastLookResult != nil {
		j.LastLookResult = update.LastLookResult
	}
	if update.LLRejectPriceDifferenceBps != nil {
		j.LLRejectPriceDifferenceBps = update.LLRejectPriceDifferenceBps
	}
	if update.Submission != nil {
		j.Submission = update.Submission
	}
	if update.MakerSignature != nil {
		j.MakerSignature = update.MakerSignature
	}
	if update.FailureReason != "" {
		j.FailureReason = update.FailureReason
	}

	if status.IsFailure() {
		j.TakerSignature = nil
		j.MakerSignature = nil
	}

	j.Status = status
	j.UpdatedAt = now
	return nil
}

// Clone returns a copy of the job safe to mutate without affecting the original
func (j *Job) Clone() *Job {
	c := *j
	if j.Lease != nil {
		lease := *j.Lease
		c.Lease = &lease
	}
	if j.Submission != nil {
		sub := *j.Submission
		sub.TxHashes = append([]common.Hash(nil), j.Submission.TxHashes...)
		if j.Submission.GasPrice != nil {
			sub.GasPrice = new(big.Int).Set(j.Submission.GasPrice)
		}
		c.Submission = &sub
	}
	if j.TakerSignature != nil {
		sig := *j.TakerSignature
		c.TakerSignature = &sig
	}
	if j.MakerSignature != nil {
		sig := *j.MakerSignature
		c.MakerSignature = &sig
	}
	if j.LastLookResult != nil {
		v := *j.LastLookResult
		c.LastLookResult = &v
	}
	if j.LLRejectPriceDifferenceBps != nil {
		v := *j.LLRejectPriceDifferenceBps
		c.LLRejectPriceDifferenceBps = &v
	}
	return &c
}
