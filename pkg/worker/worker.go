// Package worker runs the queue consumers that settle jobs, one signing
// account per worker.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/queue"
	"github.com/speedrun-hq/speedrun-rfq/pkg/settlement"
)

// DefaultProcessingTimeout bounds the handling of one message
const DefaultProcessingTimeout = 10 * time.Minute

// Processor settles jobs. *settlement.Engine implements it.
type Processor interface {
	Process(ctx context.Context, signer settlement.Signer, jobID string) error
	Resume(ctx context.Context, signer settlement.Signer) error
}

// NonceSyncer brings a worker's local nonce in line with the chain
type NonceSyncer interface {
	SyncWithBlockchain(ctx context.Context, address common.Address) error
}

// Worker consumes one queue partition and settles its jobs with one account
type Worker struct {
	index     int
	signer    settlement.Signer
	consumer  queue.Consumer
	processor Processor
	nonces    NonceSyncer
	timeout   time.Duration
	logger    logger.Logger

	mu      sync.Mutex
	stop    context.CancelFunc
	done    chan struct{}
	handled int
}

// New creates a worker. A zero timeout selects DefaultProcessingTimeout.
func New(index int, signer settlement.Signer, consumer queue.Consumer, processor Processor, nonces NonceSyncer, timeout time.Duration, log logger.Logger) *Worker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	return &Worker{
		index:     index,
		signer:    signer,
		consumer:  consumer,
		processor: processor,
		nonces:    nonces,
		timeout:   timeout,
		logger:    log,
	}
}

// Address returns the worker's signing address
func (w *Worker) Address() common.Address {
	return w.signer.Address
}

// Index returns the worker's global index
func (w *Worker) Index() int {
	return w.index
}

// Start resumes the worker's unresolved jobs and starts consuming in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return nil
	}

	if err := w.beforeHandle(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, w.done)
	return nil
}

// Stop stops receiving and waits for the job in hand to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.done == nil {
		w.mu.Unlock()
		return
	}
	w.stop()
	done := w.done
	w.done = nil
	w.mu.Unlock()

	<-done
	if err := w.consumer.Close(); err != nil {
		w.logger.Error("Worker %d failed to close consumer: %v", w.index, err)
	}
}

// beforeHandle re-syncs the nonce and finishes jobs left behind by a previous run
func (w *Worker) beforeHandle(ctx context.Context) error {
	if err := w.nonces.SyncWithBlockchain(ctx, w.signer.Address); err != nil {
		return err
	}
	return w.processor.Resume(ctx, w.signer)
}

// preClaim re-reads the account's pending nonce before each job
func (w *Worker) preClaim(ctx context.Context) error {
	return w.nonces.SyncWithBlockchain(ctx, w.signer.Address)
}

func (w *Worker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	w.logger.Info("Worker %d (%s) started", w.index, w.signer.Address.Hex())

loop:
	for ctx.Err() == nil {
		d, err := w.consumer.Receive(ctx)
		switch {
		case err == nil:
			w.handle(ctx, d)
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			break loop
		default:
			w.logger.Error("Worker %d failed to receive: %v", w.index, err)
			_ = sleepCtx(ctx, time.Second)
		}
	}
	w.logger.Info("Worker %d stopped after %d jobs", w.index, w.Handled())
}

// handle settles one delivery. The job keeps running after Stop until it
// finishes or the processing timeout passes.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	metrics.JobsDequeued.WithLabelValues(w.signer.Address.Hex()).Inc()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	err := w.preClaim(jobCtx)
	if err == nil {
		err = w.processor.Process(jobCtx, w.signer, msg.JobID())
	}
	cancel()

	w.mu.Lock()
	w.handled++
	w.mu.Unlock()

	if err != nil && models.IsRetryable(err) {
		w.logger.Error("Worker %d will retry job %s (attempt %d): %v", w.index, msg.JobID(), d.Attempt(), err)
		if nackErr := d.Nack(); nackErr != nil {
			w.logger.Error("Worker %d failed to nack job %s: %v", w.index, msg.JobID(), nackErr)
		}
		return
	}
	if err != nil {
		w.logger.Debug("Worker %d finished job %s: %v", w.index, msg.JobID(), err)
	}
	if ackErr := d.Ack(); ackErr != nil {
		w.logger.Error("Worker %d failed to ack job %s: %v", w.index, msg.JobID(), ackErr)
	}
}

// Handled returns the number of messages the worker has processed
func (w *Worker) Handled() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handled
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
