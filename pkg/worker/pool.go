package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/queue"
	"github.com/speedrun-hq/speedrun-rfq/pkg/settlement"
)

// ConsumerSource opens a consumer on one queue partition
type ConsumerSource interface {
	Consumer(partition int) (queue.Consumer, error)
}

// PoolOptions configures a Pool
type PoolOptions struct {
	Mnemonic          string
	GroupIndex        int
	GroupSize         int
	Partitions        int
	ProcessingTimeout time.Duration
}

// Pool runs the workers of one worker group. Worker i of group g has the
// global index g*GroupSize+i, which picks both its key and its partition.
type Pool struct {
	opts      PoolOptions
	source    ConsumerSource
	processor Processor
	nonces    NonceSyncer
	logger    logger.Logger

	mu      sync.Mutex
	workers []*Worker
}

// NewPool creates a pool; workers are created on Start
func NewPool(opts PoolOptions, source ConsumerSource, processor Processor, nonces NonceSyncer, log logger.Logger) (*Pool, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if opts.GroupSize < 1 {
		return nil, fmt.Errorf("worker group size must be at least 1, got %d", opts.GroupSize)
	}
	if opts.GroupIndex < 0 {
		return nil, fmt.Errorf("worker group index must not be negative, got %d", opts.GroupIndex)
	}
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	return &Pool{
		opts:      opts,
		source:    source,
		processor: processor,
		nonces:    nonces,
		logger:    log,
	}, nil
}

// Indices returns the global worker indices of the pool's group
func (p *Pool) Indices() []int {
	indices := make([]int, p.opts.GroupSize)
	for i := range indices {
		indices[i] = p.opts.GroupIndex*p.opts.GroupSize + i
	}
	return indices
}

// PartitionFor returns the queue partition consumed by the worker with global index
func (p *Pool) PartitionFor(index int) int {
	return index % p.opts.Partitions
}

// Signers derives the signing accounts of the pool's group
func (p *Pool) Signers() ([]settlement.Signer, error) {
	keys, err := DeriveKeys(p.opts.Mnemonic, p.Indices())
	if err != nil {
		return nil, err
	}
	signers := make([]settlement.Signer, len(keys))
	for i, key := range keys {
		signers[i] = settlement.Signer{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
	}
	return signers, nil
}

// Start derives the group's accounts and starts one worker per account.
// Workers already started are stopped again if a later one fails.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return nil
	}

	signers, err := p.Signers()
	if err != nil {
		return err
	}

	for i, index := range p.Indices() {
		partition := p.PartitionFor(index)
		consumer, err := p.source.Consumer(partition)
		if err != nil {
			p.stopLocked()
			return fmt.Errorf("worker %d: %w", index, err)
		}

		w := New(index, signers[i], consumer, p.processor, p.nonces, p.opts.ProcessingTimeout, p.logger)
		if err := w.Start(ctx); err != nil {
			_ = consumer.Close()
			p.stopLocked()
			return fmt.Errorf("worker %d failed to start: %w", index, err)
		}
		p.workers = append(p.workers, w)
		p.logger.Notice("Worker %d (%s) consuming partition %d", index, signers[i].Address.Hex(), partition)
	}
	return nil
}

// Stop stops every worker, letting in-flight jobs finish
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pool) stopLocked() {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	p.workers = nil
}

// Addresses returns the signing addresses of the running workers
func (p *Pool) Addresses() []common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := make([]common.Address, len(p.workers))
	for i, w := range p.workers {
		addrs[i] = w.Address()
	}
	return addrs
}

// Running returns the number of running workers
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
