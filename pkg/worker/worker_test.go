package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"github.com/speedrun-hq/speedrun-rfq/pkg/queue"
	"github.com/speedrun-hq/speedrun-rfq/pkg/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestDeriveKeys(t *testing.T) {
	keys, err := DeriveKeys(testMnemonic, []int{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, keys, 3)

	want := []string{
		"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
	}
	for i, key := range keys {
		assert.Equal(t, common.HexToAddress(want[i]), crypto.PubkeyToAddress(key.PublicKey), "index %d", i)
	}

	_, err = DeriveKeys("not a real mnemonic", []int{0})
	assert.Error(t, err)
	_, err = DeriveKeys(testMnemonic, []int{-1})
	assert.Error(t, err)
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   map[string]int
	signers map[string]common.Address
	resumed []common.Address
	// process decides the result of handling id for the given attempt
	process func(id string, attempt int) error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{calls: map[string]int{}, signers: map[string]common.Address{}}
}

func (f *fakeProcessor) Process(_ context.Context, signer settlement.Signer, id string) error {
	f.mu.Lock()
	f.calls[id]++
	attempt := f.calls[id]
	f.signers[id] = signer.Address
	process := f.process
	f.mu.Unlock()
	if process == nil {
		return nil
	}
	return process(id, attempt)
}

func (f *fakeProcessor) Resume(_ context.Context, signer settlement.Signer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, signer.Address)
	return nil
}

func (f *fakeProcessor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeProcessor) signerOf(id string) common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signers[id]
}

type fakeNonces struct {
	mu     sync.Mutex
	synced []common.Address
	err    error
}

func (f *fakeNonces) SyncWithBlockchain(_ context.Context, address common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, address)
	return f.err
}

func publish(t *testing.T, q *queue.MemoryQueue, id string) {
	t.Helper()
	m, err := queue.NewMessage(models.KindMetaTransaction, id)
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), m))
}

func testSigner(t *testing.T) settlement.Signer {
	t.Helper()
	keys, err := DeriveKeys(testMnemonic, []int{0})
	require.NoError(t, err)
	return settlement.Signer{Address: crypto.PubkeyToAddress(keys[0].PublicKey), Key: keys[0]}
}

func TestWorkerAcksAndRetries(t *testing.T) {
	q := queue.NewMemoryQueue("test", 1, 3)
	consumer, err := q.Consumer(0)
	require.NoError(t, err)

	processor := newFakeProcessor()
	processor.process = func(id string, attempt int) error {
		switch {
		case id == "final":
			return &models.SettlementFailure{JobID: id, Status: models.StatusFailedSubmissionReverted, Reason: "reverted"}
		case id == "flaky" && attempt == 1:
			return errors.New("connection refused")
		}
		return nil
	}
	nonces := &fakeNonces{}
	signer := testSigner(t)

	w := New(0, signer, consumer, processor, nonces, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, []common.Address{signer.Address}, nonces.synced)
	assert.Equal(t, []common.Address{signer.Address}, processor.resumed)

	publish(t, q, "ok")
	publish(t, q, "final")
	publish(t, q, "flaky")

	require.Eventually(t, func() bool {
		return processor.callCount("flaky") == 2 && q.Len() == 0 && w.Handled() == 4
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, processor.callCount("ok"))
	assert.Equal(t, 1, processor.callCount("final"))
	assert.Empty(t, q.DeadLetters())
	assert.Equal(t, signer.Address, processor.signerOf("ok"))
}

func TestWorkerDeadLettersPersistentFailures(t *testing.T) {
	q := queue.NewMemoryQueue("test", 1, 2)
	consumer, err := q.Consumer(0)
	require.NoError(t, err)

	processor := newFakeProcessor()
	processor.process = func(string, int) error { return errors.New("service unavailable") }

	w := New(0, testSigner(t), consumer, processor, &fakeNonces{}, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	publish(t, q, "doomed")
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, processor.callCount("doomed"))
}

// leasingProcessor hands each job to the first signer that claimed it and
// reports every other signer as leased elsewhere
type leasingProcessor struct {
	mu      sync.Mutex
	owner   map[string]common.Address
	foreign int
	settled map[string]bool
}

func (p *leasingProcessor) Process(_ context.Context, signer settlement.Signer, id string) error {
	p.mu.Lock()
	owner, ok := p.owner[id]
	if !ok {
		p.owner[id] = signer.Address
		owner = signer.Address
	}
	if owner != signer.Address {
		p.foreign++
		p.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return fmt.Errorf("%w: job %s is leased to %s", models.ErrLeasedElsewhere, id, owner.Hex())
	}
	defer p.mu.Unlock()
	p.settled[id] = true
	return nil
}

func (p *leasingProcessor) Resume(context.Context, settlement.Signer) error { return nil }

func (p *leasingProcessor) state(id string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foreign, p.settled[id]
}

func TestWorkerRequeuesJobLeasedToAnotherWorker(t *testing.T) {
	q := queue.NewMemoryQueue("test", 1, 100)
	keys, err := DeriveKeys(testMnemonic, []int{0, 1})
	require.NoError(t, err)
	owner := settlement.Signer{Address: crypto.PubkeyToAddress(keys[0].PublicKey), Key: keys[0]}
	other := settlement.Signer{Address: crypto.PubkeyToAddress(keys[1].PublicKey), Key: keys[1]}

	// the owner claimed the job before it restarted
	processor := &leasingProcessor{
		owner:   map[string]common.Address{"job-1": owner.Address},
		settled: map[string]bool{},
	}

	otherConsumer, err := q.Consumer(0)
	require.NoError(t, err)
	wOther := New(1, other, otherConsumer, processor, &fakeNonces{}, time.Second, nil)
	require.NoError(t, wOther.Start(context.Background()))
	defer wOther.Stop()

	publish(t, q, "job-1")
	require.Eventually(t, func() bool {
		foreign, _ := processor.state("job-1")
		return foreign > 0
	}, time.Second, time.Millisecond)

	ownerConsumer, err := q.Consumer(0)
	require.NoError(t, err)
	wOwner := New(0, owner, ownerConsumer, processor, &fakeNonces{}, time.Second, nil)
	require.NoError(t, wOwner.Start(context.Background()))
	defer wOwner.Stop()

	require.Eventually(t, func() bool {
		_, settled := processor.state("job-1")
		return settled && q.Len() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}

func TestWorkerStopWaitsForJobInHand(t *testing.T) {
	q := queue.NewMemoryQueue("test", 1, 3)
	consumer, err := q.Consumer(0)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	processor := newFakeProcessor()
	processor.process = func(string, int) error {
		close(started)
		<-release
		return nil
	}

	w := New(0, testSigner(t), consumer, processor, &fakeNonces{}, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	publish(t, q, "slow")
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in hand")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, 1, w.Handled())
	assert.Equal(t, 0, q.Len())
}

func TestWorkerStartFailsWhenNonceSyncFails(t *testing.T) {
	q := queue.NewMemoryQueue("test", 1, 3)
	consumer, err := q.Consumer(0)
	require.NoError(t, err)

	processor := newFakeProcessor()
	w := New(0, testSigner(t), consumer, processor, &fakeNonces{err: errors.New("rpc down")}, time.Second, nil)
	assert.Error(t, w.Start(context.Background()))
	assert.Empty(t, processor.resumed)
}

func TestPoolRoutesPartitionsToWorkers(t *testing.T) {
	q := queue.NewMemoryQueue("test", 2, 3)
	processor := newFakeProcessor()
	pool, err := NewPool(PoolOptions{
		Mnemonic:   testMnemonic,
		GroupIndex: 1,
		GroupSize:  2,
		Partitions: 2,
	}, q, processor, &fakeNonces{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3}, pool.Indices())
	assert.Equal(t, 0, pool.PartitionFor(2))
	assert.Equal(t, 1, pool.PartitionFor(3))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()
	assert.Equal(t, 2, pool.Running())

	keys, err := DeriveKeys(testMnemonic, []int{2, 3})
	require.NoError(t, err)
	byPartition := map[int]common.Address{
		0: crypto.PubkeyToAddress(keys[0].PublicKey),
		1: crypto.PubkeyToAddress(keys[1].PublicKey),
	}
	assert.ElementsMatch(t, []common.Address{byPartition[0], byPartition[1]}, pool.Addresses())

	ids := []string{"job-a", "job-b", "job-c", "job-d", "job-e", "job-f"}
	for _, id := range ids {
		publish(t, q, id)
	}
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if processor.callCount(id) != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	for _, id := range ids {
		assert.Equal(t, byPartition[queue.Partition(id, 2)], processor.signerOf(id), id)
	}

	pool.Stop()
	assert.Equal(t, 0, pool.Running())
}

func TestNewPoolValidatesGroup(t *testing.T) {
	q := queue.NewMemoryQueue("test", 1, 1)
	_, err := NewPool(PoolOptions{Mnemonic: testMnemonic, GroupSize: 0}, q, newFakeProcessor(), &fakeNonces{}, nil)
	assert.Error(t, err)
	_, err = NewPool(PoolOptions{Mnemonic: testMnemonic, GroupSize: 1, GroupIndex: -1}, q, newFakeProcessor(), &fakeNonces{}, nil)
	assert.Error(t, err)
}
