package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
)

// DedupWindow is how long a published dedup id suppresses repeats
const DedupWindow = 5 * time.Minute

// MemoryQueue is an in-process partitioned queue with at-least-once
// delivery, a delivery bound and a dead-letter list. It backs tests and
// single-process deployments.
type MemoryQueue struct {
	name          string
	maxDeliveries int

	mu          sync.Mutex
	partitions  [][]*memEntry
	seen        map[string]time.Time
	deadLetters []Message
	wake        chan struct{}
	closed      bool
	now         func() time.Time
}

type memEntry struct {
	msg      Message
	attempts int
}

var _ Producer = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue with the given partition count and delivery bound
func NewMemoryQueue(name string, partitions, maxDeliveries int) *MemoryQueue {
	if partitions < 1 {
		partitions = 1
	}
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	return &MemoryQueue{
		name:          name,
		maxDeliveries: maxDeliveries,
		partitions:    make([][]*memEntry, partitions),
		seen:          make(map[string]time.Time),
		wake:          make(chan struct{}),
		now:           time.Now,
	}
}

// Publish enqueues m on its partition unless its dedup id was published within DedupWindow
func (q *MemoryQueue) Publish(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	now := q.now()
	q.pruneSeen(now)
	if _, ok := q.seen[m.DedupID()]; ok {
		return nil
	}
	q.seen[m.DedupID()] = now

	p := Partition(m.JobID(), len(q.partitions))
	q.partitions[p] = append(q.partitions[p], &memEntry{msg: m})
	q.broadcast()
	return nil
}

// Consumer returns a consumer of partition p
func (q *MemoryQueue) Consumer(p int) (Consumer, error) {
	if p < 0 || p >= len(q.partitions) {
		return nil, fmt.Errorf("partition %d out of range [0, %d)", p, len(q.partitions))
	}
	return &memConsumer{q: q, partition: p}, nil
}

// Partitions returns the partition count
func (q *MemoryQueue) Partitions() int {
	return len(q.partitions)
}

// Len returns the number of queued messages across partitions
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.partitions {
		n += len(p)
	}
	return n
}

// DeadLetters returns the messages that exhausted their deliveries
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.deadLetters...)
}

func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close wakes all blocked consumers with ErrClosed
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}

// pruneSeen forgets dedup ids published more than DedupWindow before now; callers hold q.mu
func (q *MemoryQueue) pruneSeen(now time.Time) {
	for id, at := range q.seen {
		if now.Sub(at) >= DedupWindow {
			delete(q.seen, id)
		}
	}
}

// broadcast wakes every waiting consumer; callers hold q.mu
func (q *MemoryQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) pop(p int) (*memEntry, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, ErrClosed
	}
	if len(q.partitions[p]) == 0 {
		return nil, q.wake, nil
	}
	e := q.partitions[p][0]
	q.partitions[p] = q.partitions[p][1:]
	e.attempts++
	return e, nil, nil
}

func (q *MemoryQueue) release(p int, e *memEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.attempts >= q.maxDeliveries {
		q.deadLetters = append(q.deadLetters, e.msg)
		metrics.DeadLettered.WithLabelValues(q.name).Inc()
		return
	}
	metrics.Redeliveries.WithLabelValues(q.name).Inc()
	q.partitions[p] = append(q.partitions[p], e)
	q.broadcast()
}

type memConsumer struct {
	q         *MemoryQueue
	partition int
}

func (c *memConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		e, wait, err := c.q.pop(c.partition)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return &memDelivery{c: c, entry: e}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (c *memConsumer) Close() error {
	return nil
}

type memDelivery struct {
	c     *memConsumer
	entry *memEntry
	once  sync.Once
}

func (d *memDelivery) Message() Message { return d.entry.msg }
func (d *memDelivery) Attempt() int     { return d.entry.attempts }

func (d *memDelivery) Ack() error {
	return d.settle(func() {})
}

func (d *memDelivery) Nack() error {
	return d.settle(func() { d.c.q.release(d.c.partition, d.entry) })
}

func (d *memDelivery) settle(fn func()) error {
	var settled bool
	d.once.Do(func() {
		fn()
		settled = true
	})
	if !settled {
		return fmt.Errorf("delivery of job %s already settled", d.entry.msg.JobID())
	}
	return nil
}
