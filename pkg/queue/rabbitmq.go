package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/metrics"
)

// RabbitQueue publishes to and consumes from one quorum queue per partition.
// The broker enforces the delivery bound and routes exhausted messages to
// the dead-letter queue.
type RabbitQueue struct {
	conn          *amqp.Connection
	name          string
	partitions    int
	maxDeliveries int
	logger        logger.Logger

	mu      sync.Mutex
	publish *amqp.Channel
}

var _ Producer = (*RabbitQueue)(nil)

// DialRabbit connects to url and declares the partition queues and the dead-letter topology
func DialRabbit(url, name string, partitions, maxDeliveries int, log logger.Logger) (*RabbitQueue, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("invalid partition count %d", partitions)
	}
	if maxDeliveries < 1 {
		return nil, fmt.Errorf("invalid delivery bound %d", maxDeliveries)
	}

	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	q := &RabbitQueue{
		conn:          conn,
		name:          name,
		partitions:    partitions,
		maxDeliveries: maxDeliveries,
		logger:        log.With("queue"),
	}
	if err := q.declare(); err != nil {
		conn.Close()
		return nil, err
	}

	q.publish, err = conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := q.publish.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	q.logger.Info("Declared %d partition(s) of %s with delivery limit %d", partitions, name, maxDeliveries)
	return q, nil
}

func (q *RabbitQueue) deadLetterExchange() string { return q.name + ".dlx" }
func (q *RabbitQueue) deadLetterQueue() string    { return q.name + ".dead" }

func (q *RabbitQueue) declare() error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		q.deadLetterExchange(), // name
		amqp.ExchangeFanout,    // type
		true,                   // durable
		false,                  // auto-deleted
		false,                  // internal
		false,                  // no-wait
		nil,                    // arguments
	); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(q.deadLetterQueue(), true, false, false, false, amqp.Table{
		amqp.QueueTypeArg: amqp.QueueTypeQuorum,
	}); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(q.deadLetterQueue(), "", q.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	// the broker counts returned deliveries, so the first delivery is not part of the limit
	for p := 0; p < q.partitions; p++ {
		if _, err := ch.QueueDeclare(PartitionName(q.name, p), true, false, false, false, amqp.Table{
			amqp.QueueTypeArg:        amqp.QueueTypeQuorum,
			"x-delivery-limit":       int64(q.maxDeliveries - 1),
			"x-dead-letter-exchange": q.deadLetterExchange(),
		}); err != nil {
			return fmt.Errorf("failed to declare partition %d: %w", p, err)
		}
	}
	return nil
}

// Publish sends m to its partition and waits for the broker confirm
func (q *RabbitQueue) Publish(ctx context.Context, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	partition := PartitionName(q.name, Partition(m.JobID(), q.partitions))

	q.mu.Lock()
	defer q.mu.Unlock()
	confirm, err := q.publish.PublishWithDeferredConfirmWithContext(ctx,
		"",        // exchange
		partition, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     m.DedupID(),
			CorrelationId: m.DedupID(),
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", m.JobID(), err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm of job %s: %w", m.JobID(), err)
	}
	if !ok {
		return fmt.Errorf("broker rejected job %s", m.JobID())
	}
	q.logger.Debug("Published %s job %s to %s", m.Type, m.JobID(), partition)
	return nil
}

// Consumer opens a prefetch-1 consumer on partition p
func (q *RabbitQueue) Consumer(p int) (Consumer, error) {
	if p < 0 || p >= q.partitions {
		return nil, fmt.Errorf("partition %d out of range [0, %d)", p, q.partitions)
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := "rfqm-worker-" + uuid.NewString()
	queueName := PartitionName(q.name, p)
	deliveries, err := ch.Consume(
		queueName, // queue
		tag,       // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queueName, err)
	}
	q.logger.Info("Consuming %s as %s", queueName, tag)
	return &rabbitConsumer{q: q, ch: ch, tag: tag, queue: queueName, deliveries: deliveries}, nil
}

// Partitions returns the partition count
func (q *RabbitQueue) Partitions() int {
	return q.partitions
}

func (q *RabbitQueue) Ping(_ context.Context) error {
	if q.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ connection is closed")
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publish != nil {
		_ = q.publish.Close()
	}
	return q.conn.Close()
}

type rabbitConsumer struct {
	q          *RabbitQueue
	ch         *amqp.Channel
	tag        string
	queue      string
	deliveries <-chan amqp.Delivery
}

// Receive returns the next delivery. Undecodable bodies are dead-lettered
// directly since no redelivery can fix them.
func (c *rabbitConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			m, err := Decode(d.Body)
			if err != nil {
				c.q.logger.Error("Dropping malformed message %s from %s: %v", d.MessageId, c.queue, err)
				metrics.DeadLettered.WithLabelValues(c.q.name).Inc()
				_ = d.Reject(false)
				continue
			}
			return &rabbitDelivery{c: c, d: d, msg: m}, nil
		}
	}
}

func (c *rabbitConsumer) Close() error {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.q.logger.Error("Failed to cancel consumer %s: %v", c.tag, err)
	}
	return c.ch.Close()
}

type rabbitDelivery struct {
	c   *rabbitConsumer
	d   amqp.Delivery
	msg Message
}

func (d *rabbitDelivery) Message() Message { return d.msg }

func (d *rabbitDelivery) Attempt() int {
	return deliveryCount(d.d.Headers) + 1
}

func (d *rabbitDelivery) Ack() error {
	return d.d.Ack(false)
}

func (d *rabbitDelivery) Nack() error {
	if d.Attempt() >= d.c.q.maxDeliveries {
		metrics.DeadLettered.WithLabelValues(d.c.q.name).Inc()
	} else {
		metrics.Redeliveries.WithLabelValues(d.c.q.name).Inc()
	}
	return d.d.Nack(false, true)
}

// deliveryCount reads the quorum queue x-delivery-count header
func deliveryCount(h amqp.Table) int {
	switch v := h["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
