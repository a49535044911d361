// Package queue carries job identifiers from the API to the workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// ErrClosed is returned by Receive once the consumer has been closed
var ErrClosed = errors.New("queue closed")

// Message is the wire body of a job message. OTC jobs are keyed by order
// hash, meta-transaction jobs by their generated id.
type Message struct {
	OrderHash string         `json:"orderHash,omitempty"`
	ID        string         `json:"id,omitempty"`
	Type      models.JobKind `json:"type"`
}

// NewMessage builds the message announcing job id of the given kind
func NewMessage(kind models.JobKind, id string) (Message, error) {
	switch kind {
	case models.KindOtcOrder:
		return Message{OrderHash: id, Type: kind}, nil
	case models.KindMetaTransaction:
		return Message{ID: id, Type: kind}, nil
	}
	return Message{}, fmt.Errorf("unknown job kind %q", kind)
}

// JobID returns the identifier of the job the message refers to
func (m Message) JobID() string {
	if m.Type == models.KindOtcOrder {
		return m.OrderHash
	}
	return m.ID
}

// DedupID is the producer deduplication and group id, equal to the job id
func (m Message) DedupID() string {
	return m.JobID()
}

// Validate checks the message names a known kind and a job
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.JobID() == "" {
		return fmt.Errorf("%s message carries no job id", m.Type)
	}
	return nil
}

// Encode serializes the message body
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a message body
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Partition maps a job id onto one of n partitions
func Partition(jobID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(n))
}

// PartitionName is the queue name of partition p
func PartitionName(base string, p int) string {
	return fmt.Sprintf("%s.%d", base, p)
}

// Producer publishes job messages
type Producer interface {
	Publish(ctx context.Context, m Message) error
}

// Delivery is one received message. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Message() Message
	// Attempt is the 1-based delivery count of the message
	Attempt() int
	Ack() error
	// Nack returns the message for redelivery; it is dead-lettered once its
	// delivery bound is reached
	Nack() error
}

// Consumer pulls at most one message at a time from a single partition
type Consumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}
