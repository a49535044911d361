package balancecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// QuoteRecord is written for every firm quote so a later submit can find
// what was quoted. It expires after the quote hash TTL.
type QuoteRecord struct {
	Kind               models.JobKind    `json:"kind"`
	Hash               common.Hash       `json:"hash"`
	ChainID            int               `json:"chainId"`
	Order              json.RawMessage   `json:"order"`
	MakerSignature     *models.Signature `json:"makerSignature,omitempty"`
	MakerURI           string            `json:"makerUri"`
	IsLastLook         bool              `json:"isLastLook"`
	IntegratorID       string            `json:"integratorId"`
	AffiliateAddress   common.Address    `json:"affiliateAddress"`
	TakerAddress       common.Address    `json:"takerAddress"`
	TakerToken         common.Address    `json:"takerToken"`
	TakerAmount        *big.Int          `json:"takerAmount"`
	TakerSpecifiedSide models.Side       `json:"takerSpecifiedSide"`
	Fee                models.Fee        `json:"fee"`
	Price              decimal.Decimal   `json:"price"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// NewQuoteRecord encodes order into a record keyed by its hash
func NewQuoteRecord(order models.Order, hash common.Hash, chainID int) (*QuoteRecord, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	return &QuoteRecord{
		Kind:    order.Kind(),
		Hash:    hash,
		ChainID: chainID,
		Order:   raw,
	}, nil
}

// DecodeOrder returns the typed order of the record
func (r *QuoteRecord) DecodeOrder() (models.Order, error) {
	return models.DecodeOrder(r.Kind, r.Order)
}

// QuoteStore holds quote records for the quote hash TTL
type QuoteStore interface {
	Put(ctx context.Context, record *QuoteRecord) error
	Get(ctx context.Context, kind models.JobKind, hash common.Hash) (*QuoteRecord, error)
}

// QuoteKey returns the store key of a quote hash
func QuoteKey(kind models.JobKind, hash common.Hash) string {
	if kind == models.KindMetaTransaction {
		return "metaTransactionHash." + hash.Hex()
	}
	return "orderHash." + hash.Hex()
}

// RedisQuoteStore keeps quote records in Redis with SET ... EX
type RedisQuoteStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ QuoteStore = (*RedisQuoteStore)(nil)

// NewRedisQuoteStore creates a store on client
func NewRedisQuoteStore(client redis.UniversalClient, ttl time.Duration) *RedisQuoteStore {
	return &RedisQuoteStore{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL and pings the server
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Put stores record under its hash key
func (s *RedisQuoteStore) Put(ctx context.Context, record *QuoteRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode quote record: %w", err)
	}
	if err := s.client.Set(ctx, QuoteKey(record.Kind, record.Hash), data, s.ttl).Err(); err != nil {
		return models.NewTransientError("redis", err)
	}
	return nil
}

// Get returns the record for hash or models.ErrQuoteNotFound
func (s *RedisQuoteStore) Get(ctx context.Context, kind models.JobKind, hash common.Hash) (*QuoteRecord, error) {
	data, err := s.client.Get(ctx, QuoteKey(kind, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrQuoteNotFound
	}
	if err != nil {
		return nil, models.NewTransientError("redis", err)
	}

	var record QuoteRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode quote record: %w", err)
	}
	return &record, nil
}

// Ping checks the connection
func (s *RedisQuoteStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryQuoteStore is an in-process QuoteStore used when no Redis is configured
type MemoryQuoteStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	ttl     time.Duration
	now     func() time.Time
}

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

var _ QuoteStore = (*MemoryQuoteStore)(nil)

// NewMemoryQuoteStore creates an empty in-memory store
func NewMemoryQuoteStore(ttl time.Duration) *MemoryQuoteStore {
	return &MemoryQuoteStore{
		records: make(map[string]memoryRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores record under its hash key
func (s *MemoryQuoteStore) Put(_ context.Context, record *QuoteRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode quote record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, r := range s.records {
		if !now.Before(r.expiresAt) {
			delete(s.records, k)
		}
	}
	s.records[QuoteKey(record.Kind, record.Hash)] = memoryRecord{data: data, expiresAt: now.Add(s.ttl)}
	return nil
}

// Get returns the record for hash or models.ErrQuoteNotFound
func (s *MemoryQuoteStore) Get(_ context.Context, kind models.JobKind, hash common.Hash) (*QuoteRecord, error) {
	s.mu.Lock()
	r, ok := s.records[QuoteKey(kind, hash)]
	s.mu.Unlock()

	if !ok || !s.now().Before(r.expiresAt) {
		return nil, models.ErrQuoteNotFound
	}

	var record QuoteRecord
	if err := json.Unmarshal(r.data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode quote record: %w", err)
	}
	return &record, nil
}
