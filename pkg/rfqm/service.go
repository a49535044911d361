// Package rfqm assembles the quoting service and the settlement workers from
// the configuration.
package rfqm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/speedrun-rfq/pkg/ammclient"
	"github.com/speedrun-hq/speedrun-rfq/pkg/balancecache"
	"github.com/speedrun-hq/speedrun-rfq/pkg/blockchain"
	"github.com/speedrun-hq/speedrun-rfq/pkg/chainclient"
	"github.com/speedrun-hq/speedrun-rfq/pkg/config"
	"github.com/speedrun-hq/speedrun-rfq/pkg/contracts"
	"github.com/speedrun-hq/speedrun-rfq/pkg/health"
	"github.com/speedrun-hq/speedrun-rfq/pkg/jobstore"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
	"github.com/speedrun-hq/speedrun-rfq/pkg/makers"
	"github.com/speedrun-hq/speedrun-rfq/pkg/monitor"
	"github.com/speedrun-hq/speedrun-rfq/pkg/orchestrator"
	"github.com/speedrun-hq/speedrun-rfq/pkg/queue"
	"github.com/speedrun-hq/speedrun-rfq/pkg/rfq"
	"github.com/speedrun-hq/speedrun-rfq/pkg/settlement"
	"github.com/speedrun-hq/speedrun-rfq/pkg/worker"
)

const (
	gasPriceRefreshInterval = 15 * time.Second
	ammTimeout              = 5 * time.Second
	shutdownTimeout         = 30 * time.Second
)

// workQueue is the queue the orchestrator publishes to and the workers consume
type workQueue interface {
	queue.Producer
	worker.ConsumerSource
	Ping(ctx context.Context) error
	Close() error
}

// Service holds every long-lived component of one process
type Service struct {
	config *config.Config
	logger logger.Logger

	db       *sqlx.DB
	redis    *redis.Client
	chain    *chainclient.Client
	gasPrice *chainclient.GasPriceRoutine
	nonces   *blockchain.NonceManager
	store    jobstore.Store
	queue    workQueue
	registry *makers.Registry
	quotes   balancecache.QuoteStore

	orchestrator *orchestrator.Orchestrator
	liquidity    *monitor.LiquidityMonitor
	pool         *worker.Pool
	health       *health.Server
}

// NewService connects to the chain and the backing stores and builds the
// components the configured mode runs
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	stdLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	s := &Service{config: cfg, logger: stdLogger}

	if err := s.connect(ctx); err != nil {
		s.close()
		return nil, err
	}
	if err := s.build(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// connect opens the chain client, the job store and the queue
func (s *Service) connect(ctx context.Context) error {
	cfg := s.config

	chain, err := chainclient.Dial(ctx, cfg.Chain.ChainID, cfg.Chain.RPCURL, s.logger.With("chain"))
	if err != nil {
		return fmt.Errorf("failed to create chain client for chain %d: %w", cfg.Chain.ChainID, err)
	}
	s.chain = chain
	s.gasPrice = chainclient.NewGasPriceRoutine(chain, cfg.Chain.ChainID, gasPriceRefreshInterval, s.logger.With("gas"))
	s.nonces = blockchain.NewNonceManager(chain, s.logger.With("nonce"))

	if cfg.DatabaseURL != "" {
		db, err := jobstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		s.db = db
		store := jobstore.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		s.store = store
	} else {
		s.logger.Notice("DATABASE_URL not set, jobs are kept in memory")
		s.store = jobstore.NewMemoryStore()
	}

	if cfg.AMQPURL != "" {
		q, err := queue.DialRabbit(cfg.AMQPURL, cfg.Queue.Name, cfg.Queue.Partitions, cfg.Queue.MaxDeliveries, s.logger.With("queue"))
		if err != nil {
			return err
		}
		s.queue = q
	} else {
		if cfg.Mode != config.ModeAll {
			s.logger.Notice("AMQP_URL not set in %s mode, jobs will not leave this process", cfg.Mode)
		}
		s.queue = queue.NewMemoryQueue(cfg.Queue.Name, cfg.Queue.Partitions, cfg.Queue.MaxDeliveries)
	}

	if cfg.RedisURL != "" && cfg.RunsAPI() {
		client, err := balancecache.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
	}
	return nil
}

// build wires the quoting and settlement components on top of the connections
func (s *Service) build() error {
	cfg := s.config

	var source makers.Source
	if cfg.Makers.ConfigPath != "" {
		source = &makers.FileSource{Path: cfg.Makers.ConfigPath}
	} else {
		source = &makers.DBSource{DB: s.db}
	}
	s.registry = makers.NewRegistry(source, cfg.Chain.ChainID, makers.Options{
		FailureThreshold: cfg.Makers.FailureThreshold,
		Cooldown:         cfg.Makers.Cooldown,
		RateLimit:        cfg.Makers.RateLimit,
	}, s.logger.With("makers"))

	rfqClient, err := rfq.NewClient(cfg.Makers.Timeout, cfg.Makers.ProxyURL, s.logger.With("rfq"))
	if err != nil {
		return err
	}
	proxy, err := contracts.NewExchangeProxy(cfg.Chain.ExchangeProxyAddress)
	if err != nil {
		return err
	}

	var cache *balancecache.Cache
	if cfg.RunsAPI() {
		checker, err := contracts.NewBalanceChecker(cfg.Chain.BalanceCheckerAddress, s.chain)
		if err != nil {
			return err
		}
		cache = balancecache.New(checker, cfg.Chain.ChainID, cfg.BalanceCacheFreshness, s.logger.With("balances"))
	}

	rfqOpts := rfq.Options{
		ChainID:       cfg.Chain.ChainID,
		ExchangeProxy: proxy.Address,
		TxOrigin:      cfg.Chain.TxOriginRegistry,
	}
	if rfqOpts.TxOrigin == (common.Address{}) && cfg.Worker.Mnemonic != "" {
		origin, err := firstWorkerAddress(cfg.Worker.Mnemonic)
		if err != nil {
			return err
		}
		s.logger.Notice("TX_ORIGIN_REGISTRY not set, orders name worker %s as txOrigin", origin.Hex())
		rfqOpts.TxOrigin = origin
	}
	var requestor *rfq.Requestor
	if cache != nil {
		requestor = rfq.NewRequestor(rfqClient, s.registry, cache, rfqOpts, s.logger.With("rfq"))
	} else {
		requestor = rfq.NewRequestor(rfqClient, s.registry, nil, rfqOpts, s.logger.With("rfq"))
	}

	if cfg.RunsAPI() {
		s.buildQuoting(requestor, cache, proxy)
	}

	if cfg.RunsWorkers() {
		gas := chainclient.NewMultiplierStrategy(s.gasPrice, cfg.Gas.Multiplier, cfg.Gas.BumpPercent, cfg.Gas.MaxGasPrice)
		engine := settlement.NewEngine(s.store, requestor, s.chain, proxy, s.nonces, gas, settlement.Options{
			MaxBumps:             cfg.Gas.MaxBumps,
			ConfirmationDeadline: cfg.Gas.ConfirmationDeadline,
			ReceiptPollInterval:  cfg.Gas.ReceiptPollInterval,
		}, s.logger.With("settlement"))

		pool, err := worker.NewPool(worker.PoolOptions{
			Mnemonic:          cfg.Worker.Mnemonic,
			GroupIndex:        cfg.Worker.GroupIndex,
			GroupSize:         cfg.Worker.GroupSize,
			Partitions:        cfg.Queue.Partitions,
			ProcessingTimeout: cfg.Worker.ProcessingTimeout,
		}, s.queue, engine, s.nonces, s.logger.With("worker"))
		if err != nil {
			return err
		}
		s.pool = pool
	}

	s.health = health.NewServer(s.healthOptions(), s.logger.With("health"))
	return nil
}

// buildQuoting creates the orchestrator and the liquidity monitor
func (s *Service) buildQuoting(requestor *rfq.Requestor, cache *balancecache.Cache, proxy *contracts.ExchangeProxy) {
	cfg := s.config

	if s.redis != nil {
		s.quotes = balancecache.NewRedisQuoteStore(s.redis, cfg.QuoteHashTTL)
	} else {
		s.logger.Notice("REDIS_URL not set, quote hashes are kept in memory")
		s.quotes = balancecache.NewMemoryQuoteStore(cfg.QuoteHashTTL)
	}

	var (
		fallback  orchestrator.Fallback
		ammSource monitor.AMMSource
	)
	if cfg.AMMAPIURL != "" {
		amm := ammclient.New(cfg.AMMAPIURL, ammTimeout, s.logger.With("amm"))
		fallback = amm
		ammSource = amm
	} else {
		s.logger.Notice("AMM_API_URL not set, serving RFQ liquidity only")
	}

	s.orchestrator = orchestrator.New(requestor, fallback, s.quotes, s.store, s.queue, cache, orchestrator.Options{
		ChainID:       cfg.Chain.ChainID,
		ExchangeProxy: proxy.Address,
		HedgeDelay:    cfg.FallbackHedgeDelay,
	}, s.logger.With("orchestrator"))

	probe, err := monitor.DefaultProbe(cfg.Chain.ChainID)
	if err != nil {
		s.logger.NoticeWithChain(cfg.Chain.ChainID, "Liquidity monitor disabled: %v", err)
		return
	}
	s.liquidity = monitor.NewLiquidityMonitor(requestor, ammSource, probe, cfg.Chain.ChainID, cfg.LiquidityMonitorInterval, s.logger.With("liquidity"))
}

func (s *Service) healthOptions() health.Options {
	opts := health.Options{
		Port:          s.config.MetricsPort,
		MetricsAPIKey: s.config.MetricsAPIKey,
		Checks: map[string]health.Pinger{
			"store": s.store,
			"queue": s.queue,
		},
		Makers: s.registry,
		Chain:  s.chain,
		Nonces: s.nonces,
	}
	if p, ok := s.quotes.(health.Pinger); ok {
		opts.Checks["redis"] = p
	}
	if s.pool != nil {
		opts.Workers = s.pool
	}
	return opts
}

// Orchestrator returns the quoting entry point, nil when the process runs workers only
func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// Start loads the makers, starts the background routines and the workers,
// then serves health checks until ctx is cancelled. It shuts everything down
// before returning.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	s.registry.Start(ctx, s.config.Makers.RefreshInterval)
	s.gasPrice.Start(ctx)

	if s.liquidity != nil {
		s.liquidity.Start(ctx)
	}
	if s.pool != nil {
		if err := s.pool.Start(ctx); err != nil {
			s.stop()
			return err
		}
	}

	go s.health.Start()
	s.logger.NoticeWithChain(s.config.Chain.ChainID, "Service started in %s mode", s.config.Mode)

	<-ctx.Done()
	s.logger.Notice("Context cancelled, shutting down service")
	s.stop()
	return nil
}

// stop halts the components in reverse order of dependency
func (s *Service) stop() {
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.liquidity != nil {
		s.liquidity.Stop()
	}
	s.registry.Stop()
	s.gasPrice.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.health.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shut down health server: %v", err)
	}
	s.close()
}

// close releases the connections opened by connect
func (s *Service) close() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("Failed to close queue: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close redis: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database: %v", err)
		}
	}
}

func firstWorkerAddress(mnemonic string) (common.Address, error) {
	keys, err := worker.DeriveKeys(mnemonic, []int{0})
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(keys[0].PublicKey), nil
}
