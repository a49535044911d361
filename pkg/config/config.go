package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
)

// Config holds the configuration for the RFQ service
type Config struct {
	Mode                     string
	Chain                    ChainConfig
	Gas                      GasConfig
	Makers                   MakerConfig
	Queue                    QueueConfig
	Worker                   WorkerConfig
	BalanceCacheFreshness    time.Duration
	QuoteHashTTL             time.Duration
	FallbackHedgeDelay       time.Duration
	AMMAPIURL                string
	DatabaseURL              string
	RedisURL                 string
	AMQPURL                  string
	MetricsPort              string
	MetricsAPIKey            string
	LiquidityMonitorInterval time.Duration
	LoggerConfig             LoggerConfig
}

// ChainConfig holds the configuration for the served blockchain
type ChainConfig struct {
	ChainID               int
	Name                  string
	RPCURL                string
	ExchangeProxyAddress  common.Address
	BalanceCheckerAddress common.Address
	// TxOriginRegistry is the txOrigin written into OTC orders; workers are registered as its allowed origins
	TxOriginRegistry common.Address
}

// GasConfig holds the gas pricing and confirmation settings
type GasConfig struct {
	Multiplier           float64
	MaxGasPrice          *big.Int
	BumpPercent          int
	MaxBumps             int
	ConfirmationDeadline time.Duration
	ReceiptPollInterval  time.Duration
}

// MakerConfig holds the maker registry and RFQ request settings
type MakerConfig struct {
	ConfigPath       string
	RefreshInterval  time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	RateLimit        float64
	ProxyURL         string
}

// QueueConfig holds the work queue settings
type QueueConfig struct {
	Name          string
	Partitions    int
	MaxDeliveries int
}

// WorkerConfig holds the worker pool settings
type WorkerConfig struct {
	Mnemonic          string
	GroupIndex        int
	GroupSize         int
	ProcessingTimeout time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// RunsWorkers reports whether the process should start the worker pool
func (c *Config) RunsWorkers() bool {
	return c.Mode == ModeWorker || c.Mode == ModeAll
}

// RunsAPI reports whether the process should serve quotes
func (c *Config) RunsAPI() bool {
	return c.Mode == ModeAPI || c.Mode == ModeAll
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	mode, err := GetEnvMode()
	if err != nil {
		return nil, err
	}

	chain, err := loadChainConfig()
	if err != nil {
		return nil, err
	}

	gas, err := loadGasConfig()
	if err != nil {
		return nil, err
	}

	makers, err := loadMakerConfig()
	if err != nil {
		return nil, err
	}

	queue, err := loadQueueConfig()
	if err != nil {
		return nil, err
	}

	worker, err := loadWorkerConfig()
	if err != nil {
		return nil, err
	}

	freshness, err := GetEnvDuration("BALANCE_CACHE_FRESHNESS", DefaultBalanceCacheFreshness)
	if err != nil {
		return nil, err
	}

	quoteHashTTL, err := GetEnvDuration("QUOTE_HASH_TTL", DefaultQuoteHashTTL)
	if err != nil {
		return nil, err
	}

	hedgeDelay, err := GetEnvDuration("FALLBACK_HEDGE_DELAY", DefaultFallbackHedgeDelay)
	if err != nil {
		return nil, err
	}

	monitorInterval, err := GetEnvDuration("LIQUIDITY_MONITOR_INTERVAL", DefaultLiquidityMonitorInterval)
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                     mode,
		Chain:                    chain,
		Gas:                      gas,
		Makers:                   makers,
		Queue:                    queue,
		Worker:                   worker,
		BalanceCacheFreshness:    freshness,
		QuoteHashTTL:             quoteHashTTL,
		FallbackHedgeDelay:       hedgeDelay,
		AMMAPIURL:                GetEnvString("AMM_API_URL", ""),
		DatabaseURL:              GetEnvString("DATABASE_URL", ""),
		RedisURL:                 GetEnvString("REDIS_URL", ""),
		AMQPURL:                  GetEnvString("AMQP_URL", ""),
		MetricsPort:              metricsPort,
		MetricsAPIKey:            os.Getenv("METRICS_API_KEY"),
		LiquidityMonitorInterval: monitorInterval,
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadChainConfig() (ChainConfig, error) {
	chainID, err := GetEnvChainID()
	if err != nil {
		return ChainConfig{}, err
	}

	rpcURL, err := GetEnvRPCURL(chainID)
	if err != nil {
		return ChainConfig{}, err
	}

	proxy, err := GetEnvAddress("EXCHANGE_PROXY_ADDRESS", DefaultExchangeProxyAddress)
	if err != nil {
		return ChainConfig{}, err
	}

	balanceChecker, err := GetEnvAddress("BALANCE_CHECKER_ADDRESS", "")
	if err != nil {
		return ChainConfig{}, err
	}

	registry, err := GetEnvAddress("TX_ORIGIN_REGISTRY_ADDRESS", "")
	if err != nil {
		return ChainConfig{}, err
	}

	return ChainConfig{
		TxOriginRegistry:      registry,
		ChainID:               chainID,
		Name:                  GetChainName(chainID),
		RPCURL:                rpcURL,
		ExchangeProxyAddress:  proxy,
		BalanceCheckerAddress: balanceChecker,
	}, nil
}

func loadGasConfig() (GasConfig, error) {
	multiplier, err := GetEnvGasMultiplier()
	if err != nil {
		return GasConfig{}, err
	}

	maxGasPrice, err := GetEnvMaxGasPrice()
	if err != nil {
		return GasConfig{}, err
	}

	bumpPercent, err := getEnvPositiveInt("GAS_BUMP_PERCENT", DefaultGasBumpPercent)
	if err != nil {
		return GasConfig{}, err
	}

	maxBumps, err := getEnvNonNegativeInt("MAX_GAS_BUMPS", DefaultMaxGasBumps)
	if err != nil {
		return GasConfig{}, err
	}

	deadline, err := GetEnvDuration("CONFIRMATION_DEADLINE", DefaultConfirmationDeadline)
	if err != nil {
		return GasConfig{}, err
	}

	pollInterval, err := GetEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval)
	if err != nil {
		return GasConfig{}, err
	}

	return GasConfig{
		Multiplier:           multiplier,
		MaxGasPrice:          maxGasPrice,
		BumpPercent:          bumpPercent,
		MaxBumps:             maxBumps,
		ConfirmationDeadline: deadline,
		ReceiptPollInterval:  pollInterval,
	}, nil
}

func loadMakerConfig() (MakerConfig, error) {
	refresh, err := GetEnvDuration("MAKER_REFRESH_INTERVAL", DefaultMakerRefreshInterval)
	if err != nil {
		return MakerConfig{}, err
	}

	timeout, err := GetEnvMakerTimeout()
	if err != nil {
		return MakerConfig{}, err
	}

	threshold, err := getEnvPositiveInt("MAKER_FAILURE_THRESHOLD", DefaultMakerFailureThreshold)
	if err != nil {
		return MakerConfig{}, err
	}

	cooldown, err := GetEnvDuration("MAKER_COOLDOWN", DefaultMakerCooldown)
	if err != nil {
		return MakerConfig{}, err
	}

	rateLimit, err := GetEnvMakerRateLimit()
	if err != nil {
		return MakerConfig{}, err
	}

	return MakerConfig{
		ConfigPath:       GetEnvString("MAKER_CONFIG_PATH", ""),
		RefreshInterval:  refresh,
		Timeout:          timeout,
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		RateLimit:        rateLimit,
		ProxyURL:         GetEnvString("RFQ_PROXY_URL", ""),
	}, nil
}

func loadQueueConfig() (QueueConfig, error) {
	partitions, err := getEnvPositiveInt("QUEUE_PARTITIONS", DefaultQueuePartitions)
	if err != nil {
		return QueueConfig{}, err
	}

	maxDeliveries, err := getEnvPositiveInt("QUEUE_MAX_DELIVERIES", DefaultQueueMaxDeliveries)
	if err != nil {
		return QueueConfig{}, err
	}

	return QueueConfig{
		Name:          GetEnvString("QUEUE_NAME", DefaultQueueName),
		Partitions:    partitions,
		MaxDeliveries: maxDeliveries,
	}, nil
}

func loadWorkerConfig() (WorkerConfig, error) {
	groupIndex, groupSize, err := GetEnvWorkerGroup()
	if err != nil {
		return WorkerConfig{}, err
	}

	timeout, err := GetEnvDuration("JOB_PROCESSING_TIMEOUT", DefaultJobProcessingTimeout)
	if err != nil {
		return WorkerConfig{}, err
	}

	return WorkerConfig{
		Mnemonic:          os.Getenv("WORKER_MNEMONIC"),
		GroupIndex:        groupIndex,
		GroupSize:         groupSize,
		ProcessingTimeout: timeout,
	}, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.RunsWorkers() && cfg.Worker.Mnemonic == "" {
		return fmt.Errorf("WORKER_MNEMONIC environment variable is required in %s mode", cfg.Mode)
	}
	if cfg.RunsAPI() && cfg.Chain.BalanceCheckerAddress == (common.Address{}) {
		return fmt.Errorf("BALANCE_CHECKER_ADDRESS for chain %d is required in %s mode", cfg.Chain.ChainID, cfg.Mode)
	}
	if cfg.Makers.ConfigPath == "" && cfg.DatabaseURL == "" {
		return fmt.Errorf("either MAKER_CONFIG_PATH or DATABASE_URL is required to load makers")
	}
	// every process must consume every partition
	if cfg.Queue.Partitions > cfg.Worker.GroupSize && cfg.RunsWorkers() {
		return fmt.Errorf("QUEUE_PARTITIONS (%d) must not exceed WORKER_GROUP_SIZE (%d)", cfg.Queue.Partitions, cfg.Worker.GroupSize)
	}
	return nil
}
