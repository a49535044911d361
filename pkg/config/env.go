package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
)

const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"

	// DefaultMode runs quoting and workers in one process
	DefaultMode = ModeAll

	// DefaultChainID is Polygon mainnet
	DefaultChainID = PolygonMainnetChainID

	// DefaultExchangeProxyAddress is the exchange proxy deployed at the same address on every supported chain
	DefaultExchangeProxyAddress = "0xDef1C0ded9bec7F1a1670819833240f027b25EfF"

	// DefaultGasMultiplier is applied on top of the node's suggested gas price
	DefaultGasMultiplier = 1.1

	// DefaultMaxGasPrice caps every gas price the service will pay, in wei (500 gwei)
	DefaultMaxGasPrice = "500000000000"

	// DefaultGasBumpPercent is the minimum replacement increase accepted by nodes
	DefaultGasBumpPercent = 10

	// DefaultMaxGasBumps is the number of same-nonce resubmissions before a job times out
	DefaultMaxGasBumps = 2

	// DefaultConfirmationDeadline is how long a submitted transaction may stay unconfirmed before a bump
	DefaultConfirmationDeadline = 60 * time.Second

	// DefaultReceiptPollInterval is how often receipts are polled
	DefaultReceiptPollInterval = 2 * time.Second

	// DefaultMakerRefreshInterval is how often the maker configuration is reloaded
	DefaultMakerRefreshInterval = time.Minute

	// DefaultMakerTimeoutMs is the per-maker RFQ request timeout
	DefaultMakerTimeoutMs = 600

	// DefaultMakerFailureThreshold is the number of consecutive maker failures before backoff
	DefaultMakerFailureThreshold = 3

	// DefaultMakerCooldown is how long a failing maker stays disabled
	DefaultMakerCooldown = 30 * time.Second

	// DefaultMakerRateLimit is the per-maker request budget in requests per second
	DefaultMakerRateLimit = 20.0

	// DefaultBalanceCacheFreshness is how long a maker balance read stays fresh
	DefaultBalanceCacheFreshness = 30 * time.Second

	// DefaultQuoteHashTTL is how long a firm quote hash can be submitted
	DefaultQuoteHashTTL = 15 * time.Minute

	// DefaultFallbackHedgeDelay is how long RFQ gets before the fallback request is started anyway
	DefaultFallbackHedgeDelay = 200 * time.Millisecond

	// DefaultQueueName is the base name of the partitioned job queues
	DefaultQueueName = "rfqm-jobs"

	// DefaultQueuePartitions is the number of queue partitions
	DefaultQueuePartitions = 1

	// DefaultQueueMaxDeliveries is the delivery bound before a message is dead-lettered
	DefaultQueueMaxDeliveries = 5

	// DefaultWorkerGroupSize is the number of workers in a group
	DefaultWorkerGroupSize = 1

	// DefaultJobProcessingTimeout bounds the processing of one message
	DefaultJobProcessingTimeout = 5 * time.Minute

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultLiquidityMonitorInterval is how often liquidity probes run
	DefaultLiquidityMonitorInterval = 5 * time.Minute
)

// GetEnvMode returns the process mode
func GetEnvMode() (string, error) {
	mode := os.Getenv("MODE")
	if mode == "" {
		return DefaultMode, nil
	}
	switch mode {
	case ModeAPI, ModeWorker, ModeAll:
		return mode, nil
	}
	return "", fmt.Errorf("invalid MODE value: %s, must be 'api', 'worker' or 'all'", mode)
}

// GetEnvChainID returns the chain the process serves
func GetEnvChainID() (int, error) {
	return getEnvPositiveInt("CHAIN_ID", DefaultChainID)
}

// GetEnvRPCURL returns the RPC endpoint, falling back to the public endpoint for the chain
func GetEnvRPCURL(chainID int) (string, error) {
	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		rpcURL = defaultRPCURLs[chainID]
	}
	if rpcURL == "" {
		return "", fmt.Errorf("RPC_URL is required for chain %d", chainID)
	}
	if _, err := url.Parse(rpcURL); err != nil {
		return "", fmt.Errorf("invalid RPC_URL value: %s, must be a valid URL", rpcURL)
	}
	return rpcURL, nil
}

// GetEnvAddress reads an Ethereum address, using def when unset
func GetEnvAddress(name, def string) (common.Address, error) {
	value := os.Getenv(name)
	if value == "" {
		value = def
	}
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, value)
	}
	return common.HexToAddress(value), nil
}

// GetEnvGasMultiplier returns the gas price multiplier
func GetEnvGasMultiplier() (float64, error) {
	value := os.Getenv("GAS_MULTIPLIER")
	if value == "" {
		return DefaultGasMultiplier, nil
	}
	multiplier, err := strconv.ParseFloat(value, 64)
	if err != nil || multiplier < 1 {
		return 0, fmt.Errorf("invalid GAS_MULTIPLIER value: %s, must be a number >= 1", value)
	}
	return multiplier, nil
}

// GetEnvMaxGasPrice returns the maximum gas price from environment variables
func GetEnvMaxGasPrice() (*big.Int, error) {
	maxGasPrice := os.Getenv("MAX_GAS_PRICE")
	if maxGasPrice == "" {
		maxGasPrice = DefaultMaxGasPrice
	}

	maxGasPriceBig := new(big.Int)
	if _, ok := maxGasPriceBig.SetString(maxGasPrice, 10); !ok {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE value: %s, must be a valid integer string", maxGasPrice)
	}
	if maxGasPriceBig.Sign() <= 0 {
		return nil, fmt.Errorf("MAX_GAS_PRICE must be greater than 0")
	}
	return maxGasPriceBig, nil
}

// GetEnvMakerTimeout returns the per-maker RFQ timeout
func GetEnvMakerTimeout() (time.Duration, error) {
	ms, err := getEnvPositiveInt("MAKER_TIMEOUT_MS", DefaultMakerTimeoutMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// GetEnvMakerRateLimit returns the per-maker request rate
func GetEnvMakerRateLimit() (float64, error) {
	value := os.Getenv("MAKER_RATE_LIMIT")
	if value == "" {
		return DefaultMakerRateLimit, nil
	}
	limit, err := strconv.ParseFloat(value, 64)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid MAKER_RATE_LIMIT value: %s, must be a positive number", value)
	}
	return limit, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvLogLevel returns the log level
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %s, must be 'debug', 'info', 'notice' or 'error'", os.Getenv("LOG_LEVEL"))
	}
	return level, nil
}

// GetEnvLogColoring returns whether log coloring is enabled
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

// GetEnvWorkerGroup returns the worker group index and size
func GetEnvWorkerGroup() (int, int, error) {
	size, err := getEnvPositiveInt("WORKER_GROUP_SIZE", DefaultWorkerGroupSize)
	if err != nil {
		return 0, 0, err
	}
	index, err := getEnvNonNegativeInt("WORKER_GROUP_INDEX", 0)
	if err != nil {
		return 0, 0, err
	}
	return index, size, nil
}

// GetEnvString returns the value of name or def when unset
func GetEnvString(name, def string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return def
}

// GetEnvDuration reads a Go duration string such as "30s"
func GetEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvNonNegativeInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", name)
	}
	return parsed, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}
