package chainclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
)

// Backend is the subset of the node RPC used by the service. *ethclient.Client implements it.
type Backend interface {
	bind.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Client contains the connection and config for the served blockchain
type Client struct {
	Backend
	chainID int
	RPCURL  string
	logger  logger.Logger
}

// New wraps an existing backend
func New(backend Backend, chainID int, log logger.Logger) *Client {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Client{
		Backend: backend,
		chainID: chainID,
		logger:  log,
	}
}

// Dial connects to rpcURL and checks the node serves chainID
func Dial(ctx context.Context, chainID int, rpcURL string, log logger.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain %d: %v", chainID, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	remote, err := ec.ChainID(timeoutCtx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}
	if remote.Int64() != int64(chainID) {
		ec.Close()
		return nil, fmt.Errorf("RPC %s serves chain %s, expected %d", rpcURL, remote, chainID)
	}

	client := New(ec, chainID, log)
	client.RPCURL = rpcURL
	return client, nil
}

// ID returns the chain ID the client serves
func (c *Client) ID() int {
	return c.chainID
}

// GetLatestBlockNumber gets the latest block number from the chain
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	if c.Backend == nil {
		return 0, fmt.Errorf("client not connected")
	}
	return c.BlockNumber(ctx)
}

// SignTx signs a legacy transaction for the served chain
func (c *Client) SignTx(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(big.NewInt(int64(c.chainID)))
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %v", err)
	}
	return signed, nil
}
