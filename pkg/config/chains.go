package config

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EthereumMainnetChainID = 1
	PolygonMainnetChainID  = 137
	GanacheChainID         = 1337
)

// Token is a token the service knows by symbol
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// chainNames maps chain IDs to their names
var chainNames = map[int]string{
	EthereumMainnetChainID: "ETHEREUM",
	PolygonMainnetChainID:  "POLYGON",
	GanacheChainID:         "GANACHE",
}

var defaultRPCURLs = map[int]string{
	EthereumMainnetChainID: "https://eth.llamarpc.com",
	PolygonMainnetChainID:  "https://polygon-rpc.com",
	GanacheChainID:         "http://localhost:8545",
}

// knownTokens lists the tokens used by the liquidity monitor per chain
var knownTokens = map[int][]Token{
	EthereumMainnetChainID: {
		{Symbol: "WETH", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18},
		{Symbol: "USDC", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
	},
	PolygonMainnetChainID: {
		{Symbol: "WMATIC", Address: common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"), Decimals: 18},
		{Symbol: "USDC", Address: common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"), Decimals: 6},
	},
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	return chainNames[chainID]
}

// GetToken returns a known token by symbol
func GetToken(chainID int, symbol string) (Token, bool) {
	for _, token := range knownTokens[chainID] {
		if strings.EqualFold(token.Symbol, symbol) {
			return token, true
		}
	}
	return Token{}, false
}
