package models

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pair is an unordered token pair stored in canonical (sorted) order
type Pair struct {
	TokenA common.Address `json:"tokenA"`
	TokenB common.Address `json:"tokenB"`
}

// NewPair builds the canonical pair for two tokens
func NewPair(a, b common.Address) Pair {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return Pair{TokenA: a, TokenB: b}
}

// Maker is a market maker reachable over HTTP
type Maker struct {
	ID       string
	URI      string
	ChainID  int
	Pairs    []Pair
	LastLook bool
	APIKey   string
	// Timeout overrides the default per-request timeout when positive
	Timeout time.Duration
}

// Supports reports whether the maker offers the pair
func (m *Maker) Supports(p Pair) bool {
	for _, offered := range m.Pairs {
		if offered == p {
			return true
		}
	}
	return false
}
