package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// BalanceCheckerABI is the ABI of the BalanceChecker contract
const BalanceCheckerABI = `[
	{
		"inputs": [
			{
				"internalType": "address[]",
				"name": "users",
				"type": "address[]"
			},
			{
				"internalType": "address[]",
				"name": "tokens",
				"type": "address[]"
			},
			{
				"internalType": "address",
				"name": "spender",
				"type": "address"
			}
		],
		"name": "getMinOfBalancesOrAllowances",
		"outputs": [
			{
				"internalType": "uint256[]",
				"name": "",
				"type": "uint256[]"
			}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// BalanceChecker is a read-only binding around the BalanceChecker contract.
type BalanceChecker struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewBalanceChecker creates a new read-only instance of BalanceChecker bound to a deployed contract.
func NewBalanceChecker(address common.Address, caller bind.ContractCaller) (*BalanceChecker, error) {
	parsed, err := abi.JSON(strings.NewReader(BalanceCheckerABI))
	if err != nil {
		return nil, err
	}
	return &BalanceChecker{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}, nil
}

// Address returns the contract address
func (b *BalanceChecker) Address() common.Address {
	return b.address
}

// GetMinOfBalancesOrAllowances returns, for each (users[i], tokens[i]), the
// smaller of the user's token balance and its allowance to spender.
//
// Solidity: function getMinOfBalancesOrAllowances(address[] users, address[] tokens, address spender) view returns(uint256[])
func (b *BalanceChecker) GetMinOfBalancesOrAllowances(opts *bind.CallOpts, users []common.Address, tokens []common.Address, spender common.Address) ([]*big.Int, error) {
	if len(users) != len(tokens) {
		return nil, fmt.Errorf("users and tokens must have the same length, got %d and %d", len(users), len(tokens))
	}

	var out []interface{}
	if err := b.contract.Call(opts, &out, "getMinOfBalancesOrAllowances", users, tokens, spender); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected output length %d", len(out))
	}

	amounts := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	if len(amounts) != len(users) {
		return nil, fmt.Errorf("balance checker returned %d amounts for %d pairs", len(amounts), len(users))
	}
	return amounts, nil
}
