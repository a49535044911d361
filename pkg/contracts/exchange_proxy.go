package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// ExchangeProxyABI holds the two settlement entry points of the exchange proxy
const ExchangeProxyABI = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "makerToken", "type": "address"},
					{"internalType": "address", "name": "takerToken", "type": "address"},
					{"internalType": "uint128", "name": "makerAmount", "type": "uint128"},
					{"internalType": "uint128", "name": "takerAmount", "type": "uint128"},
					{"internalType": "address", "name": "maker", "type": "address"},
					{"internalType": "address", "name": "taker", "type": "address"},
					{"internalType": "address", "name": "txOrigin", "type": "address"},
					{"internalType": "uint256", "name": "expiryAndNonce", "type": "uint256"}
				],
				"internalType": "struct LibNativeOrder.OtcOrder",
				"name": "order",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "enum LibSignature.SignatureType", "name": "signatureType", "type": "uint8"},
					{"internalType": "uint8", "name": "v", "type": "uint8"},
					{"internalType": "bytes32", "name": "r", "type": "bytes32"},
					{"internalType": "bytes32", "name": "s", "type": "bytes32"}
				],
				"internalType": "struct LibSignature.Signature",
				"name": "makerSignature",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "enum LibSignature.SignatureType", "name": "signatureType", "type": "uint8"},
					{"internalType": "uint8", "name": "v", "type": "uint8"},
					{"internalType": "bytes32", "name": "r", "type": "bytes32"},
					{"internalType": "bytes32", "name": "s", "type": "bytes32"}
				],
				"internalType": "struct LibSignature.Signature",
				"name": "takerSignature",
				"type": "tuple"
			}
		],
		"name": "fillTakerSignedOtcOrder",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address payable", "name": "signer", "type": "address"},
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "minGasPrice", "type": "uint256"},
					{"internalType": "uint256", "name": "maxGasPrice", "type": "uint256"},
					{"internalType": "uint256", "name": "expirationTimeSeconds", "type": "uint256"},
					{"internalType": "uint256", "name": "salt", "type": "uint256"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "uint256", "name": "value", "type": "uint256"},
					{"internalType": "contract IERC20TokenV06", "name": "feeToken", "type": "address"},
					{"internalType": "uint256", "name": "feeAmount", "type": "uint256"}
				],
				"internalType": "struct IMetaTransactionsFeature.MetaTransactionData",
				"name": "mtx",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "enum LibSignature.SignatureType", "name": "signatureType", "type": "uint8"},
					{"internalType": "uint8", "name": "v", "type": "uint8"},
					{"internalType": "bytes32", "name": "r", "type": "bytes32"},
					{"internalType": "bytes32", "name": "s", "type": "bytes32"}
				],
				"internalType": "struct LibSignature.Signature",
				"name": "signature",
				"type": "tuple"
			}
		],
		"name": "executeMetaTransaction",
		"outputs": [
			{"internalType": "bytes", "name": "returnResult", "type": "bytes"}
		],
		"stateMutability": "payable",
		"type": "function"
	}
]`

type abiSignature struct {
	SignatureType uint8
	V             uint8
	R             [32]byte
	S             [32]byte
}

type abiOtcOrder struct {
	MakerToken     common.Address
	TakerToken     common.Address
	MakerAmount    *big.Int
	TakerAmount    *big.Int
	Maker          common.Address
	Taker          common.Address
	TxOrigin       common.Address
	ExpiryAndNonce *big.Int
}

type abiMetaTransaction struct {
	Signer                common.Address
	Sender                common.Address
	MinGasPrice           *big.Int
	MaxGasPrice           *big.Int
	ExpirationTimeSeconds *big.Int
	Salt                  *big.Int
	CallData              []byte
	Value                 *big.Int
	FeeToken              common.Address
	FeeAmount             *big.Int
}

// ExchangeProxy encodes calldata for the exchange proxy settlement functions
type ExchangeProxy struct {
	Address common.Address
	abi     abi.ABI
}

// NewExchangeProxy parses the exchange proxy ABI
func NewExchangeProxy(address common.Address) (*ExchangeProxy, error) {
	parsed, err := abi.JSON(strings.NewReader(ExchangeProxyABI))
	if err != nil {
		return nil, err
	}
	return &ExchangeProxy{Address: address, abi: parsed}, nil
}

// PackFillTakerSignedOtcOrder encodes fillTakerSignedOtcOrder(order, makerSignature, takerSignature)
func (p *ExchangeProxy) PackFillTakerSignedOtcOrder(order *models.OtcOrder, makerSig, takerSig *models.Signature) ([]byte, error) {
	if makerSig == nil || takerSig == nil {
		return nil, fmt.Errorf("otc order fill requires maker and taker signatures")
	}
	return p.abi.Pack("fillTakerSignedOtcOrder",
		abiOtcOrder{
			MakerToken:     order.MakerToken,
			TakerToken:     order.TakerToken,
			MakerAmount:    orZero(order.MakerAmount),
			TakerAmount:    orZero(order.TakerAmount),
			Maker:          order.Maker,
			Taker:          order.Taker,
			TxOrigin:       order.TxOrigin,
			ExpiryAndNonce: order.ExpiryAndNonce(),
		},
		toABISignature(makerSig),
		toABISignature(takerSig),
	)
}

// PackExecuteMetaTransaction encodes executeMetaTransaction(mtx, signature)
func (p *ExchangeProxy) PackExecuteMetaTransaction(mtx *models.MetaTransaction, takerSig *models.Signature) ([]byte, error) {
	if takerSig == nil {
		return nil, fmt.Errorf("meta-transaction requires a taker signature")
	}
	return p.abi.Pack("executeMetaTransaction",
		abiMetaTransaction{
			Signer:                mtx.Signer,
			Sender:                mtx.Sender,
			MinGasPrice:           orZero(mtx.MinGasPrice),
			MaxGasPrice:           orZero(mtx.MaxGasPrice),
			ExpirationTimeSeconds: orZero(mtx.ExpirationTimeSeconds),
			Salt:                  orZero(mtx.Salt),
			CallData:              mtx.CallData,
			Value:                 orZero(mtx.Value),
			FeeToken:              mtx.FeeToken,
			FeeAmount:             orZero(mtx.FeeAmount),
		},
		toABISignature(takerSig),
	)
}

func toABISignature(sig *models.Signature) abiSignature {
	return abiSignature{
		SignatureType: uint8(sig.SignatureType),
		V:             sig.V,
		R:             sig.R,
		S:             sig.S,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
