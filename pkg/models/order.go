package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	eip712DomainName    = "ZeroEx"
	eip712DomainVersion = "1.0.0"
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var otcOrderType = []apitypes.Type{
	{Name: "makerToken", Type: "address"},
	{Name: "takerToken", Type: "address"},
	{Name: "makerAmount", Type: "uint128"},
	{Name: "takerAmount", Type: "uint128"},
	{Name: "maker", Type: "address"},
	{Name: "taker", Type: "address"},
	{Name: "txOrigin", Type: "address"},
	{Name: "expiryAndNonce", Type: "uint256"},
}

var metaTransactionType = []apitypes.Type{
	{Name: "signer", Type: "address"},
	{Name: "sender", Type: "address"},
	{Name: "minGasPrice", Type: "uint256"},
	{Name: "maxGasPrice", Type: "uint256"},
	{Name: "expirationTimeSeconds", Type: "uint256"},
	{Name: "salt", Type: "uint256"},
	{Name: "callData", Type: "bytes"},
	{Name: "value", Type: "uint256"},
	{Name: "feeToken", Type: "address"},
	{Name: "feeAmount", Type: "uint256"},
}

// Order is the signable payload of a job. The set of implementations is closed:
// *OtcOrder and *MetaTransaction.
type Order interface {
	Kind() JobKind
	Hash() (common.Hash, error)
	ExpiresAt() time.Time
	isOrder()
}

// OtcOrder is a maker-signed order filled by the taker through the exchange proxy
type OtcOrder struct {
	MakerToken        common.Address `json:"makerToken"`
	TakerToken        common.Address `json:"takerToken"`
	MakerAmount       *big.Int       `json:"makerAmount"`
	TakerAmount       *big.Int       `json:"takerAmount"`
	Maker             common.Address `json:"maker"`
	Taker             common.Address `json:"taker"`
	TxOrigin          common.Address `json:"txOrigin"`
	Expiry            uint64         `json:"expiry"`
	NonceBucket       uint64         `json:"nonceBucket"`
	Nonce             uint64         `json:"nonce"`
	ChainID           int            `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

var _ Order = (*OtcOrder)(nil)

func (o *OtcOrder) Kind() JobKind { return KindOtcOrder }
func (o *OtcOrder) isOrder()      {}

// ExpiresAt returns the order expiry as a time
func (o *OtcOrder) ExpiresAt() time.Time {
	return time.Unix(int64(o.Expiry), 0)
}

// ExpiryAndNonce packs expiry, nonce bucket and nonce into one uint256:
// expiry<<192 | nonceBucket<<128 | nonce
func (o *OtcOrder) ExpiryAndNonce() *big.Int {
	return EncodeExpiryAndNonce(new(big.Int).SetUint64(o.Expiry), new(big.Int).SetUint64(o.NonceBucket), new(big.Int).SetUint64(o.Nonce))
}

// EncodeExpiryAndNonce packs the three components of an OtcOrder's expiryAndNonce field
func EncodeExpiryAndNonce(expiry, nonceBucket, nonce *big.Int) *big.Int {
	out := new(big.Int).Lsh(expiry, 192)
	out.Or(out, new(big.Int).Lsh(nonceBucket, 128))
	out.Or(out, nonce)
	return out
}

// DecodeExpiryAndNonce splits a packed expiryAndNonce value
func DecodeExpiryAndNonce(v *big.Int) (expiry, nonceBucket, nonce *big.Int) {
	mask64 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1))
	mask128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	expiry = new(big.Int).Rsh(v, 192)
	nonceBucket = new(big.Int).And(new(big.Int).Rsh(v, 128), mask64)
	nonce = new(big.Int).And(v, mask128)
	return expiry, nonceBucket, nonce
}

// TypedData returns the EIP-712 representation of the order
func (o *OtcOrder) TypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			"OtcOrder":     otcOrderType,
		},
		PrimaryType: "OtcOrder",
		Domain:      domain(o.ChainID, o.VerifyingContract),
		Message: apitypes.TypedDataMessage{
			"makerToken":     o.MakerToken.Hex(),
			"takerToken":     o.TakerToken.Hex(),
			"makerAmount":    bigString(o.MakerAmount),
			"takerAmount":    bigString(o.TakerAmount),
			"maker":          o.Maker.Hex(),
			"taker":          o.Taker.Hex(),
			"txOrigin":       o.TxOrigin.Hex(),
			"expiryAndNonce": o.ExpiryAndNonce().String(),
		},
	}
}

// Hash returns the EIP-712 order hash
func (o *OtcOrder) Hash() (common.Hash, error) {
	return typedDataHash(o.TypedData())
}

// MetaTransaction is a taker-signed call relayed and paid for by a worker
type MetaTransaction struct {
	Signer                common.Address `json:"signer"`
	Sender                common.Address `json:"sender"`
	MinGasPrice           *big.Int       `json:"minGasPrice"`
	MaxGasPrice           *big.Int       `json:"maxGasPrice"`
	ExpirationTimeSeconds *big.Int       `json:"expirationTimeSeconds"`
	Salt                  *big.Int       `json:"salt"`
	CallData              hexutil.Bytes  `json:"callData"`
	Value                 *big.Int       `json:"value"`
	FeeToken              common.Address `json:"feeToken"`
	FeeAmount             *big.Int       `json:"feeAmount"`
	ChainID               int            `json:"chainId"`
	VerifyingContract     common.Address `json:"verifyingContract"`
}

var _ Order = (*MetaTransaction)(nil)

func (m *MetaTransaction) Kind() JobKind { return KindMetaTransaction }
func (m *MetaTransaction) isOrder()      {}

func (m *MetaTransaction) ExpiresAt() time.Time {
	if m.ExpirationTimeSeconds == nil {
		return time.Time{}
	}
	return time.Unix(m.ExpirationTimeSeconds.Int64(), 0)
}

// TypedData returns the EIP-712 representation of the meta-transaction
func (m *MetaTransaction) TypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":        eip712DomainType,
			"MetaTransactionData": metaTransactionType,
		},
		PrimaryType: "MetaTransactionData",
		Domain:      domain(m.ChainID, m.VerifyingContract),
		Message: apitypes.TypedDataMessage{
			"signer":                m.Signer.Hex(),
			"sender":                m.Sender.Hex(),
			"minGasPrice":           bigString(m.MinGasPrice),
			"maxGasPrice":           bigString(m.MaxGasPrice),
			"expirationTimeSeconds": bigString(m.ExpirationTimeSeconds),
			"salt":                  bigString(m.Salt),
			"callData":              hexutil.Encode(m.CallData),
			"value":                 bigString(m.Value),
			"feeToken":              m.FeeToken.Hex(),
			"feeAmount":             bigString(m.FeeAmount),
		},
	}
}

// Hash returns the EIP-712 meta-transaction hash
func (m *MetaTransaction) Hash() (common.Hash, error) {
	return typedDataHash(m.TypedData())
}

// DecodeOrder unmarshals a stored order payload for the given kind
func DecodeOrder(kind JobKind, data []byte) (Order, error) {
	switch kind {
	case KindOtcOrder:
		var o OtcOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("failed to decode otc order: %w", err)
		}
		return &o, nil
	case KindMetaTransaction:
		var m MetaTransaction
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode meta-transaction: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown job kind: %q", kind)
	}
}

func domain(chainID int, verifyingContract common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              eip712DomainName,
		Version:           eip712DomainVersion,
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: verifyingContract.Hex(),
	}
}

func typedDataHash(td apitypes.TypedData) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
