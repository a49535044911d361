package models

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureType mirrors the exchange proxy's signature type enum
type SignatureType uint8

const (
	SignatureTypeIllegal SignatureType = iota
	SignatureTypeInvalid
	SignatureTypeEIP712
	SignatureTypeEthSign
	SignatureTypePreSigned
)

// Signature is a split secp256k1 signature as accepted by the exchange proxy
type Signature struct {
	SignatureType SignatureType `json:"signatureType"`
	V             uint8         `json:"v"`
	R             common.Hash   `json:"r"`
	S             common.Hash   `json:"s"`
}

// SignHash signs an EIP-712 digest with key
func SignHash(hash common.Hash, key *ecdsa.PrivateKey) (*Signature, error) {
	raw, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	return &Signature{
		SignatureType: SignatureTypeEIP712,
		V:             raw[64] + 27,
		R:             common.BytesToHash(raw[:32]),
		S:             common.BytesToHash(raw[32:64]),
	}, nil
}

// Recover returns the address that produced the signature over hash
func (s *Signature) Recover(hash common.Hash) (common.Address, error) {
	var digest []byte
	switch s.SignatureType {
	case SignatureTypeEIP712:
		digest = hash.Bytes()
	case SignatureTypeEthSign:
		digest = accounts.TextHash(hash.Bytes())
	default:
		return common.Address{}, fmt.Errorf("unsupported signature type %d", s.SignatureType)
	}

	v := s.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, errors.New("invalid signature recovery id")
	}

	raw := make([]byte, 65)
	copy(raw[:32], s.R.Bytes())
	copy(raw[32:64], s.S.Bytes())
	raw[64] = v

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig is a valid signature of hash by signer
func VerifySignature(sig *Signature, hash common.Hash, signer common.Address) bool {
	if sig == nil {
		return false
	}
	recovered, err := sig.Recover(hash)
	if err != nil {
		return false
	}
	return recovered == signer
}
