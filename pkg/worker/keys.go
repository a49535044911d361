package worker

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// ethereumPath is m/44'/60'/0'/0, the parent of every worker account
var ethereumPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
}

// DeriveKeys returns the private keys at m/44'/60'/0'/0/i for each index
func DeriveKeys(mnemonic string, indices []int) ([]*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid worker mnemonic: %w", err)
	}

	parent, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	for _, i := range ethereumPath {
		if parent, err = parent.Derive(i); err != nil {
			return nil, err
		}
	}

	keys := make([]*ecdsa.PrivateKey, 0, len(indices))
	for _, index := range indices {
		if index < 0 || uint32(index) >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("worker index %d out of range", index)
		}
		child, err := parent.Derive(uint32(index))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", index, err)
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", index, err)
		}
		key, err := crypto.ToECDSA(priv.Serialize())
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
