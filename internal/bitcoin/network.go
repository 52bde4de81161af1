// Package bitcoin holds the Bitcoin-facing pieces of the miner and job server:
// network parameters, address checks, compact target decoding, job templates
// built from Bitcoin Core, and block notifications.
package bitcoin

import (
	"encoding/hex"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/prefixminer/pkg/errors"
)

// NetworkParams maps a network name to its chain parameters
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "network_params",
			"unknown bitcoin network").
			WithContext("network", network)
	}
}

// ValidateAddress decodes address and checks that it belongs to params' network
func ValidateAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "validate_address",
			"address cannot be decoded").
			WithContext("address", address).
			WithContext("network", params.Name)
	}

	if !addr.IsForNet(params) {
		return nil, errors.New(errors.ErrorTypeValidation, "validate_address",
			"address belongs to another network").
			WithContext("address", address).
			WithContext("network", params.Name)
	}

	return addr, nil
}

// CompactToTarget decodes a job's big-endian hex nbits into the target it encodes
func CompactToTarget(nbits string) (*big.Int, error) {
	raw, err := hex.DecodeString(nbits)
	if err != nil || len(raw) != 4 {
		return nil, errors.New(errors.ErrorTypeValidation, "compact_to_target",
			"nbits must be 8 hex characters").
			WithContext("nbits", nbits)
	}

	compact := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	return blockchain.CompactToBig(compact), nil
}

// PrefixTarget returns the numeric target equivalent to requiring difficulty
// leading zero hex characters: 2^(256-4*difficulty) - 1
func PrefixTarget(difficulty int) *big.Int {
	bits := 256 - 4*difficulty
	if bits < 0 {
		bits = 0
	}
	target := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	return target.Sub(target, big.NewInt(1))
}
