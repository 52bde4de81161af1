package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/prefixminer/internal/job"
	"github.com/bardlex/prefixminer/pkg/errors"
)

// ExtraNonceSize is the gap left between coinb1 and coinb2
const ExtraNonceSize = 8

// defaultPayoutAddress is used when no payout address is configured
const defaultPayoutAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

var coinbaseTag = []byte("/prefixminer/")

// CreateCoinbaseTransaction builds a BIP 34 coinbase paying coinbaseValue to
// payoutAddress and splits its serialization around a zeroed extranonce slot
// of ExtraNonceSize bytes. witnessCommitment, when set, is the template's
// default_witness_commitment script and becomes a zero value output.
//
// Returns the transaction, coinb1 (hex before the slot) and coinb2 (hex after it).
func CreateCoinbaseTransaction(blockHeight, coinbaseValue int64, payoutAddress, witnessCommitment string, chainParams *chaincfg.Params) (*wire.MsgTx, string, string, error) {
	coinbaseTx := wire.NewMsgTx(wire.TxVersion)

	heightScript, err := txscript.NewScriptBuilder().AddInt64(blockHeight).Script()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create height script: %w", err)
	}

	scriptPrefix := append(heightScript, coinbaseTag...)
	fullScript := append(scriptPrefix, make([]byte, ExtraNonceSize)...)

	coinbaseTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: fullScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})

	if payoutAddress == "" {
		payoutAddress = defaultPayoutAddress
	}

	payoutAddr, err := btcutil.DecodeAddress(payoutAddress, chainParams)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to decode payout address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(payoutAddr)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create output script: %w", err)
	}

	coinbaseTx.AddTxOut(wire.NewTxOut(coinbaseValue, pkScript))

	if witnessCommitment != "" {
		commitment, err := hex.DecodeString(witnessCommitment)
		if err != nil {
			return nil, "", "", fmt.Errorf("invalid witness commitment: %w", err)
		}
		coinbaseTx.AddTxOut(wire.NewTxOut(0, commitment))
	}

	var buf bytes.Buffer
	buf.Grow(coinbaseTx.SerializeSizeStripped())
	if err := coinbaseTx.SerializeNoWitness(&buf); err != nil {
		return nil, "", "", fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version(4) + input count(1) + outpoint(36) + script length varint
	scriptStart := 4 + 1 + 36 + wire.VarIntSerializeSize(uint64(len(fullScript)))
	split := scriptStart + len(scriptPrefix)

	if split+ExtraNonceSize > len(raw) {
		return nil, "", "", fmt.Errorf("invalid split point calculation")
	}

	coinb1 := hex.EncodeToString(raw[:split])
	coinb2 := hex.EncodeToString(raw[split+ExtraNonceSize:])

	return coinbaseTx, coinb1, coinb2, nil
}

// GetMerkleBranch returns the sibling hashes needed to fold the transaction
// at txIndex up to the merkle root. The transaction's own hash never appears
// in its branch, so a placeholder may stand in for the coinbase.
func GetMerkleBranch(txHashes []chainhash.Hash, txIndex int) []chainhash.Hash {
	if len(txHashes) <= 1 || txIndex >= len(txHashes) {
		return []chainhash.Hash{}
	}

	level := append([]chainhash.Hash(nil), txHashes...)
	index := txIndex

	var branch []chainhash.Hash
	var pair [2 * chainhash.HashSize]byte

	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			branch = append(branch, level[sibling])
		} else {
			branch = append(branch, level[index])
		}

		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pair[:chainhash.HashSize], level[i][:])
			copy(pair[chainhash.HashSize:], right[:])
			next = append(next, chainhash.DoubleHashH(pair[:]))
		}

		level = next
		index /= 2
	}

	return branch
}

// BuildJob turns a Bitcoin Core block template into a job. The merkle branch
// is rendered in internal byte order; version and ntime as 8 hex digits.
func BuildJob(template *btcjson.GetBlockTemplateResult, jobID, payoutAddress string, chainParams *chaincfg.Params) (*job.Job, error) {
	if template.CoinbaseValue == nil {
		return nil, errors.New(errors.ErrorTypeBitcoin, "build_job",
			"block template has no coinbase value").
			WithContext("height", template.Height)
	}

	_, coinb1, coinb2, err := CreateCoinbaseTransaction(
		template.Height,
		*template.CoinbaseValue,
		payoutAddress,
		template.DefaultWitnessCommitment,
		chainParams,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "build_job",
			"failed to create coinbase transaction").
			WithContext("height", template.Height)
	}

	// Slot 0 is the coinbase, which the branch never includes
	txHashes := make([]chainhash.Hash, len(template.Transactions)+1)
	for i, tx := range template.Transactions {
		txHash, err := txHashFromData(tx.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "build_job",
				"invalid template transaction").
				WithContext("index", i)
		}
		txHashes[i+1] = txHash
	}

	branch := GetMerkleBranch(txHashes, 0)
	merkleBranch := make([]string, len(branch))
	for i, h := range branch {
		merkleBranch[i] = hex.EncodeToString(h[:])
	}

	return &job.Job{
		JobID:        jobID,
		PrevHash:     template.PreviousHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: merkleBranch,
		Version:      fmt.Sprintf("%08x", uint32(template.Version)),
		NBits:        template.Bits,
		NTime:        fmt.Sprintf("%08x", uint32(template.CurTime)),
		CleanJobs:    true,
	}, nil
}

// txHashFromData returns the txid of a hex serialized transaction
func txHashFromData(data string) (chainhash.Hash, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid transaction data: %w", err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to deserialize transaction: %w", err)
	}

	return tx.TxHash(), nil
}
