// Package swap - Claim transaction building.
// This file locates the swap output in a counterparty transaction and builds
// the single-input single-output key-path spend of it.
package swap

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Transaction errors
var (
	ErrFeeNotConverged = errors.New("claim fee did not converge")
	ErrDustOutput      = errors.New("claim output below dust")
	ErrOutputNotFound  = errors.New("swap output not found")
)

const (
	// MaxFeeIterations bounds the fee search in TargetFee.
	MaxFeeIterations = 5

	// DustLimit is the P2TR dust threshold in sats.
	DustLimit btcutil.Amount = 330

	// ClaimSequence signals replaceability.
	ClaimSequence = wire.MaxTxInSequenceNum - 2

	// keyPathWitnessSize is the size of a SigHashDefault schnorr signature.
	keyPathWitnessSize = schnorr.SignatureSize
)

// SwapOutput is the lockup output a claim spends.
type SwapOutput struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
}

// DetectSwapOutput scans tx for the output paying to script. Zero matches
// returns ok=false. More than one match is a parse error since only one
// output may ever be spent.
func DetectSwapOutput(tx *wire.MsgTx, script []byte) (*SwapOutput, bool, error) {
	if tx == nil || len(script) == 0 {
		return nil, false, nil
	}

	var found *SwapOutput
	txHash := tx.TxHash()
	for i, out := range tx.TxOut {
		if !bytes.Equal(out.PkScript, script) {
			continue
		}
		if found != nil {
			return nil, false, parseErrorf("transaction %s pays the swap script more than once", txHash)
		}
		found = &SwapOutput{
			OutPoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
		}
	}
	return found, found != nil, nil
}

// BuildClaimTx spends out to dest paying fee. The witness is a 64-byte
// placeholder so the size matches the signed transaction.
func BuildClaimTx(out *SwapOutput, dest []byte, fee btcutil.Amount) (*wire.MsgTx, error) {
	if out == nil {
		return nil, ErrOutputNotFound
	}
	if len(dest) == 0 {
		return nil, fmt.Errorf("empty destination script")
	}
	if fee < 0 {
		return nil, fmt.Errorf("negative fee %d", fee)
	}

	value := out.Value - fee
	if value < DustLimit {
		return nil, fmt.Errorf("%w: %d sats after %d fee", ErrDustOutput, value, fee)
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&out.OutPoint, nil, nil)
	txIn.Sequence = ClaimSequence
	txIn.Witness = wire.TxWitness{make([]byte, keyPathWitnessSize)}
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(value), dest))
	return tx, nil
}

// VSize returns the virtual size of tx in vbytes.
func VSize(tx *wire.MsgTx) int64 {
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor
}

// FeeForVSize returns ceil(vsize * feeRate).
func FeeForVSize(vsize int64, feeRate float64) btcutil.Amount {
	return btcutil.Amount(math.Ceil(float64(vsize) * feeRate))
}

// TargetFee searches for a fee that pays feeRate on the transaction build
// returns for that fee. It stops once the size stops moving and gives up
// with ErrFeeNotConverged after MaxFeeIterations builds.
func TargetFee(feeRate float64, build func(fee btcutil.Amount) (*wire.MsgTx, error)) (*wire.MsgTx, btcutil.Amount, error) {
	if feeRate <= 0 || math.IsNaN(feeRate) || math.IsInf(feeRate, 0) {
		return nil, 0, fmt.Errorf("invalid fee rate %v", feeRate)
	}

	var (
		fee      btcutil.Amount
		lastSize int64 = -1
	)
	for i := 0; i < MaxFeeIterations; i++ {
		tx, err := build(fee)
		if err != nil {
			return nil, 0, err
		}
		size := VSize(tx)
		if size == lastSize {
			return tx, fee, nil
		}
		lastSize = size
		fee = FeeForVSize(size, feeRate)
	}
	return nil, 0, fmt.Errorf("%w after %d iterations", ErrFeeNotConverged, MaxFeeIterations)
}

// ClaimSigHash is the BIP-341 key-path sighash of input 0 spending out.
func ClaimSigHash(tx *wire.MsgTx, out *SwapOutput) ([32]byte, error) {
	var msg [32]byte
	if tx == nil || out == nil || len(tx.TxIn) != 1 {
		return msg, fmt.Errorf("claim must have exactly one input")
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript, int64(out.Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, 0, fetcher)
	if err != nil {
		return msg, fmt.Errorf("compute sighash: %w", err)
	}
	copy(msg[:], hash)
	return msg, nil
}

// SetKeyPathWitness makes sig the only witness element of input idx.
func SetKeyPathWitness(tx *wire.MsgTx, idx int, sig *schnorr.Signature) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input %d out of range", idx)
	}
	tx.TxIn[idx].Witness = wire.TxWitness{sig.Serialize()}
	return nil
}

// VerifyKeyPathSpend runs the script engine over input 0.
func VerifyKeyPathSpend(tx *wire.MsgTx, out *SwapOutput) error {
	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript, int64(out.Value))
	vm, err := txscript.NewEngine(
		out.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), int64(out.Value), fetcher,
	)
	if err != nil {
		return verifyErrorf("create script engine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		return verifyErrorf("claim witness rejected: %v", err)
	}
	return nil
}

// SerializeTx returns the hex encoding of tx including witnesses.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses a hex transaction.
func DeserializeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := decodeHex("transaction", txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, parseErrorf("decode transaction: %v", err)
	}
	return tx, nil
}
