// Package swap - Swap tree decoding and taproot tweaking.
// The provider sends a claim leaf and a refund leaf; the lockup output commits
// to both so the script-path fallback always exists next to the key path.
package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingswap/internal/boltz"
)

// Leaf selects one of the two swap tree leaves.
type Leaf int

const (
	LeafClaim Leaf = iota
	LeafRefund
)

func (l Leaf) String() string {
	if l == LeafClaim {
		return "claim"
	}
	return "refund"
}

// SwapTree is a decoded two-leaf taproot script tree. Immutable once parsed.
type SwapTree struct {
	ClaimScript  []byte
	RefundScript []byte

	tree *txscript.IndexedTapScriptTree
	root chainhash.Hash
}

// ParseSwapTree decodes the provider's leaves. Bad hex, empty scripts and
// any leaf version other than the tapscript base version are parse errors.
func ParseSwapTree(raw *boltz.SwapTree) (*SwapTree, error) {
	if raw == nil {
		return nil, parseErrorf("missing swap tree")
	}

	claim, err := decodeLeaf(LeafClaim, raw.ClaimLeaf)
	if err != nil {
		return nil, err
	}
	refund, err := decodeLeaf(LeafRefund, raw.RefundLeaf)
	if err != nil {
		return nil, err
	}

	// Leaf order fixes the proof indices: 0 is claim, 1 is refund.
	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(claim),
		txscript.NewBaseTapLeaf(refund),
	)

	return &SwapTree{
		ClaimScript:  claim,
		RefundScript: refund,
		tree:         tree,
		root:         tree.RootNode.TapHash(),
	}, nil
}

func decodeLeaf(which Leaf, leaf boltz.TreeLeaf) ([]byte, error) {
	if txscript.TapscriptLeafVersion(leaf.Version) != txscript.BaseLeafVersion {
		return nil, parseErrorf("%s leaf version %#x", which, leaf.Version)
	}
	script, err := hex.DecodeString(leaf.Output)
	if err != nil {
		return nil, parseErrorf("%s leaf hex: %v", which, err)
	}
	if len(script) == 0 {
		return nil, parseErrorf("%s leaf is empty", which)
	}
	return script, nil
}

// MerkleRoot returns the tap hash of the tree root.
func (t *SwapTree) MerkleRoot() []byte {
	root := t.root
	return root[:]
}

// TweakKey returns the taproot output key for the given internal key.
// outputKey = internalKey + H_TapTweak(internalKey || merkleRoot) * G
func (t *SwapTree) TweakKey(internal *btcec.PublicKey) *btcec.PublicKey {
	return txscript.ComputeTaprootOutputKey(internal, t.root[:])
}

// OutputScript returns the P2TR script: OP_1 <32-byte x-only key>.
func (t *SwapTree) OutputScript(internal *btcec.PublicKey) ([]byte, error) {
	script, err := txscript.PayToTaprootScript(t.TweakKey(internal))
	if err != nil {
		return nil, fmt.Errorf("build output script: %w", err)
	}
	return script, nil
}

// Address returns the bech32m lockup address for the given internal key.
func (t *SwapTree) Address(internal *btcec.PublicKey, net *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(t.TweakKey(internal)), net)
	if err != nil {
		return nil, fmt.Errorf("encode taproot address: %w", err)
	}
	return addr, nil
}

// ControlBlock serializes the control block that proves leaf against the
// output key derived from internal.
func (t *SwapTree) ControlBlock(internal *btcec.PublicKey, leaf Leaf) ([]byte, error) {
	idx := int(leaf)
	if idx < 0 || idx >= len(t.tree.LeafMerkleProofs) {
		return nil, fmt.Errorf("no proof for leaf %d", idx)
	}
	ctrl := t.tree.LeafMerkleProofs[idx].ToControlBlock(internal)
	raw, err := ctrl.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize control block: %w", err)
	}
	return raw, nil
}
