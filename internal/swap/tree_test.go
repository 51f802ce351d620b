package swap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingswap/internal/boltz"
)

func TestParseSwapTreeDeterministic(t *testing.T) {
	server := mustKey(t)
	user := mustKey(t)
	raw := testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800)

	a, err := ParseSwapTree(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ParseSwapTree(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bytes.Equal(a.MerkleRoot(), b.MerkleRoot()) {
		t.Fatal("merkle root differs between parses")
	}
	if len(a.MerkleRoot()) != 32 {
		t.Fatalf("merkle root is %d bytes", len(a.MerkleRoot()))
	}

	internal, err := AggregateKey(server.PubKey(), user.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scriptA, err := a.OutputScript(internal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scriptB, err := b.OutputScript(internal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(scriptA, scriptB) {
		t.Fatal("output script differs between parses")
	}
	if len(scriptA) != 34 || scriptA[0] != txscript.OP_1 || scriptA[1] != 0x20 {
		t.Fatalf("not a P2TR script: %x", scriptA)
	}
	if !bytes.Equal(scriptA[2:], schnorr.SerializePubKey(a.TweakKey(internal))) {
		t.Error("output script does not commit to the tweaked key")
	}

	addr, err := a.Address(internal, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(addr.ScriptAddress(), scriptA[2:]) {
		t.Error("address and script disagree")
	}
}

func TestSwapTreeKeyOrderMatters(t *testing.T) {
	server := mustKey(t)
	user := mustKey(t)
	tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ordered, err := AggregateKey(server.PubKey(), user.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	swapped, err := AggregateKey(user.PubKey(), server.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ordered.IsEqual(swapped) {
		t.Fatal("aggregation ignored key order")
	}
	if tree.TweakKey(ordered).IsEqual(tree.TweakKey(swapped)) {
		t.Error("tweaked keys equal for different key orders")
	}
}

func TestSwapTreeControlBlocks(t *testing.T) {
	server := mustKey(t)
	user := mustKey(t)
	tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	internal, err := AggregateKey(server.PubKey(), user.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outputKey := schnorr.SerializePubKey(tree.TweakKey(internal))

	leaves := map[Leaf][]byte{
		LeafClaim:  tree.ClaimScript,
		LeafRefund: tree.RefundScript,
	}
	for leaf, script := range leaves {
		t.Run(leaf.String(), func(t *testing.T) {
			raw, err := tree.ControlBlock(internal, leaf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			// Leaf version byte, internal key and one sibling hash.
			if len(raw) != 1+32+32 {
				t.Fatalf("control block is %d bytes, want 65", len(raw))
			}
			ctrl, err := txscript.ParseControlBlock(raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := txscript.VerifyTaprootLeafCommitment(ctrl, outputKey, script); err != nil {
				t.Errorf("control block does not prove the %s leaf: %v", leaf, err)
			}
		})
	}

	if _, err := tree.ControlBlock(internal, Leaf(2)); err == nil {
		t.Error("expected error for unknown leaf")
	}
}

func TestParseSwapTreeErrors(t *testing.T) {
	valid := testTree(t, mustKey(t).PubKey(), mustKey(t).PubKey(), mustPreimage(t), 800)

	tests := []struct {
		name   string
		mutate func(tree *boltz.SwapTree) *boltz.SwapTree
	}{
		{"nil tree", func(*boltz.SwapTree) *boltz.SwapTree { return nil }},
		{"claim leaf version", func(tr *boltz.SwapTree) *boltz.SwapTree {
			tr.ClaimLeaf.Version = 0xc2
			return tr
		}},
		{"refund leaf version", func(tr *boltz.SwapTree) *boltz.SwapTree {
			tr.RefundLeaf.Version = 0
			return tr
		}},
		{"bad hex", func(tr *boltz.SwapTree) *boltz.SwapTree {
			tr.ClaimLeaf.Output = "zz"
			return tr
		}},
		{"empty script", func(tr *boltz.SwapTree) *boltz.SwapTree {
			tr.RefundLeaf.Output = ""
			return tr
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := *valid
			_, err := ParseSwapTree(tt.mutate(&tree))
			if !errors.Is(err, ErrParse) {
				t.Fatalf("error = %v, want ErrParse", err)
			}
		})
	}
}
