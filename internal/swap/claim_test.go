package swap

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func TestDetectSwapOutput(t *testing.T) {
	script := []byte{0x51, 0x20, 0x01, 0x02}
	other := []byte{0x00, 0x14, 0x03}

	build := func(scripts ...[]byte) *wire.MsgTx {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x09}}, nil, nil))
		for i, s := range scripts {
			tx.AddTxOut(wire.NewTxOut(int64(1000*(i+1)), s))
		}
		return tx
	}

	t.Run("found", func(t *testing.T) {
		tx := build(other, script)
		out, ok, err := DetectSwapOutput(tx, script)
		if err != nil || !ok {
			t.Fatalf("ok = %v, err = %v", ok, err)
		}
		if out.OutPoint.Index != 1 || out.OutPoint.Hash != tx.TxHash() {
			t.Errorf("outpoint = %v", out.OutPoint)
		}
		if out.Value != 2000 {
			t.Errorf("value = %d, want 2000", out.Value)
		}
	})

	t.Run("absent", func(t *testing.T) {
		_, ok, err := DetectSwapOutput(build(other), script)
		if err != nil || ok {
			t.Fatalf("ok = %v, err = %v, want false and nil", ok, err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		_, _, err := DetectSwapOutput(build(script, other, script), script)
		if !errors.Is(err, ErrParse) {
			t.Fatalf("error = %v, want ErrParse", err)
		}
	})
}

func TestBuildClaimTx(t *testing.T) {
	out := &SwapOutput{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0x07}, Index: 2},
		Value:    100_000,
		PkScript: []byte{0x51, 0x20},
	}
	dest := testDest(t)

	tx, err := BuildClaimTx(out, dest, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Version != 2 || len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		t.Fatalf("unexpected shape: version %d, %d in, %d out", tx.Version, len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxIn[0].PreviousOutPoint != out.OutPoint {
		t.Errorf("spends %v", tx.TxIn[0].PreviousOutPoint)
	}
	if tx.TxIn[0].Sequence != ClaimSequence {
		t.Errorf("sequence = %#x", tx.TxIn[0].Sequence)
	}
	if tx.TxOut[0].Value != 99_500 {
		t.Errorf("output value = %d, want 99500", tx.TxOut[0].Value)
	}
	if w := tx.TxIn[0].Witness; len(w) != 1 || len(w[0]) != 64 {
		t.Errorf("placeholder witness = %x", w)
	}

	tests := []struct {
		name    string
		fee     btcutil.Amount
		wantErr error
	}{
		{"leaves dust", 100_000 - 329, ErrDustOutput},
		{"exceeds value", 200_000, ErrDustOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildClaimTx(out, dest, tt.fee); !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := BuildClaimTx(out, dest, 100_000-DustLimit); err != nil {
		t.Errorf("output at dust limit rejected: %v", err)
	}
}

func TestTargetFeeConverges(t *testing.T) {
	out := &SwapOutput{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0x07}},
		Value:    100_000,
		PkScript: []byte{0x51, 0x20},
	}
	dest := testDest(t)

	for _, rate := range []float64{1, 2, 12.5, 150} {
		tx, fee, err := TargetFee(rate, func(fee btcutil.Amount) (*wire.MsgTx, error) {
			return BuildClaimTx(out, dest, fee)
		})
		if err != nil {
			t.Fatalf("rate %v: unexpected error: %v", rate, err)
		}
		if want := FeeForVSize(VSize(tx), rate); fee != want {
			t.Errorf("rate %v: fee = %d, want %d for vsize %d", rate, fee, want, VSize(tx))
		}
		if got := out.Value - btcutil.Amount(tx.TxOut[0].Value); got != fee {
			t.Errorf("rate %v: transaction pays %d, reported %d", rate, got, fee)
		}
	}
}

func TestTargetFeeGivesUp(t *testing.T) {
	calls := 0
	_, _, err := TargetFee(2, func(fee btcutil.Amount) (*wire.MsgTx, error) {
		calls++
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
		// Grows every build so the size never settles.
		tx.AddTxOut(wire.NewTxOut(1000, make([]byte, 4*calls)))
		return tx, nil
	})
	if !errors.Is(err, ErrFeeNotConverged) {
		t.Fatalf("error = %v, want ErrFeeNotConverged", err)
	}
	if calls != MaxFeeIterations {
		t.Errorf("builds = %d, want %d", calls, MaxFeeIterations)
	}
}

func TestTargetFeeRejectsBadRate(t *testing.T) {
	for _, rate := range []float64{0, -1} {
		_, _, err := TargetFee(rate, func(btcutil.Amount) (*wire.MsgTx, error) {
			t.Fatal("build called for invalid rate")
			return nil, nil
		})
		if err == nil {
			t.Errorf("rate %v accepted", rate)
		}
	}
}

func TestKeyPathSpendVerifies(t *testing.T) {
	server := mustKey(t)
	user := mustKey(t)
	preimage := mustPreimage(t)
	leg := testLeg(t, "BTC", server, user.PubKey(), preimage, 100_000)
	_, out := fundLeg(t, leg, user.PubKey(), 100_000)

	claimTx, _, err := TargetFee(2, func(fee btcutil.Amount) (*wire.MsgTx, error) {
		return BuildClaimTx(out, testDest(t), fee)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sizeBefore := VSize(claimTx)

	msg, err := ClaimSigHash(claimTx, out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Placeholder witness must fail the script check.
	if err := VerifyKeyPathSpend(claimTx, out); !errors.Is(err, ErrVerification) {
		t.Fatalf("placeholder witness error = %v, want ErrVerification", err)
	}

	signer, err := NewSigningSession(user, server.PubKey(), leg.Tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remote, err := newServerSigner(server, user.PubKey(), leg.Tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nonce, err := signer.GenerateNonce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remotePartial, err := remote.sign(hex.EncodeToString(nonce[:]), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := signer.RegisterRemoteNonce(remote.nonce[:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := signer.Sign(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig, err := signer.CombineRemote(remotePartial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := SetKeyPathWitness(claimTx, 0, sig); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyKeyPathSpend(claimTx, out); err != nil {
		t.Fatalf("signed claim rejected: %v", err)
	}
	if VSize(claimTx) != sizeBefore {
		t.Errorf("vsize changed from %d to %d after signing", sizeBefore, VSize(claimTx))
	}

	// A signature over a different output value must not verify.
	tampered := *out
	tampered.Value++
	if err := VerifyKeyPathSpend(claimTx, &tampered); err == nil {
		t.Error("claim verified against the wrong prevout value")
	}
}

func TestDeserializeTxErrors(t *testing.T) {
	for _, raw := range []string{"zz", "00", ""} {
		if _, err := DeserializeTx(raw); !errors.Is(err, ErrParse) {
			t.Errorf("DeserializeTx(%q) error = %v, want ErrParse", raw, err)
		}
	}
}
