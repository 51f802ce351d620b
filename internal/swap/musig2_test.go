package swap

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// cosign runs one session against the provider-side signer and returns the
// user's session after signing msg.
func cosign(t *testing.T, msg [32]byte) (*SigningSession, *serverSigner, []byte) {
	t.Helper()

	server := mustKey(t)
	user := mustKey(t)
	tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	local, err := NewSigningSession(user, server.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remote, err := newServerSigner(server, user.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nonce, err := local.GenerateNonce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remotePartial, err := remote.sign(hex.EncodeToString(nonce[:]), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := local.RegisterRemoteNonce(remote.nonce[:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := local.Sign(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return local, remote, remotePartial
}

func TestSigningRoundTrip(t *testing.T) {
	msg := randomHash(t)
	local, _, remotePartial := cosign(t, msg)

	sig, err := local.CombineRemote(remotePartial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sig.Verify(msg[:], local.TweakedKey()) {
		t.Fatal("final signature does not verify under the tweaked key")
	}
	if sig.Verify(msg[:], local.AggregatedKey()) {
		t.Error("final signature verifies under the untweaked key")
	}
}

func TestSignatureFailsUnderSwappedKeyOrder(t *testing.T) {
	msg := randomHash(t)
	server := mustKey(t)
	user := mustKey(t)
	tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	local, err := NewSigningSession(user, server.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remote, err := newServerSigner(server, user.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nonce, err := local.GenerateNonce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remotePartial, err := remote.sign(hex.EncodeToString(nonce[:]), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := local.RegisterRemoteNonce(remote.nonce[:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := local.Sign(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final, err := local.CombineRemote(remotePartial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ordered, err := AggregateKey(server.PubKey(), user.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !final.Verify(msg[:], tree.TweakKey(ordered)) {
		t.Fatal("signature does not verify under [server, user]")
	}

	swapped, err := AggregateKey(user.PubKey(), server.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Verify(msg[:], tree.TweakKey(swapped)) {
		t.Fatal("signature verifies under [user, server]")
	}
}

func TestSigningBothSidesAgree(t *testing.T) {
	msg := randomHash(t)
	server := mustKey(t)
	user := mustKey(t)
	tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	local, err := NewSigningSession(user, server.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remote, err := newServerSigner(server, user.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !local.TweakedKey().IsEqual(remote.tweaked) {
		t.Fatal("user and provider derive different output keys")
	}

	nonce, err := local.GenerateNonce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := remote.sign(hex.EncodeToString(nonce[:]), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := local.RegisterRemoteNonce(remote.nonce[:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	partial, err := local.Sign(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := remote.combine(hex.EncodeToString(partial)); err != nil {
		t.Fatalf("provider rejected our partial signature: %v", err)
	}
}

func TestSigningSessionSingleUse(t *testing.T) {
	msg := randomHash(t)
	local, _, _ := cosign(t, msg)

	if !local.Invalidated() {
		t.Fatal("session still valid after signing")
	}
	if _, err := local.Sign(msg); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("second Sign() error = %v, want ErrSessionInvalidated", err)
	}
	if _, err := local.GenerateNonce(); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("GenerateNonce() after signing error = %v, want ErrSessionInvalidated", err)
	}
}

func TestSigningRejectsBadRemoteInput(t *testing.T) {
	msg := randomHash(t)

	t.Run("wrong partial", func(t *testing.T) {
		local, _, _ := cosign(t, msg)
		wrong := make([]byte, PartialSigSize)
		wrong[PartialSigSize-1] = 0x01
		if _, err := local.CombineRemote(wrong); !errors.Is(err, ErrVerification) {
			t.Fatalf("error = %v, want ErrVerification", err)
		}
	})

	t.Run("overflowing partial", func(t *testing.T) {
		local, _, _ := cosign(t, msg)
		overflow := make([]byte, PartialSigSize)
		for i := range overflow {
			overflow[i] = 0xff
		}
		if _, err := local.CombineRemote(overflow); !errors.Is(err, ErrParse) {
			t.Fatalf("error = %v, want ErrParse", err)
		}
	})

	t.Run("short partial", func(t *testing.T) {
		local, _, _ := cosign(t, msg)
		if _, err := local.CombineRemote(make([]byte, 31)); !errors.Is(err, ErrParse) {
			t.Fatalf("error = %v, want ErrParse", err)
		}
	})

	t.Run("short nonce", func(t *testing.T) {
		server := mustKey(t)
		user := mustKey(t)
		tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		local, err := NewSigningSession(user, server.PubKey(), tree)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := local.GenerateNonce(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := local.RegisterRemoteNonce(make([]byte, musig2.PubNonceSize-1)); !errors.Is(err, ErrParse) {
			t.Fatalf("error = %v, want ErrParse", err)
		}
	})
}

func TestSigningRequiresNonces(t *testing.T) {
	server := mustKey(t)
	user := mustKey(t)
	tree, err := ParseSwapTree(testTree(t, user.PubKey(), server.PubKey(), mustPreimage(t), 800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	local, err := NewSigningSession(user, server.PubKey(), tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := local.LocalPubNonce(); !errors.Is(err, ErrNonceNotSet) {
		t.Errorf("LocalPubNonce() error = %v, want ErrNonceNotSet", err)
	}
	if err := local.RegisterRemoteNonce(make([]byte, musig2.PubNonceSize)); !errors.Is(err, ErrNonceNotSet) {
		t.Errorf("RegisterRemoteNonce() error = %v, want ErrNonceNotSet", err)
	}
	if _, err := local.CombineRemote(make([]byte, PartialSigSize)); !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("CombineRemote() error = %v, want ErrSessionNotReady", err)
	}

	local.Close()
	if _, err := local.GenerateNonce(); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("GenerateNonce() after Close error = %v, want ErrSessionInvalidated", err)
	}
}
