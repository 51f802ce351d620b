// Package swap - MuSig2 cooperative signing.
// This file contains the two-party signing context used to key-path spend a
// swap output: key aggregation, nonce exchange, partial signing and aggregation.
package swap

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MuSig2 errors
var (
	ErrNonceNotSet        = errors.New("nonce not set")
	ErrSessionNotReady    = errors.New("session not ready for signing")
	ErrSigningFailed      = errors.New("signing failed")
	ErrSessionInvalidated = errors.New("session invalidated after signing")
)

// PartialSigSize is the size of a serialized partial signature scalar.
const PartialSigSize = 32

// SigningSession is the single-use signing context for one cooperative claim.
//
// SECURITY: A session signs at most once. Sign invalidates it whether or not
// signing succeeded, and a new attempt needs a new session with a new nonce.
// Reusing MuSig2 nonces LEAKS THE PRIVATE KEY.
type SigningSession struct {
	localKey        *btcec.PrivateKey
	counterpartyKey *btcec.PublicKey

	// keys is [counterparty, local], unsorted. The provider aggregates in the
	// same order, so it must never be sorted.
	keys          []*btcec.PublicKey
	aggregatedKey *musig2.AggregateKey
	merkleRoot    []byte
	tweakedKey    *btcec.PublicKey

	context *musig2.Context
	session *musig2.Session

	localNonces    *musig2.Nonces
	remoteNonce    [musig2.PubNonceSize]byte
	hasRemoteNonce bool

	msg         [32]byte
	localSig    *musig2.PartialSignature
	finalSig    *schnorr.Signature
	signed      bool
	invalidated bool
}

// NewSigningSession builds the context for local and counterparty over tree.
func NewSigningSession(local *btcec.PrivateKey, counterparty *btcec.PublicKey, tree *SwapTree) (*SigningSession, error) {
	if local == nil || counterparty == nil {
		return nil, ErrInvalidPubKey
	}
	if tree == nil {
		return nil, fmt.Errorf("%w: no swap tree", ErrSessionNotReady)
	}

	keys := []*btcec.PublicKey{counterparty, local.PubKey()}
	aggKey, _, _, err := musig2.AggregateKeys(keys, false)
	if err != nil {
		return nil, fmt.Errorf("key aggregation failed: %w", err)
	}

	root := tree.MerkleRoot()
	ctx, err := musig2.NewContext(
		local,
		false,
		musig2.WithKnownSigners(keys),
		musig2.WithTaprootTweakCtx(root),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	return &SigningSession{
		localKey:        local,
		counterpartyKey: counterparty,
		keys:            keys,
		aggregatedKey:   aggKey,
		merkleRoot:      root,
		tweakedKey:      tree.TweakKey(aggKey.FinalKey),
		context:         ctx,
	}, nil
}

// AggregateKey returns the untweaked MuSig2 key of the ordered pair. It is
// the taproot internal key of the lockup output.
func AggregateKey(counterparty, local *btcec.PublicKey) (*btcec.PublicKey, error) {
	if counterparty == nil || local == nil {
		return nil, ErrInvalidPubKey
	}
	aggKey, _, _, err := musig2.AggregateKeys([]*btcec.PublicKey{counterparty, local}, false)
	if err != nil {
		return nil, fmt.Errorf("key aggregation failed: %w", err)
	}
	return aggKey.FinalKey, nil
}

// AggregatedKey returns the untweaked aggregated key.
func (s *SigningSession) AggregatedKey() *btcec.PublicKey {
	return s.aggregatedKey.FinalKey
}

// TweakedKey returns the taproot output key the final signature verifies under.
func (s *SigningSession) TweakedKey() *btcec.PublicKey {
	return s.tweakedKey
}

// GenerateNonce draws a fresh random nonce pair for this session.
func (s *SigningSession) GenerateNonce() ([musig2.PubNonceSize]byte, error) {
	if s.invalidated {
		return [musig2.PubNonceSize]byte{}, ErrSessionInvalidated
	}
	if s.localNonces != nil {
		// One nonce per session. A retry builds a new session.
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("%w: nonce already generated", ErrSessionInvalidated)
	}

	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.localKey.PubKey()))
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("failed to generate nonces: %w", err)
	}

	session, err := s.context.NewSession(musig2.WithPreGeneratedNonce(nonces))
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.localNonces = nonces
	s.session = session
	return nonces.PubNonce, nil
}

// LocalPubNonce returns our 66-byte public nonce.
func (s *SigningSession) LocalPubNonce() ([musig2.PubNonceSize]byte, error) {
	if s.localNonces == nil {
		return [musig2.PubNonceSize]byte{}, ErrNonceNotSet
	}
	return s.localNonces.PubNonce, nil
}

// RegisterRemoteNonce records the counterparty's public nonce.
func (s *SigningSession) RegisterRemoteNonce(nonce []byte) error {
	if s.invalidated {
		return ErrSessionInvalidated
	}
	if s.session == nil {
		return ErrNonceNotSet
	}
	if s.hasRemoteNonce {
		return fmt.Errorf("%w: remote nonce already registered", ErrSessionNotReady)
	}
	if len(nonce) != musig2.PubNonceSize {
		return parseErrorf("public nonce is %d bytes, want %d", len(nonce), musig2.PubNonceSize)
	}

	var remote [musig2.PubNonceSize]byte
	copy(remote[:], nonce)

	if _, err := s.session.RegisterPubNonce(remote); err != nil {
		return parseErrorf("register remote nonce: %v", err)
	}
	s.remoteNonce = remote
	s.hasRemoteNonce = true
	return nil
}

// Sign produces our partial signature over msg.
//
// SECURITY: the session is invalidated on return, success or failure.
func (s *SigningSession) Sign(msg [32]byte) ([]byte, error) {
	if s.invalidated || s.signed {
		return nil, ErrSessionInvalidated
	}
	defer func() {
		s.signed = true
		s.invalidated = true
	}()

	if s.session == nil || !s.hasRemoteNonce {
		return nil, ErrNonceNotSet
	}

	partial, err := s.session.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	s.msg = msg
	s.localSig = partial
	return encodePartial(partial), nil
}

// CombineRemote checks the counterparty's partial signature and aggregates it
// with ours into the final Schnorr signature. Must follow Sign.
func (s *SigningSession) CombineRemote(partial []byte) (*schnorr.Signature, error) {
	if s.localSig == nil || s.session == nil || s.localNonces == nil {
		return nil, ErrSessionNotReady
	}
	if s.finalSig != nil {
		return s.finalSig, nil
	}

	remoteSig, err := decodePartial(partial)
	if err != nil {
		return nil, err
	}

	combinedNonce, err := musig2.AggregateNonces([][musig2.PubNonceSize]byte{
		s.remoteNonce, s.localNonces.PubNonce,
	})
	if err != nil {
		return nil, parseErrorf("aggregate nonces: %v", err)
	}

	if !remoteSig.Verify(
		s.remoteNonce, combinedNonce, s.keys, s.counterpartyKey, s.msg,
		musig2.WithTaprootSignTweak(s.merkleRoot),
	) {
		return nil, verifyErrorf("counterparty partial signature invalid")
	}

	haveFinal, err := s.session.CombineSig(remoteSig)
	if err != nil {
		return nil, verifyErrorf("failed to combine signatures: %v", err)
	}
	if !haveFinal {
		return nil, verifyErrorf("not enough signatures to finalize")
	}

	final := s.session.FinalSig()
	if !final.Verify(s.msg[:], s.tweakedKey) {
		return nil, verifyErrorf("aggregated signature does not verify")
	}
	s.finalSig = final
	return final, nil
}

// Close drops the nonce and key references. The session cannot be used afterwards.
func (s *SigningSession) Close() {
	s.invalidated = true
	if s.localNonces != nil {
		s.localNonces.SecNonce = [musig2.SecNonceSize]byte{}
	}
	s.localNonces = nil
	s.session = nil
	s.context = nil
	s.localKey = nil
}

// Invalidated reports whether the session can no longer sign.
func (s *SigningSession) Invalidated() bool {
	return s.invalidated
}

func encodePartial(sig *musig2.PartialSignature) []byte {
	var raw [PartialSigSize]byte
	sig.S.PutBytes(&raw)
	return raw[:]
}

// decodePartial parses a 32-byte partial signature scalar, rejecting values
// that overflow the group order.
func decodePartial(raw []byte) (*musig2.PartialSignature, error) {
	if len(raw) != PartialSigSize {
		return nil, parseErrorf("partial signature is %d bytes, want %d", len(raw), PartialSigSize)
	}
	var buf [PartialSigSize]byte
	copy(buf[:], raw)

	var s secp256k1.ModNScalar
	if overflow := s.SetBytes(&buf); overflow != 0 {
		return nil, parseErrorf("partial signature overflows group order")
	}
	return &musig2.PartialSignature{S: &s}, nil
}

// decodeHex is hex.DecodeString with a parse error.
func decodeHex(field, s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, parseErrorf("%s: %v", field, err)
	}
	return raw, nil
}

// parsePubKey decodes a hex compressed public key.
func parsePubKey(field, s string) (*btcec.PublicKey, error) {
	raw, err := decodeHex(field, s)
	if err != nil {
		return nil, err
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPubKey, field, err)
	}
	return key, nil
}
