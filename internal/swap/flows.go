// Package swap - Per-kind status handling.
// Each swap kind maps provider status tokens to handlers. A handler causes at
// most one transition on the happy path and runs on the session goroutine.
package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/internal/boltz"
)

type handler func(s *Session, ctx context.Context, up boltz.Update) error

var dispatch = map[Kind]map[boltz.Status]handler{
	KindSubmarine: {
		boltz.StatusSwapCreated:        (*Session).onWaiting,
		boltz.StatusInvoiceSet:         (*Session).onWaiting,
		boltz.StatusTxMempool:          (*Session).onObserved,
		boltz.StatusTxConfirmed:        (*Session).onObserved,
		boltz.StatusInvoicePending:     (*Session).onObserved,
		boltz.StatusInvoicePaid:        (*Session).onObserved,
		boltz.StatusTxClaimPending:     (*Session).onSubmarineClaimPending,
		boltz.StatusTxClaimed:          (*Session).onSettled,
		boltz.StatusSwapExpired:        (*Session).onExpired,
		boltz.StatusInvoiceFailedToPay: (*Session).onFailed,
		boltz.StatusTxLockupFailed:     (*Session).onFailed,
	},
	KindReverse: {
		boltz.StatusSwapCreated:    (*Session).onReverseCreated,
		boltz.StatusTxMempool:      (*Session).onReverseLockup,
		boltz.StatusTxConfirmed:    (*Session).onReverseLockup,
		boltz.StatusInvoiceSettled: (*Session).onSettled,
		boltz.StatusSwapExpired:    (*Session).onExpired,
		boltz.StatusInvoiceExpired: (*Session).onExpired,
		boltz.StatusTxRefunded:     (*Session).onExpired,
		boltz.StatusTxFailed:       (*Session).onFailed,
	},
	KindChain: {
		boltz.StatusSwapCreated:       (*Session).onWaiting,
		boltz.StatusTxMempool:         (*Session).onObserved,
		boltz.StatusTxConfirmed:       (*Session).onObserved,
		boltz.StatusTxServerMempool:   (*Session).onChainServerLockup,
		boltz.StatusTxServerConfirmed: (*Session).onChainServerLockup,
		boltz.StatusTxClaimed:         (*Session).onSettled,
		boltz.StatusSwapExpired:       (*Session).onExpired,
		boltz.StatusTxRefunded:        (*Session).onExpired,
		boltz.StatusTxLockupFailed:    (*Session).onFailed,
		boltz.StatusTxFailed:          (*Session).onFailed,
	},
}

// cooperativeError is a failed cooperative signing attempt. The next
// compatible update may retry it.
type cooperativeError struct {
	err error
}

func (e *cooperativeError) Error() string { return "cooperative claim: " + e.err.Error() }
func (e *cooperativeError) Unwrap() error { return e.err }

// =============================================================================
// Shared handlers
// =============================================================================

func (s *Session) onWaiting(_ context.Context, _ boltz.Update) error {
	return s.advance(StateWaiting)
}

func (s *Session) onObserved(_ context.Context, up boltz.Update) error {
	if up.Transaction != nil && up.Transaction.ID != "" {
		s.log.Info("transaction observed", "status", up.Status, "txid", up.Transaction.ID)
	}
	return s.advance(StateWaiting)
}

// onSettled only counts once our side of the cooperative claim is done.
// Reverse and chain sessions are already settled by then.
func (s *Session) onSettled(_ context.Context, up boltz.Update) error {
	if !s.claimDone {
		s.log.Warn("settlement reported before cooperative claim, ignoring", "status", up.Status)
		return nil
	}
	s.finish(StateSettled, nil)
	return nil
}

func (s *Session) onExpired(_ context.Context, up boltz.Update) error {
	s.finish(StateExpired, fmt.Errorf("%w: provider reported %s%s", ErrProtocolTimeout, up.Status, reasonSuffix(up)))
	return nil
}

func (s *Session) onFailed(_ context.Context, up boltz.Update) error {
	s.finish(StateFailed, fmt.Errorf("provider reported %s%s", up.Status, reasonSuffix(up)))
	return nil
}

func reasonSuffix(up boltz.Update) string {
	if up.FailureReason == "" {
		return ""
	}
	return ": " + up.FailureReason
}

// =============================================================================
// Submarine
// =============================================================================

// onSubmarineClaimPending cosigns the provider's sweep of our lockup once it
// proved payment of our invoice with the preimage.
func (s *Session) onSubmarineClaimPending(ctx context.Context, _ boltz.Update) error {
	if s.claimDone {
		return nil
	}
	if err := s.advance(StateFundingObserved); err != nil {
		return err
	}
	if err := s.cosignSubmarineClaim(ctx); err != nil {
		return &cooperativeError{err: err}
	}
	s.claimDone = true
	return s.advance(StateClaimInFlight)
}

func (s *Session) cosignSubmarineClaim(ctx context.Context) error {
	leg := s.terms.Lockup
	attempt := uuid.NewString()
	log := s.log.With("attempt", attempt)

	details, err := s.deps.provider.GetSubmarineClaim(ctx, s.terms.ID)
	if err != nil {
		return fmt.Errorf("fetch claim details: %w", err)
	}

	// SECURITY: never cosign before the invoice is provably paid.
	preimage, err := decodeHex("preimage", details.Preimage)
	if err != nil {
		return err
	}
	if !VerifyPreimage(preimage, s.secrets.paymentHash) {
		return verifyErrorf("provider preimage does not match invoice payment hash")
	}

	msg, err := decodeHash("transaction hash", details.TransactionHash)
	if err != nil {
		return err
	}
	remoteNonce, err := decodeHex("public nonce", details.PubNonce)
	if err != nil {
		return err
	}

	signer, err := NewSigningSession(s.secrets.refundKey, leg.ServerKey, leg.Tree)
	if err != nil {
		return err
	}
	defer signer.Close()

	nonce, err := signer.GenerateNonce()
	if err != nil {
		return err
	}
	if err := signer.RegisterRemoteNonce(remoteNonce); err != nil {
		return err
	}
	partial, err := signer.Sign(msg)
	if err != nil {
		return err
	}

	err = s.deps.provider.PostSubmarineClaim(ctx, s.terms.ID, &boltz.PartialSignature{
		PubNonce:         hex.EncodeToString(nonce[:]),
		PartialSignature: hex.EncodeToString(partial),
	})
	if err != nil {
		return fmt.Errorf("send partial signature: %w", err)
	}

	log.Info("cosigned provider claim")
	s.record(EventClaimSigned, map[string]string{"attempt": attempt})
	return nil
}

// =============================================================================
// Reverse
// =============================================================================

func (s *Session) onReverseCreated(ctx context.Context, _ boltz.Update) error {
	if err := s.advance(StateWaiting); err != nil {
		return err
	}
	s.startPayment(ctx)
	return nil
}

func (s *Session) onReverseLockup(ctx context.Context, up boltz.Update) error {
	return s.claimLockup(ctx, up, s.cosignReverseClaim)
}

func (s *Session) cosignReverseClaim(ctx context.Context, claimTx *wire.MsgTx, out *SwapOutput) (*wire.MsgTx, error) {
	leg := s.terms.Claim

	sigHash, err := ClaimSigHash(claimTx, out)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigningSession(s.secrets.claimKey, leg.ServerKey, leg.Tree)
	if err != nil {
		return nil, err
	}
	defer signer.Close()

	nonce, err := signer.GenerateNonce()
	if err != nil {
		return nil, err
	}
	txHex, err := SerializeTx(claimTx)
	if err != nil {
		return nil, err
	}

	resp, err := s.deps.provider.PostReverseClaim(ctx, s.terms.ID, &boltz.ReverseClaimRequest{
		Index:       0,
		Transaction: txHex,
		Preimage:    hex.EncodeToString(s.secrets.preimage[:]),
		PubNonce:    hex.EncodeToString(nonce[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("request claim signature: %w", err)
	}
	return finalizeClaim(signer, claimTx, out, sigHash, resp)
}

// =============================================================================
// Chain
// =============================================================================

func (s *Session) onChainServerLockup(ctx context.Context, up boltz.Update) error {
	return s.claimLockup(ctx, up, s.cosignChainClaim)
}

// cosignChainClaim signs the provider's claim of our lockup with the refund
// leg and gets our claim of its lockup signed in the same exchange.
func (s *Session) cosignChainClaim(ctx context.Context, claimTx *wire.MsgTx, out *SwapOutput) (*wire.MsgTx, error) {
	claimLeg, lockupLeg := s.terms.Claim, s.terms.Lockup

	sigHash, err := ClaimSigHash(claimTx, out)
	if err != nil {
		return nil, err
	}
	claimSigner, err := NewSigningSession(s.secrets.claimKey, claimLeg.ServerKey, claimLeg.Tree)
	if err != nil {
		return nil, err
	}
	defer claimSigner.Close()

	claimNonce, err := claimSigner.GenerateNonce()
	if err != nil {
		return nil, err
	}

	details, err := s.deps.provider.GetChainClaim(ctx, s.terms.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch claim details: %w", err)
	}
	if details.PublicKey != "" {
		key, err := parsePubKey("claim public key", details.PublicKey)
		if err != nil {
			return nil, err
		}
		if !key.IsEqual(lockupLeg.ServerKey) {
			return nil, verifyErrorf("claim details signed by unexpected key")
		}
	}
	serverMsg, err := decodeHash("transaction hash", details.TransactionHash)
	if err != nil {
		return nil, err
	}
	serverNonce, err := decodeHex("public nonce", details.PubNonce)
	if err != nil {
		return nil, err
	}

	refundSigner, err := NewSigningSession(s.secrets.refundKey, lockupLeg.ServerKey, lockupLeg.Tree)
	if err != nil {
		return nil, err
	}
	defer refundSigner.Close()

	refundNonce, err := refundSigner.GenerateNonce()
	if err != nil {
		return nil, err
	}
	if err := refundSigner.RegisterRemoteNonce(serverNonce); err != nil {
		return nil, err
	}
	partial, err := refundSigner.Sign(serverMsg)
	if err != nil {
		return nil, err
	}

	txHex, err := SerializeTx(claimTx)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.provider.PostChainClaim(ctx, s.terms.ID, &boltz.ChainClaimRequest{
		Preimage: hex.EncodeToString(s.secrets.preimage[:]),
		Signature: &boltz.PartialSignature{
			PubNonce:         hex.EncodeToString(refundNonce[:]),
			PartialSignature: hex.EncodeToString(partial),
		},
		ToSign: &boltz.ChainToSign{
			Index:       0,
			Transaction: txHex,
			PubNonce:    hex.EncodeToString(claimNonce[:]),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange claim signatures: %w", err)
	}
	return finalizeClaim(claimSigner, claimTx, out, sigHash, resp)
}

// =============================================================================
// Claiming a provider lockup
// =============================================================================

type cosignFunc func(ctx context.Context, claimTx *wire.MsgTx, out *SwapOutput) (*wire.MsgTx, error)

// claimLockup finds our output in the provider's lockup, builds the claim,
// has it cosigned and broadcasts it. A claim that was signed but not yet
// broadcast is only rebroadcast.
func (s *Session) claimLockup(ctx context.Context, up boltz.Update, cosign cosignFunc) error {
	if s.claimDone {
		return nil
	}
	leg := s.terms.Claim

	if s.signedClaim == nil {
		lockupTx, err := s.lockupTransaction(ctx, up)
		if err != nil {
			return err
		}
		out, ok, err := DetectSwapOutput(lockupTx, s.claimScript)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("transaction does not pay the swap output", "txid", lockupTx.TxHash())
			return nil
		}
		if err := s.advance(StateFundingObserved); err != nil {
			return err
		}
		if int64(out.Value) < leg.Amount {
			return verifyErrorf("lockup pays %d sats, expected %d", out.Value, leg.Amount)
		}

		feeRate := s.feeRate(ctx, leg.Symbol)
		claimTx, fee, err := TargetFee(feeRate, func(fee btcutil.Amount) (*wire.MsgTx, error) {
			return BuildClaimTx(out, s.claimDest, fee)
		})
		if err != nil {
			return err
		}

		attempt := uuid.NewString()
		s.log.Info("claim transaction built",
			"attempt", attempt,
			"outpoint", out.OutPoint,
			"fee", fee,
			"fee_rate", feeRate,
		)

		signed, err := cosign(ctx, claimTx, out)
		if err != nil {
			return &cooperativeError{err: err}
		}
		s.signedClaim = signed
		s.record(EventClaimSigned, map[string]string{"attempt": attempt, "fee": fmt.Sprintf("%d", int64(fee))})
	}

	txid, err := s.broadcast(ctx, leg.Symbol, s.signedClaim)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.claimTxID = txid
	s.mu.Unlock()
	s.claimDone = true

	s.log.Info("claim broadcast", "txid", txid)
	s.record(EventClaimBroadcast, map[string]string{"txid": txid})
	if err := s.advance(StateClaimInFlight); err != nil {
		return err
	}
	// An accepted claim is final for us. Later settlement updates are no-ops.
	s.finish(StateSettled, nil)
	return nil
}

// finalizeClaim completes our half of the signature, aggregates it with the
// provider's and checks the witness against the spent output.
func finalizeClaim(signer *SigningSession, claimTx *wire.MsgTx, out *SwapOutput, sigHash [32]byte, resp *boltz.PartialSignature) (*wire.MsgTx, error) {
	if resp == nil {
		return nil, parseErrorf("empty claim signature")
	}
	remoteNonce, err := decodeHex("public nonce", resp.PubNonce)
	if err != nil {
		return nil, err
	}
	remotePartial, err := decodeHex("partial signature", resp.PartialSignature)
	if err != nil {
		return nil, err
	}

	if err := signer.RegisterRemoteNonce(remoteNonce); err != nil {
		return nil, err
	}
	if _, err := signer.Sign(sigHash); err != nil {
		return nil, err
	}
	final, err := signer.CombineRemote(remotePartial)
	if err != nil {
		return nil, err
	}

	if err := SetKeyPathWitness(claimTx, 0, final); err != nil {
		return nil, err
	}
	if err := VerifyKeyPathSpend(claimTx, out); err != nil {
		return nil, err
	}
	return claimTx, nil
}

// lockupTransaction returns the transaction an update refers to. The feed
// usually carries the hex; otherwise the explorer or the status endpoint is asked.
func (s *Session) lockupTransaction(ctx context.Context, up boltz.Update) (*wire.MsgTx, error) {
	if up.Transaction != nil && up.Transaction.Hex != "" {
		return DeserializeTx(up.Transaction.Hex)
	}

	if up.Transaction != nil && up.Transaction.ID != "" && s.deps.txs != nil && s.terms.Claim.Symbol == "BTC" {
		txHex, err := s.deps.txs.GetTransactionHex(ctx, up.Transaction.ID)
		if err == nil {
			return DeserializeTx(txHex)
		}
		s.log.Debug("explorer lookup failed", "txid", up.Transaction.ID, "error", err)
	}

	status, err := s.deps.provider.SwapStatus(ctx, s.terms.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch lockup transaction: %w", err)
	}
	if status.Transaction == nil || status.Transaction.Hex == "" {
		return nil, fmt.Errorf("%w: lockup transaction not available yet", ErrNetwork)
	}
	return DeserializeTx(status.Transaction.Hex)
}

func (s *Session) feeRate(ctx context.Context, symbol string) float64 {
	if s.deps.fees != nil && symbol == "BTC" {
		rate, err := s.deps.fees.EstimateFeeRate(ctx)
		if err == nil && rate > 0 {
			return rate
		}
		s.log.Debug("fee estimate unavailable, using fallback", "fallback", s.opts.FeeRate, "error", err)
	}
	return s.opts.FeeRate
}

// broadcast sends tx through the provider, falling back to the explorer.
// Network failures are retried with exponential backoff; re-sending an
// accepted transaction is harmless.
func (s *Session) broadcast(ctx context.Context, symbol string, tx *wire.MsgTx) (string, error) {
	txHex, err := SerializeTx(tx)
	if err != nil {
		return "", err
	}
	localID := tx.TxHash().String()

	delay := s.opts.BroadcastBackoff
	var lastErr error
	for attempt := 1; attempt <= s.opts.BroadcastAttempts; attempt++ {
		txid, err := s.deps.provider.BroadcastTransaction(ctx, symbol, txHex)
		if err == nil {
			if txid == "" {
				txid = localID
			}
			return txid, nil
		}
		lastErr = err
		s.log.Warn("broadcast failed", "attempt", attempt, "error", err)

		if s.deps.fallback != nil && symbol == "BTC" {
			txid, ferr := s.deps.fallback.BroadcastTransaction(ctx, txHex)
			if ferr == nil {
				if txid == "" {
					txid = localID
				}
				s.log.Info("claim broadcast through explorer")
				return txid, nil
			}
			s.log.Debug("explorer broadcast failed", "error", ferr)
		}

		if !errors.Is(err, ErrNetwork) || attempt == s.opts.BroadcastAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBroadcastBackoff {
			delay = maxBroadcastBackoff
		}
	}
	return "", fmt.Errorf("broadcast claim: %w", lastErr)
}

func decodeHash(field, s string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHex(field, s)
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, parseErrorf("%s is %d bytes, want 32", field, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
