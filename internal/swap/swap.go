// Package swap implements the swap session engine.
// It owns the lifecycle of submarine, reverse and chain swaps against a Boltz style provider:
//   - the swap tree codec and taproot tweak
//   - preimage verification
//   - two-party MuSig2 signing for key-path spends
//   - claim transaction building
//   - the per-swap state machine driven by the provider feed
package swap

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingswap/internal/boltz"
)

// Common errors
var (
	// ErrParse is malformed provider data: swap trees, hex, keys, nonces.
	ErrParse = errors.New("malformed provider data")

	// ErrVerification is a preimage or signature that does not check out.
	// The cooperative path is aborted and nothing is broadcast.
	ErrVerification = errors.New("verification failed")

	// ErrNetwork is the provider's transport error so callers can match either.
	ErrNetwork = boltz.ErrNetwork

	ErrProtocolTimeout  = errors.New("no progress before deadline")
	ErrInvalidState     = errors.New("invalid swap state")
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrInvalidPubKey    = errors.New("invalid public key")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrSwapNotFound     = errors.New("swap not found")
	ErrSwapExists       = errors.New("swap already exists")
	ErrManagerClosed    = errors.New("manager closed")
)

func parseErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func verifyErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrVerification, fmt.Sprintf(format, args...))
}

// Kind is the swap variant.
type Kind string

const (
	KindSubmarine Kind = "submarine" // user locks on-chain, provider pays an invoice
	KindReverse   Kind = "reverse"   // user pays an invoice, provider locks on-chain
	KindChain     Kind = "chain"     // on-chain to on-chain, two lockups
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSubmarine, KindReverse, KindChain:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown swap kind %q", s)
	}
}

// State represents the current state of a swap session.
type State string

const (
	StateCreated         State = "created"          // terms agreed, nothing observed yet
	StateWaiting         State = "waiting"          // waiting for the counterparty to act
	StateFundingObserved State = "funding_observed" // counterparty funds or claim request seen
	StateClaimInFlight   State = "claim_in_flight"  // cooperative claim signed and handed off
	StateSettled         State = "settled"          // swap completed
	StateExpired         State = "expired"          // deadline or timeout height reached
	StateFailed          State = "failed"           // unrecoverable protocol error
)

// validTransitions lists the forward moves out of each state.
var validTransitions = map[State][]State{
	StateCreated:         {StateWaiting, StateExpired, StateFailed},
	StateWaiting:         {StateFundingObserved, StateExpired, StateFailed},
	StateFundingObserved: {StateClaimInFlight, StateExpired, StateFailed},
	StateClaimInFlight:   {StateSettled, StateExpired, StateFailed},
	StateSettled:         {}, // Terminal state
	StateExpired:         {}, // Terminal state
	StateFailed:          {}, // Terminal state
}

// progress orders the non-terminal path.
var progress = map[State]int{
	StateCreated:         0,
	StateWaiting:         1,
	StateFundingObserved: 2,
	StateClaimInFlight:   3,
	StateSettled:         4,
}

// happyPath is the non-terminal path in order.
var happyPath = []State{StateCreated, StateWaiting, StateFundingObserved, StateClaimInFlight, StateSettled}

// IsTerminal returns true for settled, expired and failed.
func (s State) IsTerminal() bool {
	switch s {
	case StateSettled, StateExpired, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidState for a move the table does not allow.
func checkTransition(from, to State) error {
	if _, ok := validTransitions[from]; !ok {
		return fmt.Errorf("%w: unknown current state %s", ErrInvalidState, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, from, to)
	}
	return nil
}

// pathTo returns the states to step through to go from one happy-path state
// to a later one. It is empty when target is not ahead of from.
func pathTo(from, target State) []State {
	fromRank, ok := progress[from]
	if !ok {
		return nil
	}
	targetRank, ok := progress[target]
	if !ok || targetRank <= fromRank {
		return nil
	}
	return happyPath[fromRank+1 : targetRank+1]
}
