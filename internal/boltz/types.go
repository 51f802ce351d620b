// Package boltz talks to a Boltz v2 swap provider: the REST API used to
// create and cosign swaps, and the websocket feed that pushes status updates.
package boltz

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	// ErrNetwork covers transport failures, 5xx answers and rate limiting.
	// Callers may retry on it.
	ErrNetwork     = errors.New("provider unreachable")
	ErrRateLimited = errors.New("rate limited")
	ErrDecode      = errors.New("malformed provider response")
	ErrFeedClosed  = errors.New("feed closed")
)

// APIError is a 4xx answer from the provider. It is not retryable.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider rejected request (%d): %s", e.Status, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: status, Message: msg}
}

// IsAPIError reports whether err carries a provider rejection.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// =============================================================================
// Status tokens
// =============================================================================

// Status is a provider swap status token.
type Status string

const (
	StatusSwapCreated Status = "swap.created"
	StatusSwapExpired Status = "swap.expired"

	StatusInvoiceSet         Status = "invoice.set"
	StatusInvoicePending     Status = "invoice.pending"
	StatusInvoicePaid        Status = "invoice.paid"
	StatusInvoiceSettled     Status = "invoice.settled"
	StatusInvoiceExpired     Status = "invoice.expired"
	StatusInvoiceFailedToPay Status = "invoice.failedToPay"

	StatusTxMempool         Status = "transaction.mempool"
	StatusTxConfirmed       Status = "transaction.confirmed"
	StatusTxServerMempool   Status = "transaction.server.mempool"
	StatusTxServerConfirmed Status = "transaction.server.confirmed"
	StatusTxClaimPending    Status = "transaction.claim.pending"
	StatusTxClaimed         Status = "transaction.claimed"
	StatusTxFailed          Status = "transaction.failed"
	StatusTxLockupFailed    Status = "transaction.lockupFailed"
	StatusTxRefunded        Status = "transaction.refunded"
)

// =============================================================================
// Swap tree
// =============================================================================

// TreeLeaf is one tapscript leaf as sent by the provider.
type TreeLeaf struct {
	Version uint8  `json:"version"`
	Output  string `json:"output"` // hex script
}

// SwapTree is the two-leaf taproot tree of a lockup output.
type SwapTree struct {
	ClaimLeaf  TreeLeaf `json:"claimLeaf"`
	RefundLeaf TreeLeaf `json:"refundLeaf"`
}

// =============================================================================
// Swap creation
// =============================================================================

// SubmarineRequest creates a chain to lightning swap.
type SubmarineRequest struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Invoice         string `json:"invoice"`
	RefundPublicKey string `json:"refundPublicKey"`
	PairHash        string `json:"pairHash,omitempty"`
	ReferralID      string `json:"referralId,omitempty"`
}

// SubmarineResponse describes where the user must lock funds.
type SubmarineResponse struct {
	ID                 string    `json:"id"`
	Bip21              string    `json:"bip21"`
	Address            string    `json:"address"`
	SwapTree           *SwapTree `json:"swapTree"`
	ClaimPublicKey     string    `json:"claimPublicKey"`
	TimeoutBlockHeight uint32    `json:"timeoutBlockHeight"`
	AcceptZeroConf     bool      `json:"acceptZeroConf"`
	ExpectedAmount     int64     `json:"expectedAmount"`
	BlindingKey        string    `json:"blindingKey,omitempty"`
}

// ReverseRequest creates a lightning to chain swap.
type ReverseRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	PreimageHash   string `json:"preimageHash"`
	ClaimPublicKey string `json:"claimPublicKey"`
	InvoiceAmount  int64  `json:"invoiceAmount"`
	PairHash       string `json:"pairHash,omitempty"`
	ReferralID     string `json:"referralId,omitempty"`
}

// ReverseResponse carries the hold invoice and the provider lockup terms.
type ReverseResponse struct {
	ID                 string    `json:"id"`
	Invoice            string    `json:"invoice"`
	SwapTree           *SwapTree `json:"swapTree"`
	LockupAddress      string    `json:"lockupAddress"`
	RefundPublicKey    string    `json:"refundPublicKey"`
	TimeoutBlockHeight uint32    `json:"timeoutBlockHeight"`
	OnchainAmount      int64     `json:"onchainAmount"`
	BlindingKey        string    `json:"blindingKey,omitempty"`
}

// ChainRequest creates a chain to chain swap.
type ChainRequest struct {
	From            string `json:"from"`
	To              string `json:"to"`
	PreimageHash    string `json:"preimageHash"`
	ClaimPublicKey  string `json:"claimPublicKey"`
	RefundPublicKey string `json:"refundPublicKey"`
	UserLockAmount  int64  `json:"userLockAmount"`
	PairHash        string `json:"pairHash,omitempty"`
	ReferralID      string `json:"referralId,omitempty"`
}

// ChainSwapDetails is one leg of a chain swap.
type ChainSwapDetails struct {
	SwapTree           *SwapTree `json:"swapTree"`
	LockupAddress      string    `json:"lockupAddress"`
	ServerPublicKey    string    `json:"serverPublicKey"`
	TimeoutBlockHeight uint32    `json:"timeoutBlockHeight"`
	Amount             int64     `json:"amount"`
	Bip21              string    `json:"bip21,omitempty"`
	BlindingKey        string    `json:"blindingKey,omitempty"`
}

// ChainResponse holds both legs. ClaimDetails is where the provider locks,
// LockupDetails is where the user locks.
type ChainResponse struct {
	ID            string           `json:"id"`
	ClaimDetails  ChainSwapDetails `json:"claimDetails"`
	LockupDetails ChainSwapDetails `json:"lockupDetails"`
}

// =============================================================================
// Cooperative claims
// =============================================================================

// PartialSignature is a MuSig2 nonce and partial signature pair, hex encoded.
type PartialSignature struct {
	PubNonce         string `json:"pubNonce"`
	PartialSignature string `json:"partialSignature"`
}

// SubmarineClaimDetails is what the provider wants cosigned to sweep the
// user's lockup, plus the preimage that proves the invoice was paid.
type SubmarineClaimDetails struct {
	Preimage        string `json:"preimage"`
	PubNonce        string `json:"pubNonce"`
	TransactionHash string `json:"transactionHash"`
}

// ReverseClaimRequest asks the provider to cosign our claim transaction.
type ReverseClaimRequest struct {
	Index       int    `json:"index"`
	Transaction string `json:"transaction"`
	Preimage    string `json:"preimage"`
	PubNonce    string `json:"pubNonce"`
}

// ChainClaimDetails is the provider's own claim that it wants cosigned.
type ChainClaimDetails struct {
	PubNonce        string `json:"pubNonce"`
	PublicKey       string `json:"publicKey"`
	TransactionHash string `json:"transactionHash"`
}

// ChainToSign is our claim transaction for the provider to cosign.
type ChainToSign struct {
	Index       int    `json:"index"`
	Transaction string `json:"transaction"`
	PubNonce    string `json:"pubNonce"`
}

// ChainClaimRequest exchanges signatures for both legs at once.
type ChainClaimRequest struct {
	Preimage  string            `json:"preimage"`
	Signature *PartialSignature `json:"signature,omitempty"`
	ToSign    *ChainToSign      `json:"toSign"`
}

// =============================================================================
// Status and pairs
// =============================================================================

// TransactionInfo identifies a transaction attached to a status.
type TransactionInfo struct {
	ID  string `json:"id"`
	Hex string `json:"hex,omitempty"`
}

// SwapStatus is the polled status of a swap.
type SwapStatus struct {
	Status           Status           `json:"status"`
	ZeroConfRejected bool             `json:"zeroConfRejected,omitempty"`
	Transaction      *TransactionInfo `json:"transaction,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
}

// Update is one pushed status change.
type Update struct {
	ID               string           `json:"id"`
	Status           Status           `json:"status"`
	Transaction      *TransactionInfo `json:"transaction,omitempty"`
	ZeroConfRejected bool             `json:"zeroConfRejected,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
}

// Limits bound the amount of a pair, in sats.
type Limits struct {
	Minimal         int64 `json:"minimal"`
	Maximal         int64 `json:"maximal"`
	MaximalZeroConf int64 `json:"maximalZeroConf,omitempty"`
}

// Contains reports whether amount is inside the limits.
func (l Limits) Contains(amount int64) bool {
	return amount >= l.Minimal && (l.Maximal == 0 || amount <= l.Maximal)
}

// SubmarinePair is a submarine pair quote.
type SubmarinePair struct {
	Hash   string  `json:"hash"`
	Rate   float64 `json:"rate"`
	Limits Limits  `json:"limits"`
	Fees   struct {
		Percentage float64 `json:"percentage"`
		MinerFees  int64   `json:"minerFees"`
	} `json:"fees"`
}

// ReversePair is a reverse pair quote.
type ReversePair struct {
	Hash   string  `json:"hash"`
	Rate   float64 `json:"rate"`
	Limits Limits  `json:"limits"`
	Fees   struct {
		Percentage float64 `json:"percentage"`
		MinerFees  struct {
			Claim  int64 `json:"claim"`
			Lockup int64 `json:"lockup"`
		} `json:"minerFees"`
	} `json:"fees"`
}

// ChainPair is a chain pair quote.
type ChainPair struct {
	Hash   string  `json:"hash"`
	Rate   float64 `json:"rate"`
	Limits Limits  `json:"limits"`
	Fees   struct {
		Percentage float64 `json:"percentage"`
		MinerFees  struct {
			Server int64 `json:"server"`
			User   struct {
				Claim  int64 `json:"claim"`
				Lockup int64 `json:"lockup"`
			} `json:"user"`
		} `json:"minerFees"`
	} `json:"fees"`
}

// SubmarinePairs is indexed by from then to symbol.
type SubmarinePairs map[string]map[string]SubmarinePair

// ReversePairs is indexed by from then to symbol.
type ReversePairs map[string]map[string]ReversePair

// ChainPairs is indexed by from then to symbol.
type ChainPairs map[string]map[string]ChainPair

// Get returns the quote for from/to.
func (p SubmarinePairs) Get(from, to string) (SubmarinePair, bool) {
	pair, ok := p[from][to]
	return pair, ok
}

// Get returns the quote for from/to.
func (p ReversePairs) Get(from, to string) (ReversePair, bool) {
	pair, ok := p[from][to]
	return pair, ok
}

// Get returns the quote for from/to.
func (p ChainPairs) Get(from, to string) (ChainPair, bool) {
	pair, ok := p[from][to]
	return pair, ok
}
