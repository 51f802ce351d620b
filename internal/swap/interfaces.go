package swap

import (
	"context"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/storage"
)

// Provider is the swap provider's REST API.
type Provider interface {
	CreateSubmarineSwap(ctx context.Context, req *boltz.SubmarineRequest) (*boltz.SubmarineResponse, error)
	CreateReverseSwap(ctx context.Context, req *boltz.ReverseRequest) (*boltz.ReverseResponse, error)
	CreateChainSwap(ctx context.Context, req *boltz.ChainRequest) (*boltz.ChainResponse, error)

	GetSubmarineClaim(ctx context.Context, id string) (*boltz.SubmarineClaimDetails, error)
	PostSubmarineClaim(ctx context.Context, id string, sig *boltz.PartialSignature) error
	PostReverseClaim(ctx context.Context, id string, req *boltz.ReverseClaimRequest) (*boltz.PartialSignature, error)
	GetChainClaim(ctx context.Context, id string) (*boltz.ChainClaimDetails, error)
	PostChainClaim(ctx context.Context, id string, req *boltz.ChainClaimRequest) (*boltz.PartialSignature, error)

	BroadcastTransaction(ctx context.Context, symbol, txHex string) (string, error)
	SwapStatus(ctx context.Context, id string) (*boltz.SwapStatus, error)

	SubmarinePairs(ctx context.Context) (boltz.SubmarinePairs, error)
	ReversePairs(ctx context.Context) (boltz.ReversePairs, error)
	ChainPairs(ctx context.Context) (boltz.ChainPairs, error)
}

// FeedDialer opens the live update subscription of one swap.
type FeedDialer interface {
	Subscribe(ctx context.Context, swapID string) (boltz.Subscription, error)
}

// Wallet is the user's lightning wallet. It is never implemented here.
type Wallet interface {
	// MakeInvoice returns a payment request for sats.
	MakeInvoice(ctx context.Context, sats int64) (string, error)
	// PayInvoice pays invoice and returns the preimage it settled with.
	PayInvoice(ctx context.Context, invoice string) (lntypes.Preimage, error)
}

// FeeEstimator suggests a claim fee rate in sat/vB.
type FeeEstimator interface {
	EstimateFeeRate(ctx context.Context) (float64, error)
}

// TipSource reports the current block height.
type TipSource interface {
	GetBlockHeight(ctx context.Context) (int64, error)
}

// Broadcaster is a second broadcast path next to the provider.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
}

// TxSource fetches raw transactions by id.
type TxSource interface {
	GetTransactionHex(ctx context.Context, txID string) (string, error)
}

// Journal records swap outcomes. It never sees key material.
type Journal interface {
	SaveSwap(rec *storage.SwapRecord) error
	AppendEvent(ev *storage.EventRecord) error
}

var (
	_ Provider     = (*boltz.Client)(nil)
	_ FeedDialer   = (*boltz.FeedDialer)(nil)
	_ FeeEstimator = (backend.Backend)(nil)
	_ TipSource    = (backend.Backend)(nil)
	_ Broadcaster  = (backend.Backend)(nil)
	_ TxSource     = (backend.Backend)(nil)
	_ Journal      = (*storage.Storage)(nil)
)
