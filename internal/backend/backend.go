// Package backend provides the block explorer used next to the swap provider:
// fee estimates, the chain tip and a second broadcast path.
// It never sees key material.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingswap/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrNotConfigured      = errors.New("backend not configured for network")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrNoFeeEstimate      = errors.New("no fee estimate available")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the explorer operations a swap session needs.
type Backend interface {
	// Type returns the backend type (mempool, esplora)
	Type() Type

	Connect(ctx context.Context) error
	IsConnected() bool

	GetTransactionHex(ctx context.Context, txID string) (string, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)

	// EstimateFeeRate picks the claim fee rate in sat/vB.
	EstimateFeeRate(ctx context.Context) (float64, error)
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`
	RegtestURL string `yaml:"regtest,omitempty"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultConfig returns the public mempool.space endpoints.
func DefaultConfig() Config {
	return Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "https://mempool.space/testnet/api",
	}
}

// URL returns the endpoint for a network, or "" when none is configured.
func (c Config) URL(network chain.Network) string {
	switch network {
	case chain.Testnet:
		return c.TestnetURL
	case chain.Regtest:
		return c.RegtestURL
	default:
		return c.MainnetURL
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// New builds the backend configured for network.
func New(cfg Config, network chain.Network) (Backend, error) {
	url := cfg.URL(network)
	if url == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, network)
	}

	switch cfg.Type {
	case TypeMempool, "":
		b := NewMempoolBackend(url)
		b.httpClient.Timeout = cfg.timeout()
		return b, nil
	case TypeEsplora:
		b := NewEsploraBackend(url)
		b.httpClient.Timeout = cfg.timeout()
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// pickFeeRate prefers the ~30 minute target and falls back to the next block.
func pickFeeRate(est *FeeEstimate) (float64, error) {
	switch {
	case est.HalfHourFee > 0:
		return float64(est.HalfHourFee), nil
	case est.FastestFee > 0:
		return float64(est.FastestFee), nil
	default:
		return 0, ErrNoFeeEstimate
	}
}
