// Package chain defines the chains a swap can settle on.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents the bitcoin network a swap runs against.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrUnknownChain   = errors.New("unknown chain")
	ErrNoScriptParams = errors.New("chain has no script parameters")
	ErrWrongNetwork   = errors.New("address is for a different network")
)

// ParseNetwork converts a config string into a Network.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// Params contains the parameters for one chain on one network.
type Params struct {
	// Identity
	Symbol  string // BTC, L-BTC
	Name    string // Bitcoin, Liquid Bitcoin
	Network Network

	// ProviderSymbol is the asset ticker the swap provider uses in pair
	// tables and broadcast paths.
	ProviderSymbol string

	Bech32HRP string

	// Features
	SupportsTaproot bool
	Confidential    bool // Liquid blinds amounts and assets

	// ChainParams is nil for chains whose transactions btcd cannot build.
	ChainParams *chaincfg.Params
}

// CanBuildClaims reports whether claim transactions can be built locally.
func (p *Params) CanBuildClaims() bool {
	return p.ChainParams != nil && p.SupportsTaproot && !p.Confidential
}

// DecodeAddress parses addr and checks it belongs to this chain.
func (p *Params) DecodeAddress(addr string) (btcutil.Address, error) {
	if p.ChainParams == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoScriptParams, p.Symbol)
	}
	decoded, err := btcutil.DecodeAddress(addr, p.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if !decoded.IsForNet(p.ChainParams) {
		return nil, fmt.Errorf("%w: %s on %s", ErrWrongNetwork, addr, p.Network)
	}
	return decoded, nil
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(params *Params) {
	if registry[params.Symbol] == nil {
		registry[params.Symbol] = make(map[Network]*Params)
	}
	registry[params.Symbol][params.Network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// MustGet is Get for callers that already validated the symbol.
func MustGet(symbol string, network Network) *Params {
	params, ok := Get(symbol, network)
	if !ok {
		panic(fmt.Sprintf("chain: %s not registered on %s", symbol, network))
	}
	return params
}

// Lookup is Get with an error for unknown chains.
func Lookup(symbol string, network Network) (*Params, error) {
	params, ok := Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownChain, symbol, network)
	}
	return params, nil
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
