package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Symbol:          "BTC",
		Name:            "Bitcoin",
		Network:         Mainnet,
		ProviderSymbol:  "BTC",
		Bech32HRP:       "bc",
		SupportsTaproot: true,
		ChainParams:     &chaincfg.MainNetParams,
	})

	Register(&Params{
		Symbol:          "BTC",
		Name:            "Bitcoin Testnet",
		Network:         Testnet,
		ProviderSymbol:  "BTC",
		Bech32HRP:       "tb",
		SupportsTaproot: true,
		ChainParams:     &chaincfg.TestNet3Params,
	})

	Register(&Params{
		Symbol:          "BTC",
		Name:            "Bitcoin Regtest",
		Network:         Regtest,
		ProviderSymbol:  "BTC",
		Bech32HRP:       "bcrt",
		SupportsTaproot: true,
		ChainParams:     &chaincfg.RegressionNetParams,
	})
}
