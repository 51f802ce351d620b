package chain

func init() {
	// Liquid is registered so pairs and statuses resolve, but its
	// confidential transactions cannot be assembled with btcd.
	Register(&Params{
		Symbol:          "L-BTC",
		Name:            "Liquid Bitcoin",
		Network:         Mainnet,
		ProviderSymbol:  "L-BTC",
		Bech32HRP:       "ex",
		SupportsTaproot: true,
		Confidential:    true,
	})

	Register(&Params{
		Symbol:          "L-BTC",
		Name:            "Liquid Testnet",
		Network:         Testnet,
		ProviderSymbol:  "L-BTC",
		Bech32HRP:       "tex",
		SupportsTaproot: true,
		Confidential:    true,
	})

	Register(&Params{
		Symbol:          "L-BTC",
		Name:            "Liquid Regtest",
		Network:         Regtest,
		ProviderSymbol:  "L-BTC",
		Bech32HRP:       "ert",
		SupportsTaproot: true,
		Confidential:    true,
	})
}
