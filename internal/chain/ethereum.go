package chain

func init() {
	// Ethereum Mainnet
	Register("ETH", Mainnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 1,
	})

	// Ethereum Sepolia
	Register("ETH", Testnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum Sepolia",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 11155111,
	})
}
