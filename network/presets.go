package network

// Chain ids of the networks the portal ships descriptors for.
const (
	BSCMainnetChainID  = "0x38"
	BSCTestnetChainID  = "0x61"
	BaseSepoliaChainID = "0x14a34"
)

// BSCMainnet is BNB Smart Chain.
var BSCMainnet = Descriptor{
	ChainID:   BSCMainnetChainID,
	ChainName: "BNB Smart Chain",
	NativeCurrency: NativeCurrency{
		Name:     "BNB",
		Symbol:   "BNB",
		Decimals: 18,
	},
	RPCURLs:           []string{"https://bsc-dataseed.binance.org/"},
	BlockExplorerURLs: []string{"https://bscscan.com"},
}

// BSCTestnet is BNB Smart Chain Testnet.
var BSCTestnet = Descriptor{
	ChainID:   BSCTestnetChainID,
	ChainName: "BNB Smart Chain Testnet",
	NativeCurrency: NativeCurrency{
		Name:     "BNB",
		Symbol:   "tBNB",
		Decimals: 18,
	},
	RPCURLs:           []string{"https://data-seed-prebsc-1-s1.binance.org:8545/"},
	BlockExplorerURLs: []string{"https://testnet.bscscan.com"},
}

// BaseSepolia is the Base Sepolia testnet.
var BaseSepolia = Descriptor{
	ChainID:   BaseSepoliaChainID,
	ChainName: "Base Sepolia",
	NativeCurrency: NativeCurrency{
		Name:     "Sepolia ETH",
		Symbol:   "ETH",
		Decimals: 18,
	},
	RPCURLs:           []string{"https://sepolia.base.org"},
	BlockExplorerURLs: []string{"https://sepolia.basescan.org"},
}

// Presets returns the built-in descriptors.
func Presets() []Descriptor {
	return []Descriptor{BSCMainnet, BSCTestnet, BaseSepolia}
}
