package agentgate

// Chain registry for EVM networks the gateway commonly settles on. The USDC
// addresses were verified against Circle's published deployments on
// 2025-10-28; override TokenConfig directly for other tokens.

import "fmt"

// ChainConfig describes one EVM network and its canonical USDC deployment.
type ChainConfig struct {
	// ChainID is the EIP-155 chain identifier.
	ChainID uint64

	// Name is the human-readable network name used in discovery output.
	Name string

	// USDC is the canonical USDC token on this chain.
	USDC TokenConfig
}

// Known chain configurations.
var (
	// EthereumMainnet is the configuration for Ethereum mainnet.
	EthereumMainnet = ChainConfig{
		ChainID: 1,
		Name:    "ethereum",
		USDC: TokenConfig{
			Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Symbol:   "USDC",
			Decimals: 6,
		},
	}

	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		ChainID: 8453,
		Name:    "base",
		USDC: TokenConfig{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Symbol:   "USDC",
			Decimals: 6,
		},
	}

	// BaseSepolia is the configuration for the Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		ChainID: 84532,
		Name:    "base-sepolia",
		USDC: TokenConfig{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Symbol:   "USDC",
			Decimals: 6,
		},
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = ChainConfig{
		ChainID: 137,
		Name:    "polygon",
		USDC: TokenConfig{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Symbol:   "USDC",
			Decimals: 6,
		},
	}

	// ArbitrumMainnet is the configuration for Arbitrum One.
	ArbitrumMainnet = ChainConfig{
		ChainID: 42161,
		Name:    "arbitrum",
		USDC: TokenConfig{
			Address:  "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
			Symbol:   "USDC",
			Decimals: 6,
		},
	}
)

var knownChains = []ChainConfig{
	EthereumMainnet,
	BaseMainnet,
	BaseSepolia,
	PolygonMainnet,
	ArbitrumMainnet,
}

// ChainByID returns the configuration for a known chain id.
func ChainByID(chainID uint64) (ChainConfig, error) {
	for _, c := range knownChains {
		if c.ChainID == chainID {
			return c, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("unknown chain id %d", chainID)
}

// ChainByName returns the configuration for a known network name.
func ChainByName(name string) (ChainConfig, error) {
	for _, c := range knownChains {
		if c.Name == name {
			return c, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("unknown chain %q", name)
}
