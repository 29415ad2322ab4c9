package network

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NativeCurrency describes a chain's gas token as wallets expect it.
type NativeCurrency struct {
	Name     string `json:"name" toml:"name"`
	Symbol   string `json:"symbol" toml:"symbol"`
	Decimals uint8  `json:"decimals" toml:"decimals"`
}

// Descriptor is the wallet_addEthereumChain parameter (EIP-3085) for a chain.
type Descriptor struct {
	ChainID           string         `json:"chainId" toml:"chain_id"`
	ChainName         string         `json:"chainName" toml:"name"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency" toml:"native_currency"`
	RPCURLs           []string       `json:"rpcUrls" toml:"rpc_urls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty" toml:"explorer_urls"`
}

// Validate checks the descriptor is complete enough to register with a wallet.
func (d Descriptor) Validate() error {
	if _, err := NormalizeChainID(d.ChainID); err != nil {
		return err
	}
	if strings.TrimSpace(d.ChainName) == "" {
		return fmt.Errorf("network %s: name required", d.ChainID)
	}
	if strings.TrimSpace(d.NativeCurrency.Symbol) == "" {
		return fmt.Errorf("network %s: native currency symbol required", d.ChainID)
	}
	if len(d.RPCURLs) == 0 {
		return fmt.Errorf("network %s: at least one rpc url required", d.ChainID)
	}
	for _, raw := range append(append([]string{}, d.RPCURLs...), d.BlockExplorerURLs...) {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("network %s: invalid url %q", d.ChainID, raw)
		}
	}
	return nil
}

// Normalized returns a copy with the chain id in canonical form.
func (d Descriptor) Normalized() (Descriptor, error) {
	id, err := NormalizeChainID(d.ChainID)
	if err != nil {
		return Descriptor{}, err
	}
	out := d
	out.ChainID = id
	out.RPCURLs = append([]string(nil), d.RPCURLs...)
	out.BlockExplorerURLs = append([]string(nil), d.BlockExplorerURLs...)
	return out, nil
}

// NormalizeChainID accepts a hex ("0x38") or decimal ("56") chain id and
// returns the lower-case, 0x-prefixed hex form wallets report.
func NormalizeChainID(raw string) (string, error) {
	id, err := ParseChainID(raw)
	if err != nil {
		return "", err
	}
	return hexutil.EncodeBig(id), nil
}

// ParseChainID converts a hex or decimal chain id into an integer.
func ParseChainID(raw string) (*big.Int, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("chain id required")
	}
	var (
		id  *big.Int
		err error
	)
	if strings.HasPrefix(trimmed, "0x") {
		id, err = hexutil.DecodeBig(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q: %w", raw, err)
		}
	} else {
		var ok bool
		id, ok = new(big.Int).SetString(trimmed, 10)
		if !ok {
			return nil, fmt.Errorf("invalid chain id %q", raw)
		}
	}
	if id.Sign() <= 0 {
		return nil, fmt.Errorf("chain id %q must be positive", raw)
	}
	return id, nil
}

// SameChain compares two chain ids regardless of notation.
func SameChain(a, b string) bool {
	left, err := NormalizeChainID(a)
	if err != nil {
		return false
	}
	right, err := NormalizeChainID(b)
	if err != nil {
		return false
	}
	return left == right
}
