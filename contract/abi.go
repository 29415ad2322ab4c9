package contract

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	perrors "stakeportal/core/errors"
)

// Kind selects the flow a deployment supports.
type Kind string

const (
	KindStaking Kind = "staking"
	KindSale    Kind = "sale"
)

// ParseKind validates a deployment kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindStaking:
		return KindStaking, nil
	case KindSale:
		return KindSale, nil
	default:
		return "", fmt.Errorf("unknown deployment kind %q", raw)
	}
}

// Method names of the staking and sale contracts.
const (
	MethodStake             = "stake"
	MethodUnstake           = "unstake"
	MethodClaim             = "claim"
	MethodGetStakedBalance  = "getStakedBalance"
	MethodGetPendingRewards = "getPendingRewards"

	MethodBuyTokens          = "buyTokens"
	MethodGetTokensLeft      = "getTokensLeft"
	MethodGetTokensPurchased = "getTokensPurchased"
	MethodPriceInBnb         = "getTokenPriceInBnb"
	MethodPriceInEth         = "getTokenPriceInEth"
)

const stakingABI = `[
 {"type":"function","name":"stake","stateMutability":"payable","inputs":[],"outputs":[]},
 {"type":"function","name":"unstake","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"getStakedBalance","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getPendingRewards","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const saleABITemplate = `[
 {"type":"function","name":"buyTokens","stateMutability":"payable","inputs":[{"name":"tokenAmount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getTokensLeft","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getTokensPurchased","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"%s","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// Interface is the contract descriptor a deployment binds to.
type Interface struct {
	Name        string
	Kind        Kind
	PriceMethod string
	ABI         abi.ABI
}

// LoadInterface resolves ref to a descriptor. ref is one of the built-in
// names "staking", "sale-bnb", "sale-eth" or a path to an ABI JSON file.
func LoadInterface(ref string, kind Kind, priceMethod string) (Interface, error) {
	ref = strings.TrimSpace(ref)
	priceMethod = strings.TrimSpace(priceMethod)
	var raw string
	switch strings.ToLower(ref) {
	case "staking":
		raw = stakingABI
	case "sale-bnb":
		if priceMethod == "" {
			priceMethod = MethodPriceInBnb
		}
		raw = fmt.Sprintf(saleABITemplate, MethodPriceInBnb)
	case "sale-eth":
		if priceMethod == "" {
			priceMethod = MethodPriceInEth
		}
		raw = fmt.Sprintf(saleABITemplate, MethodPriceInEth)
	case "":
		return Interface{}, fmt.Errorf("contract interface required")
	default:
		data, err := os.ReadFile(ref)
		if err != nil {
			return Interface{}, fmt.Errorf("read contract interface: %w", err)
		}
		raw = string(data)
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return Interface{}, fmt.Errorf("parse contract interface %s: %w", ref, err)
	}
	if kind == KindSale && priceMethod == "" {
		priceMethod = MethodPriceInBnb
	}
	return Interface{Name: ref, Kind: kind, PriceMethod: priceMethod, ABI: parsed}, nil
}

type requirement struct {
	method  string
	payable bool
	view    bool
}

func (i Interface) requirements() []requirement {
	switch i.Kind {
	case KindStaking:
		return []requirement{
			{method: MethodStake, payable: true},
			{method: MethodUnstake},
			{method: MethodClaim},
			{method: MethodGetStakedBalance, view: true},
			{method: MethodGetPendingRewards, view: true},
		}
	case KindSale:
		return []requirement{
			{method: MethodBuyTokens, payable: true},
			{method: MethodGetTokensLeft, view: true},
			{method: MethodGetTokensPurchased, view: true},
			{method: i.PriceMethod, view: true},
		}
	default:
		return nil
	}
}

// Validate checks that every method the deployment kind calls exists with the
// expected mutability.
func (i Interface) Validate() error {
	reqs := i.requirements()
	if len(reqs) == 0 {
		return fmt.Errorf("%w: unknown deployment kind %q", perrors.ErrContractInit, i.Kind)
	}
	for _, req := range reqs {
		method, ok := i.ABI.Methods[req.method]
		if !ok {
			return fmt.Errorf("%w: contract does not have the required %q function", perrors.ErrContractInit, req.method)
		}
		if req.payable && !method.IsPayable() {
			return fmt.Errorf("%w: %q must be payable", perrors.ErrContractInit, req.method)
		}
		if req.view && !method.IsConstant() {
			return fmt.Errorf("%w: %q must be a view function", perrors.ErrContractInit, req.method)
		}
		if req.view && len(method.Outputs) != 1 {
			return fmt.Errorf("%w: %q must return a single value", perrors.ErrContractInit, req.method)
		}
	}
	return nil
}
