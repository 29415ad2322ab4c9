package wallet

import (
	"context"
	"errors"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	perrors "stakeportal/core/errors"
	"stakeportal/network"
)

// Backend is the chain access a contract session needs: bound calls and
// transactions plus native balances and receipts.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Provider captures what the portal requires from an injected wallet. Errors
// carry EIP-1193 codes (see core/errors.ProviderError) so callers can tell a
// declined prompt from an unknown chain.
type Provider interface {
	ChainID(ctx context.Context) (string, error)
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	Accounts(ctx context.Context) ([]common.Address, error)
	SwitchChain(ctx context.Context, chainID string) error
	AddChain(ctx context.Context, desc network.Descriptor) error
	Backend(ctx context.Context) (Backend, error)
	Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
}

var _ network.Switcher = Provider(nil)

// Funcs adapts callback functions to the Provider interface. Unset callbacks
// report EIP-1193 "unsupported method".
type Funcs struct {
	ChainIDFunc         func(ctx context.Context) (string, error)
	RequestAccountsFunc func(ctx context.Context) ([]common.Address, error)
	AccountsFunc        func(ctx context.Context) ([]common.Address, error)
	SwitchChainFunc     func(ctx context.Context, chainID string) error
	AddChainFunc        func(ctx context.Context, desc network.Descriptor) error
	BackendFunc         func(ctx context.Context) (Backend, error)
	TransactorFunc      func(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
}

func unsupported(method string) error {
	return &perrors.ProviderError{Code: perrors.CodeUnsupported, Message: method + " not supported"}
}

// ChainID delegates to the configured callback.
func (f Funcs) ChainID(ctx context.Context) (string, error) {
	if f.ChainIDFunc == nil {
		return "", unsupported("eth_chainId")
	}
	return f.ChainIDFunc(ctx)
}

// RequestAccounts delegates to the configured callback.
func (f Funcs) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if f.RequestAccountsFunc == nil {
		return nil, unsupported("eth_requestAccounts")
	}
	return f.RequestAccountsFunc(ctx)
}

// Accounts delegates to the configured callback.
func (f Funcs) Accounts(ctx context.Context) ([]common.Address, error) {
	if f.AccountsFunc == nil {
		return nil, unsupported("eth_accounts")
	}
	return f.AccountsFunc(ctx)
}

// SwitchChain delegates to the configured callback.
func (f Funcs) SwitchChain(ctx context.Context, chainID string) error {
	if f.SwitchChainFunc == nil {
		return unsupported("wallet_switchEthereumChain")
	}
	return f.SwitchChainFunc(ctx, chainID)
}

// AddChain delegates to the configured callback.
func (f Funcs) AddChain(ctx context.Context, desc network.Descriptor) error {
	if f.AddChainFunc == nil {
		return unsupported("wallet_addEthereumChain")
	}
	return f.AddChainFunc(ctx, desc)
}

// Backend delegates to the configured callback.
func (f Funcs) Backend(ctx context.Context) (Backend, error) {
	if f.BackendFunc == nil {
		return nil, unsupported("backend")
	}
	return f.BackendFunc(ctx)
}

// Transactor delegates to the configured callback.
func (f Funcs) Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	if f.TransactorFunc == nil {
		return nil, unsupported("eth_signTransaction")
	}
	return f.TransactorFunc(ctx, account)
}

// IsNotFound reports whether err means a receipt is not yet available.
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
