package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	perrors "stakeportal/core/errors"
	"stakeportal/wallet"
)

// Deployment is the contract a factory binds sessions to.
type Deployment struct {
	Address       common.Address
	Interface     Interface
	Decimals      uint8
	PollInterval  time.Duration
	Confirmations uint64
}

// Factory builds contract sessions for connected accounts.
type Factory struct {
	provider   wallet.Provider
	deployment Deployment
}

// NewFactory validates the deployment up front so a misconfigured interface
// fails at start-up rather than on first connect.
func NewFactory(provider wallet.Provider, deployment Deployment) (*Factory, error) {
	if deployment.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address required", perrors.ErrContractInit)
	}
	if err := deployment.Interface.Validate(); err != nil {
		return nil, err
	}
	return &Factory{provider: provider, deployment: deployment}, nil
}

// Deployment returns the factory's deployment.
func (f *Factory) Deployment() Deployment { return f.deployment }

// Build binds the contract for account using the wallet's backend and signer.
func (f *Factory) Build(ctx context.Context, account common.Address) (*Session, error) {
	if account == (common.Address{}) {
		return nil, fmt.Errorf("%w: account required", perrors.ErrContractInit)
	}
	if f.provider == nil {
		return nil, fmt.Errorf("%w: %w", perrors.ErrContractInit, perrors.ErrProviderMissing)
	}
	if err := f.deployment.Interface.Validate(); err != nil {
		return nil, err
	}
	backend, err := f.provider.Backend(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: backend: %w", perrors.ErrContractInit, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: wallet returned no backend", perrors.ErrContractInit)
	}
	transactor, err := f.provider.Transactor(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: signer: %w", perrors.ErrContractInit, err)
	}
	if transactor == nil || transactor.Signer == nil {
		return nil, fmt.Errorf("%w: %w", perrors.ErrContractInit, errors.New("wallet returned no signer"))
	}
	bound := bind.NewBoundContract(f.deployment.Address, f.deployment.Interface.ABI, backend, backend, backend)
	return &Session{
		account:    account,
		address:    f.deployment.Address,
		iface:      f.deployment.Interface,
		decimals:   f.deployment.Decimals,
		backend:    backend,
		transactor: transactor,
		bound:      bound,
		waiter: waitConfig{
			pollInterval:  f.deployment.PollInterval,
			confirmations: f.deployment.Confirmations,
		},
	}, nil
}
