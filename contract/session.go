package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/wallet"
)

// Handle is a contract session as the transaction workflow consumes it.
type Handle interface {
	Account() common.Address
	Kind() Kind
	Balances(ctx context.Context) (types.DerivedBalances, error)
	TokenPrice(ctx context.Context) (*big.Int, error)
	Stake(ctx context.Context, value *big.Int) (Pending, error)
	Unstake(ctx context.Context, amount *big.Int) (Pending, error)
	Claim(ctx context.Context) (Pending, error)
	BuyTokens(ctx context.Context, amount, value *big.Int) (Pending, error)
}

// Session is a contract bound to one account, signer and backend.
type Session struct {
	account    common.Address
	address    common.Address
	iface      Interface
	decimals   uint8
	backend    wallet.Backend
	transactor *bind.TransactOpts
	bound      *bind.BoundContract
	waiter     waitConfig
}

var _ Handle = (*Session)(nil)

// Account returns the account the session signs for.
func (s *Session) Account() common.Address { return s.account }

// Address returns the bound contract address.
func (s *Session) Address() common.Address { return s.address }

// Kind returns the deployment kind.
func (s *Session) Kind() Kind { return s.iface.Kind }

func (s *Session) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: s.account}
	if err := s.bound.Call(opts, &out, method, args...); err != nil {
		if revert, ok := perrors.DecodeRevert(err); ok {
			return nil, fmt.Errorf("call %s: %w", method, revert)
		}
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("call %s: expected one result, got %d", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected result type %T", method, out[0])
	}
	return value, nil
}

// Balances reads the native balance together with the deployment's position
// figures: staked and pending rewards, or purchased and remaining tokens.
func (s *Session) Balances(ctx context.Context) (types.DerivedBalances, error) {
	native, err := s.backend.BalanceAt(ctx, s.account, nil)
	if err != nil {
		return types.DerivedBalances{}, fmt.Errorf("read native balance: %w", err)
	}
	balances := types.DerivedBalances{TokenBalance: native, Decimals: s.decimals}
	switch s.iface.Kind {
	case KindStaking:
		if balances.StakedOrPurchased, err = s.callUint(ctx, MethodGetStakedBalance, s.account); err != nil {
			return types.DerivedBalances{}, err
		}
		if balances.RewardsOrRemaining, err = s.callUint(ctx, MethodGetPendingRewards, s.account); err != nil {
			return types.DerivedBalances{}, err
		}
	case KindSale:
		if balances.StakedOrPurchased, err = s.callUint(ctx, MethodGetTokensPurchased); err != nil {
			return types.DerivedBalances{}, err
		}
		if balances.RewardsOrRemaining, err = s.callUint(ctx, MethodGetTokensLeft); err != nil {
			return types.DerivedBalances{}, err
		}
	}
	return balances, nil
}

// TokenPrice reads the sale price of one whole token in native base units.
func (s *Session) TokenPrice(ctx context.Context) (*big.Int, error) {
	if s.iface.Kind != KindSale {
		return nil, fmt.Errorf("token price is only available on sale deployments")
	}
	return s.callUint(ctx, s.iface.PriceMethod)
}

func (s *Session) transact(ctx context.Context, value *big.Int, method string, args ...any) (Pending, error) {
	opts := *s.transactor
	opts.Context = ctx
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	} else {
		opts.Value = nil
	}
	tx, err := s.bound.Transact(&opts, method, args...)
	if err != nil {
		if revert, ok := perrors.DecodeRevert(err); ok {
			return nil, fmt.Errorf("submit %s: %w", method, revert)
		}
		return nil, fmt.Errorf("submit %s: %w", method, err)
	}
	return &Tx{hash: tx.Hash(), backend: s.backend, cfg: s.waiter}, nil
}

// Stake deposits value native base units.
func (s *Session) Stake(ctx context.Context, value *big.Int) (Pending, error) {
	return s.transact(ctx, value, MethodStake)
}

// Unstake withdraws amount base units of stake.
func (s *Session) Unstake(ctx context.Context, amount *big.Int) (Pending, error) {
	return s.transact(ctx, nil, MethodUnstake, amount)
}

// Claim collects pending rewards.
func (s *Session) Claim(ctx context.Context) (Pending, error) {
	return s.transact(ctx, nil, MethodClaim)
}

// BuyTokens purchases amount token base units paying value native base units.
func (s *Session) BuyTokens(ctx context.Context, amount, value *big.Int) (Pending, error) {
	return s.transact(ctx, value, MethodBuyTokens, amount)
}
