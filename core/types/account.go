package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"stakeportal/core/units"
)

// WalletSession is the connected account as seen by every component. The
// zero value is a disconnected session.
type WalletSession struct {
	Address   common.Address `json:"address"`
	Connected bool           `json:"connected"`
}

// Equal reports whether two sessions describe the same state.
func (s WalletSession) Equal(other WalletSession) bool {
	return s.Connected == other.Connected && s.Address == other.Address
}

// NetworkState compares the wallet's active chain with the chain the
// deployment requires. It is never persisted.
type NetworkState struct {
	CurrentChainID  string `json:"currentChainId"`
	RequiredChainID string `json:"requiredChainId"`
}

// Matches reports whether the wallet already sits on the required chain.
func (n NetworkState) Matches() bool {
	return n.CurrentChainID != "" && n.CurrentChainID == n.RequiredChainID
}

// DerivedBalances are the on-chain readouts shown next to the action forms.
// For staking deployments StakedOrPurchased is the staked balance and
// RewardsOrRemaining the pending rewards; for sale deployments they are the
// tokens purchased and the tokens left.
type DerivedBalances struct {
	TokenBalance       *big.Int `json:"tokenBalance"`
	StakedOrPurchased  *big.Int `json:"stakedOrPurchased"`
	RewardsOrRemaining *big.Int `json:"rewardsOrRemaining"`
	Decimals           uint8    `json:"decimals"`
}

// Clone returns a deep copy.
func (b DerivedBalances) Clone() DerivedBalances {
	return DerivedBalances{
		TokenBalance:       cloneBig(b.TokenBalance),
		StakedOrPurchased:  cloneBig(b.StakedOrPurchased),
		RewardsOrRemaining: cloneBig(b.RewardsOrRemaining),
		Decimals:           b.Decimals,
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// FormattedBalances holds DerivedBalances rendered as decimal strings.
type FormattedBalances struct {
	TokenBalance       string `json:"tokenBalance"`
	StakedOrPurchased  string `json:"stakedOrPurchased"`
	RewardsOrRemaining string `json:"rewardsOrRemaining"`
}

// Format renders the balances in whole-token units.
func (b DerivedBalances) Format() FormattedBalances {
	return FormattedBalances{
		TokenBalance:       units.FormatUnits(b.TokenBalance, b.Decimals),
		StakedOrPurchased:  units.FormatUnits(b.StakedOrPurchased, b.Decimals),
		RewardsOrRemaining: units.FormatUnits(b.RewardsOrRemaining, b.Decimals),
	}
}
