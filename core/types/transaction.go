package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies a user action against the deployment contract.
type ActionKind string

const (
	ActionStake   ActionKind = "stake"
	ActionUnstake ActionKind = "unstake"
	ActionClaim   ActionKind = "claim"
	ActionBuy     ActionKind = "buy"
)

// ParseActionKind normalises and validates an action name.
func ParseActionKind(raw string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case ActionStake, ActionUnstake, ActionClaim, ActionBuy:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// TakesAmount reports whether the action carries a user-entered amount.
func (k ActionKind) TakesAmount() bool { return k != ActionClaim }

// ActionStatus is the lifecycle position of a PendingAction.
type ActionStatus string

const (
	StatusIdle       ActionStatus = "idle"
	StatusSubmitting ActionStatus = "submitting"
	StatusConfirming ActionStatus = "confirming"
	StatusDone       ActionStatus = "done"
	StatusFailed     ActionStatus = "failed"
)

// Settled reports whether the status is terminal.
func (s ActionStatus) Settled() bool { return s == StatusDone || s == StatusFailed }

// PendingAction tracks one submitted user action until it settles.
type PendingAction struct {
	ID        uuid.UUID    `json:"id"`
	Kind      ActionKind   `json:"kind"`
	Amount    string       `json:"amount,omitempty"`
	Base      *big.Int     `json:"base,omitempty"`
	Value     *big.Int     `json:"value,omitempty"`
	Status    ActionStatus `json:"status"`
	TxHash    string       `json:"txHash,omitempty"`
	ErrorKind string       `json:"errorKind,omitempty"`
	Error     string       `json:"error,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
	SettledAt time.Time    `json:"settledAt,omitempty"`
}

// NewPendingAction creates an action in the submitting state.
func NewPendingAction(kind ActionKind, amount string, now time.Time) PendingAction {
	return PendingAction{
		ID:        uuid.New(),
		Kind:      kind,
		Amount:    strings.TrimSpace(amount),
		Status:    StatusSubmitting,
		StartedAt: now,
	}
}
