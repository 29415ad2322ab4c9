package txflow

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"stakeportal/core/types"
	"stakeportal/core/units"
)

// Policy is the per-deployment amount policy.
type Policy struct {
	Decimals uint8
	// Symbol names the unit shown in validation messages.
	Symbol string
	// Minimums holds decimal strings per kind. A missing entry only requires
	// a positive amount.
	Minimums map[types.ActionKind]string
}

type limits struct {
	decimals uint8
	symbol   string
	minimums map[types.ActionKind]*big.Int
	labels   map[types.ActionKind]string
}

func (p Policy) compile() (limits, error) {
	out := limits{
		decimals: p.Decimals,
		symbol:   strings.TrimSpace(p.Symbol),
		minimums: make(map[types.ActionKind]*big.Int),
		labels:   make(map[types.ActionKind]string),
	}
	if out.symbol == "" {
		out.symbol = "BNB"
	}
	for kind, raw := range p.Minimums {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		base, err := units.ParseUnits(raw, p.Decimals)
		if err != nil {
			return limits{}, fmt.Errorf("minimum for %s: %w", kind, err)
		}
		out.minimums[kind] = base
		out.labels[kind] = strings.TrimSpace(raw)
	}
	return out, nil
}

// Inputs holds the amount fields of the UI, one per action kind.
type Inputs struct {
	mu     sync.Mutex
	values map[types.ActionKind]string
}

// NewInputs returns inputs with every field at zero.
func NewInputs() *Inputs {
	return &Inputs{values: make(map[types.ActionKind]string)}
}

// Set records the entered amount for kind.
func (i *Inputs) Set(kind types.ActionKind, amount string) {
	i.mu.Lock()
	i.values[kind] = strings.TrimSpace(amount)
	i.mu.Unlock()
}

// Get returns the entered amount for kind, "0" when untouched.
func (i *Inputs) Get(kind types.ActionKind) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if value, ok := i.values[kind]; ok && value != "" {
		return value
	}
	return "0"
}

// Reset puts the field for kind back to zero.
func (i *Inputs) Reset(kind types.ActionKind) {
	i.mu.Lock()
	i.values[kind] = "0"
	i.mu.Unlock()
}

// Snapshot copies all fields.
func (i *Inputs) Snapshot() map[types.ActionKind]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[types.ActionKind]string, len(i.values))
	for kind, value := range i.values {
		out[kind] = value
	}
	return out
}
