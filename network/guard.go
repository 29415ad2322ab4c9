package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/observability"
)

// Switcher is the slice of the wallet provider the guard needs.
type Switcher interface {
	ChainID(ctx context.Context) (string, error)
	SwitchChain(ctx context.Context, chainID string) error
	AddChain(ctx context.Context, desc Descriptor) error
}

// Guard keeps the wallet on the deployment's chain.
type Guard struct {
	provider Switcher
	required Descriptor
	logger   *slog.Logger
	metrics  *observability.PortalMetrics
	tracer   trace.Tracer
}

// GuardOption customises a Guard.
type GuardOption func(*Guard)

// WithGuardLogger overrides the guard logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardMetrics overrides the metrics registry.
func WithGuardMetrics(m *observability.PortalMetrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard returns a guard that requires the chain described by required. A
// nil provider models a missing wallet extension.
func NewGuard(provider Switcher, required Descriptor, opts ...GuardOption) (*Guard, error) {
	normalized, err := required.Normalized()
	if err != nil {
		return nil, fmt.Errorf("required network: %w", err)
	}
	g := &Guard{
		provider: provider,
		required: normalized,
		tracer:   otel.Tracer("stakeportal/network"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = observability.Portal()
	}
	return g, nil
}

// Required returns the descriptor the guard enforces.
func (g *Guard) Required() Descriptor { return g.required }

// EnsureNetwork moves the wallet onto the required chain. When the wallet is
// already there it returns without any switch request. An unknown chain is
// registered with the fixed descriptor and the switch retried once. Every
// failure is returned to the caller.
func (g *Guard) EnsureNetwork(ctx context.Context) (types.NetworkState, error) {
	state := types.NetworkState{RequiredChainID: g.required.ChainID}
	ctx, span := g.tracer.Start(ctx, "network.ensure",
		trace.WithAttributes(attribute.String("chain_id", g.required.ChainID)))
	defer span.End()

	fail := func(result string, err error) (types.NetworkState, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.RecordNetworkSwitch(result)
		g.logger.Warn("network guard failed",
			slog.String("required", g.required.ChainID),
			slog.String("current", state.CurrentChainID),
			slog.String("reason", result),
			slog.Any("error", err))
		return state, err
	}

	if g.provider == nil {
		return fail("unavailable", fmt.Errorf("%w: %w", perrors.ErrNetworkUnavailable, perrors.ErrProviderMissing))
	}
	current, err := g.provider.ChainID(ctx)
	if err != nil {
		return fail("unavailable", fmt.Errorf("%w: read chain id: %w", perrors.ErrNetworkUnavailable, err))
	}
	if normalized, normErr := NormalizeChainID(current); normErr == nil {
		current = normalized
	}
	state.CurrentChainID = current
	if state.Matches() {
		return state, nil
	}

	g.logger.Info("switching wallet network",
		slog.String("from", current),
		slog.String("to", g.required.ChainID))
	err = g.provider.SwitchChain(ctx, g.required.ChainID)
	if err != nil {
		code, _ := perrors.Code(err)
		if code != perrors.CodeUnrecognizedChain {
			return fail(switchFailure(err), classifySwitch(err))
		}
		if addErr := g.provider.AddChain(ctx, g.required); addErr != nil {
			return fail("add_failed", fmt.Errorf("%w: %s: %w", perrors.ErrNetworkAddFailed, g.required.ChainName, addErr))
		}
		g.metrics.RecordNetworkSwitch("added")
		if err := g.provider.SwitchChain(ctx, g.required.ChainID); err != nil {
			return fail(switchFailure(err), classifySwitch(err))
		}
	}
	state.CurrentChainID = g.required.ChainID
	g.metrics.RecordNetworkSwitch("switched")
	return state, nil
}

func classifySwitch(err error) error {
	if errors.Is(err, perrors.ErrProviderMissing) {
		return fmt.Errorf("%w: %w", perrors.ErrNetworkUnavailable, err)
	}
	if code, ok := perrors.Code(err); ok && code == perrors.CodeDisconnected {
		return fmt.Errorf("%w: %w", perrors.ErrNetworkUnavailable, err)
	}
	return fmt.Errorf("%w: %w", perrors.ErrNetworkSwitchRejected, err)
}

func switchFailure(err error) string {
	if perrors.IsUserRejection(err) {
		return "rejected"
	}
	return "switch_failed"
}
