package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stakeportal/contract"
	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/core/units"
	"stakeportal/notify"
	"stakeportal/observability"
)

// Sessions hands out the live contract session.
type Sessions interface {
	Current() (contract.Handle, error)
}

// Recorder stores settled actions.
type Recorder interface {
	Record(ctx context.Context, action types.PendingAction, account common.Address) error
}

// Publisher streams workflow events to UI subscribers.
type Publisher interface {
	Publish(event types.Event) notify.Envelope
}

var messages = map[types.ActionKind]struct {
	success string
	failure string
}{
	types.ActionStake:   {success: "Token staked successfully", failure: "Staking failed"},
	types.ActionUnstake: {success: "Token unstaked successfully", failure: "Unstaking failed"},
	types.ActionClaim:   {success: "Rewards claimed successfully", failure: "Claiming failed"},
	types.ActionBuy:     {success: "Tokens purchased successfully", failure: "Purchase failed"},
}

// Workflow drives stake, unstake, claim and buy actions through
// submitting, confirming and settlement. At most one action per kind is in
// flight; balances are refreshed only after a confirmed transaction.
type Workflow struct {
	sessions  Sessions
	limits    limits
	notifier  notify.Notifier
	recorder  Recorder
	publisher Publisher
	inputs    *Inputs
	logger    *slog.Logger
	metrics   *observability.PortalMetrics
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	inflight map[types.ActionKind]types.PendingAction
	balances types.DerivedBalances
}

// Option customises a Workflow.
type Option func(*Workflow)

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// WithRecorder stores each settled action.
func WithRecorder(r Recorder) Option {
	return func(w *Workflow) { w.recorder = r }
}

// WithPublisher streams action and balance events.
func WithPublisher(p Publisher) Option {
	return func(w *Workflow) { w.publisher = p }
}

// WithInputs shares the UI amount fields.
func WithInputs(inputs *Inputs) Option {
	return func(w *Workflow) {
		if inputs != nil {
			w.inputs = inputs
		}
	}
}

// WithLogger overrides the workflow logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.PortalMetrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// New builds a workflow over sessions with the supplied amount policy.
func New(sessions Sessions, policy Policy, opts ...Option) (*Workflow, error) {
	if sessions == nil {
		return nil, errors.New("contract sessions required")
	}
	compiled, err := policy.compile()
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		sessions: sessions,
		limits:   compiled,
		inputs:   NewInputs(),
		tracer:   otel.Tracer("stakeportal/txflow"),
		now:      time.Now,
		inflight: make(map[types.ActionKind]types.PendingAction),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = observability.Portal()
	}
	if w.notifier == nil {
		w.notifier = notify.Log{Logger: w.logger}
	}
	return w, nil
}

// Inputs returns the UI amount fields.
func (w *Workflow) Inputs() *Inputs { return w.inputs }

// Balances returns the last refreshed balances.
func (w *Workflow) Balances() types.DerivedBalances {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances.Clone()
}

// Pending lists the actions currently in flight ordered by kind.
func (w *Workflow) Pending() []types.PendingAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.PendingAction, 0, len(w.inflight))
	for _, action := range w.inflight {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Refresh re-reads balances from the contract and publishes them. trigger
// labels the refresh in metrics, e.g. "connect" or "poll".
func (w *Workflow) Refresh(ctx context.Context, trigger string) (types.DerivedBalances, error) {
	handle, err := w.sessions.Current()
	if err != nil {
		return types.DerivedBalances{}, err
	}
	return w.refresh(ctx, handle, trigger)
}

func (w *Workflow) refresh(ctx context.Context, handle contract.Handle, trigger string) (types.DerivedBalances, error) {
	ctx, span := w.tracer.Start(ctx, "txflow.refresh", trace.WithAttributes(attribute.String("trigger", trigger)))
	defer span.End()

	balances, err := handle.Balances(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.DerivedBalances{}, err
	}
	w.metrics.RecordRefresh(trigger)
	w.mu.Lock()
	w.balances = balances.Clone()
	w.mu.Unlock()
	w.publish(types.EventBalances, balances.Clone())
	return balances, nil
}

// Submit runs one action to settlement. amount is the human-entered decimal
// amount and is ignored for claims. The returned action is settled; the error
// is nil only when the transaction confirmed.
func (w *Workflow) Submit(ctx context.Context, kind types.ActionKind, amount string) (types.PendingAction, error) {
	if _, ok := messages[kind]; !ok {
		return types.PendingAction{}, fmt.Errorf("%w: unknown action %q", perrors.ErrValidation, kind)
	}
	if !kind.TakesAmount() {
		amount = ""
	}
	action := types.NewPendingAction(kind, amount, w.now())

	base, err := w.validate(kind, amount)
	if err != nil {
		w.metrics.RecordError(string(kind), string(perrors.KindValidation))
		w.notifier.Notify(ctx, notify.Notification{Key: string(kind) + "-error", Message: validationMessage(err), Severity: notify.SeverityError})
		return w.reject(action, err), err
	}
	action.Base = base

	handle, err := w.sessions.Current()
	if err != nil {
		message := "Please connect your wallet first"
		if errors.Is(err, perrors.ErrContractInit) {
			message = "Failed to initialize contract. Please reconnect your wallet."
		} else {
			err = fmt.Errorf("%w: %w", perrors.ErrNoSession, err)
		}
		w.metrics.RecordError(string(kind), string(perrors.Classify(err)))
		w.notifier.Notify(ctx, notify.Notification{Key: string(kind) + "-error", Message: message, Severity: notify.SeverityError})
		return w.reject(action, err), err
	}
	if kind == types.ActionBuy && handle.Kind() != contract.KindSale ||
		kind != types.ActionBuy && handle.Kind() != contract.KindStaking {
		err := fmt.Errorf("%w: %s is not offered by this deployment", perrors.ErrValidation, kind)
		w.notifier.Notify(ctx, notify.Notification{Key: string(kind) + "-error", Message: validationMessage(err), Severity: notify.SeverityError})
		return w.reject(action, err), err
	}

	if !w.reserve(action) {
		return w.reject(action, perrors.ErrActionInFlight), perrors.ErrActionInFlight
	}
	w.metrics.ActionStarted(string(kind))
	w.publish(types.EventAction, action)

	ctx, span := w.tracer.Start(ctx, "txflow.submit", trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("account", handle.Account().Hex()),
	))
	defer span.End()

	settled, err := w.run(ctx, handle, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(perrors.Classify(err)))
	}
	return settled, err
}

func (w *Workflow) validate(kind types.ActionKind, amount string) (*big.Int, error) {
	if !kind.TakesAmount() {
		return nil, nil
	}
	base, err := units.ParseUnits(amount, w.limits.decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", perrors.ErrValidation, err)
	}
	if base.Sign() <= 0 {
		return nil, &validationError{kind: kind, message: "Please enter a valid amount"}
	}
	if minimum, ok := w.limits.minimums[kind]; ok && !units.AtLeast(base, minimum) {
		return nil, &validationError{
			kind:    kind,
			message: fmt.Sprintf("Minimum %s amount is %s %s", kind, w.limits.labels[kind], w.limits.symbol),
		}
	}
	return base, nil
}

type validationError struct {
	kind    types.ActionKind
	message string
}

func (e *validationError) Error() string { return e.message }
func (e *validationError) Unwrap() error { return perrors.ErrValidation }

func validationMessage(err error) string {
	var vErr *validationError
	if errors.As(err, &vErr) {
		return vErr.message
	}
	return "Please enter a valid amount"
}

func (w *Workflow) reserve(action types.PendingAction) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[action.Kind]; busy {
		return false
	}
	w.inflight[action.Kind] = action
	return true
}

func (w *Workflow) advance(action types.PendingAction) {
	w.mu.Lock()
	w.inflight[action.Kind] = action
	w.mu.Unlock()
	w.publish(types.EventAction, action)
}

func (w *Workflow) release(action types.PendingAction) {
	w.mu.Lock()
	delete(w.inflight, action.Kind)
	w.mu.Unlock()
	idle := action
	idle.Status = types.StatusIdle
	w.publish(types.EventAction, idle)
}

func (w *Workflow) reject(action types.PendingAction, err error) types.PendingAction {
	action.Status = types.StatusFailed
	action.ErrorKind = string(perrors.Classify(err))
	action.Error = err.Error()
	action.SettledAt = w.now()
	return action
}

func (w *Workflow) run(ctx context.Context, handle contract.Handle, action types.PendingAction) (types.PendingAction, error) {
	defer w.release(action)

	pending, err := w.send(ctx, handle, &action)
	if err != nil {
		return w.fail(ctx, handle, action, err), err
	}
	action.TxHash = pending.Hash().Hex()
	action.Status = types.StatusConfirming
	w.advance(action)

	confirmCtx, span := w.tracer.Start(ctx, "txflow.confirm", trace.WithAttributes(attribute.String("tx", action.TxHash)))
	_, err = pending.Wait(confirmCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err != nil {
		return w.fail(ctx, handle, action, err), err
	}
	return w.succeed(ctx, handle, action), nil
}

func (w *Workflow) send(ctx context.Context, handle contract.Handle, action *types.PendingAction) (contract.Pending, error) {
	switch action.Kind {
	case types.ActionStake:
		action.Value = new(big.Int).Set(action.Base)
		return handle.Stake(ctx, action.Value)
	case types.ActionUnstake:
		return handle.Unstake(ctx, action.Base)
	case types.ActionClaim:
		return handle.Claim(ctx)
	case types.ActionBuy:
		price, err := handle.TokenPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("read token price: %w", err)
		}
		value, err := units.Payment(action.Base, price, w.limits.decimals)
		if err != nil {
			return nil, fmt.Errorf("%w: compute payment: %w", perrors.ErrUnknownFailure, err)
		}
		action.Value = value
		return handle.BuyTokens(ctx, action.Base, value)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", perrors.ErrValidation, action.Kind)
	}
}

func (w *Workflow) succeed(ctx context.Context, handle contract.Handle, action types.PendingAction) types.PendingAction {
	action.Status = types.StatusDone
	action.SettledAt = w.now()

	if _, err := w.refresh(ctx, handle, string(action.Kind)); err != nil {
		w.logger.Warn("balance refresh after confirmation failed",
			slog.String("kind", string(action.Kind)),
			slog.String("tx", action.TxHash),
			slog.Any("error", err))
	}
	w.inputs.Reset(action.Kind)
	w.notifier.Notify(ctx, notify.Notification{
		Key:      string(action.Kind) + "-success",
		Message:  messages[action.Kind].success,
		Severity: notify.SeveritySuccess,
	})
	w.metrics.ActionSettled(string(action.Kind), "success", action.SettledAt.Sub(action.StartedAt))
	w.metrics.RecordValue(string(action.Kind), action.Value)
	w.record(ctx, handle.Account(), action)
	w.logger.Info("action confirmed",
		slog.String("kind", string(action.Kind)),
		slog.String("id", action.ID.String()),
		slog.String("tx", action.TxHash))
	return action
}

func (w *Workflow) fail(ctx context.Context, handle contract.Handle, action types.PendingAction, err error) types.PendingAction {
	kind := perrors.Classify(err)
	action.Status = types.StatusFailed
	action.ErrorKind = string(kind)
	action.Error = err.Error()
	action.SettledAt = w.now()

	w.notifier.Notify(ctx, notify.Notification{
		Key:      string(action.Kind) + "-failure",
		Message:  failureMessage(action.Kind, kind, err),
		Severity: notify.SeverityError,
	})
	w.metrics.ActionSettled(string(action.Kind), "failure", action.SettledAt.Sub(action.StartedAt))
	w.metrics.RecordError(string(action.Kind), string(kind))
	w.record(ctx, handle.Account(), action)
	w.logger.Warn("action failed",
		slog.String("kind", string(action.Kind)),
		slog.String("id", action.ID.String()),
		slog.String("error_kind", string(kind)),
		slog.Any("error", err))
	return action
}

func failureMessage(action types.ActionKind, kind perrors.Kind, err error) string {
	prefix := messages[action].failure
	switch kind {
	case perrors.KindUserRejected:
		return prefix + ": transaction rejected in wallet"
	case perrors.KindTransactionReverted:
		if reason := perrors.Reason(err); reason != "" {
			return prefix + ": " + reason
		}
		return prefix + ": transaction reverted"
	default:
		return prefix + ": " + err.Error()
	}
}

func (w *Workflow) record(ctx context.Context, account common.Address, action types.PendingAction) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.Record(ctx, action, account); err != nil {
		w.logger.Warn("record action history failed", slog.String("id", action.ID.String()), slog.Any("error", err))
	}
}

func (w *Workflow) publish(eventType types.EventType, payload any) {
	if w.publisher == nil {
		return
	}
	w.publisher.Publish(types.Event{Type: eventType, Payload: payload})
}
