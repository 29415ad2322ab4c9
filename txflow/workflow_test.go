package txflow

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"stakeportal/contract"
	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/core/units"
	"stakeportal/notify"
	"stakeportal/observability"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakePending struct {
	hash common.Hash
	gate chan struct{}
	err  error
	log  func(string)
}

func (p *fakePending) Hash() common.Hash { return p.hash }

func (p *fakePending) Wait(ctx context.Context) (*ethtypes.Receipt, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.log("wait")
	if p.err != nil {
		return nil, p.err
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
}

type fakeHandle struct {
	kind contract.Kind

	mu        sync.Mutex
	events    []string
	submitErr error
	waitErr   error
	gate      chan struct{}
	price     *big.Int
	buyAmount *big.Int
	buyValue  *big.Int
	stakeVal  *big.Int
	balances  types.DerivedBalances
}

func (h *fakeHandle) log(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHandle) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHandle) count(event string) int {
	n := 0
	for _, e := range h.history() {
		if e == event {
			n++
		}
	}
	return n
}

func (h *fakeHandle) pending(method string) (contract.Pending, error) {
	h.log(method)
	if h.submitErr != nil {
		return nil, h.submitErr
	}
	return &fakePending{hash: common.HexToHash("0xfeed"), gate: h.gate, err: h.waitErr, log: h.log}, nil
}

func (h *fakeHandle) Account() common.Address { return account }
func (h *fakeHandle) Kind() contract.Kind     { return h.kind }

func (h *fakeHandle) Balances(context.Context) (types.DerivedBalances, error) {
	h.log("balances")
	return h.balances, nil
}

func (h *fakeHandle) TokenPrice(context.Context) (*big.Int, error) {
	h.log("price")
	return h.price, nil
}

func (h *fakeHandle) Stake(_ context.Context, value *big.Int) (contract.Pending, error) {
	h.mu.Lock()
	h.stakeVal = value
	h.mu.Unlock()
	return h.pending("stake")
}

func (h *fakeHandle) Unstake(context.Context, *big.Int) (contract.Pending, error) {
	return h.pending("unstake")
}

func (h *fakeHandle) Claim(context.Context) (contract.Pending, error) {
	return h.pending("claim")
}

func (h *fakeHandle) BuyTokens(_ context.Context, amount, value *big.Int) (contract.Pending, error) {
	h.mu.Lock()
	h.buyAmount, h.buyValue = amount, value
	h.mu.Unlock()
	return h.pending("buy")
}

type staticSessions struct {
	handle contract.Handle
	err    error
}

func (s staticSessions) Current() (contract.Handle, error) { return s.handle, s.err }

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.got...)
}

type recordingHistory struct {
	mu      sync.Mutex
	actions []types.PendingAction
}

func (r *recordingHistory) Record(_ context.Context, action types.PendingAction, _ common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

type harness struct {
	workflow *Workflow
	handle   *fakeHandle
	notes    *recordingNotifier
	history  *recordingHistory
	events   *notify.Broadcaster
	metrics  *observability.PortalMetrics
	registry *prometheus.Registry
}

func newHarness(t *testing.T, kind contract.Kind) *harness {
	t.Helper()
	handle := &fakeHandle{kind: kind, balances: types.DerivedBalances{
		TokenBalance:       big.NewInt(1),
		StakedOrPurchased:  big.NewInt(2),
		RewardsOrRemaining: big.NewInt(3),
		Decimals:           18,
	}}
	h := &harness{
		handle:   handle,
		notes:    &recordingNotifier{},
		history:  &recordingHistory{},
		events:   notify.NewBroadcaster(),
		registry: prometheus.NewRegistry(),
	}
	h.metrics = observability.NewPortalMetrics(h.registry)
	policy := Policy{Decimals: 18, Symbol: "BNB", Minimums: map[types.ActionKind]string{
		types.ActionStake:   "0.1",
		types.ActionUnstake: "0.1",
	}}
	workflow, err := New(staticSessions{handle: handle}, policy,
		WithNotifier(h.notes),
		WithRecorder(h.history),
		WithPublisher(h.events),
		WithMetrics(h.metrics))
	require.NoError(t, err)
	h.workflow = workflow
	return h
}

func TestBelowMinimumNeverSubmits(t *testing.T) {
	h := newHarness(t, contract.KindStaking)
	before := h.workflow.Balances()

	action, err := h.workflow.Submit(context.Background(), types.ActionStake, "0.05")
	require.ErrorIs(t, err, perrors.ErrValidation)
	require.Equal(t, perrors.KindValidation, perrors.Classify(err))
	require.Equal(t, types.StatusFailed, action.Status)
	require.Empty(t, h.handle.history())
	require.Equal(t, before, h.workflow.Balances())

	notes := h.notes.all()
	require.Len(t, notes, 1)
	require.Equal(t, "stake-error", notes[0].Key)
	require.Equal(t, "Minimum stake amount is 0.1 BNB", notes[0].Message)
}

func TestInvalidAmountsRejectedLocally(t *testing.T) {
	h := newHarness(t, contract.KindSale)
	for _, amount := range []string{"", "0", "-1", "abc", "1.2.3"} {
		_, err := h.workflow.Submit(context.Background(), types.ActionBuy, amount)
		require.ErrorIs(t, err, perrors.ErrValidation, amount)
	}
	require.Empty(t, h.handle.history())
}

func TestSuccessfulStakeRefreshesOnceAfterConfirmation(t *testing.T) {
	h := newHarness(t, contract.KindStaking)
	h.workflow.Inputs().Set(types.ActionStake, "0.5")

	action, err := h.workflow.Submit(context.Background(), types.ActionStake, "0.5")
	require.NoError(t, err)
	require.Equal(t, types.StatusDone, action.Status)
	require.Equal(t, common.HexToHash("0xfeed").Hex(), action.TxHash)
	require.Zero(t, action.Value.Cmp(units.MustParseUnits("0.5", 18)))
	require.Zero(t, h.handle.stakeVal.Cmp(units.MustParseUnits("0.5", 18)))

	require.Equal(t, []string{"stake", "wait", "balances"}, h.handle.history())
	require.Equal(t, "0", h.workflow.Inputs().Get(types.ActionStake))
	require.Zero(t, h.workflow.Balances().StakedOrPurchased.Cmp(big.NewInt(2)))
	require.Empty(t, h.workflow.Pending())

	notes := h.notes.all()
	require.Len(t, notes, 1)
	require.Equal(t, "stake-success", notes[0].Key)
	require.Equal(t, notify.SeveritySuccess, notes[0].Severity)

	require.Len(t, h.history.actions, 1)
	require.Equal(t, types.StatusDone, h.history.actions[0].Status)
	series, err := testutil.GatherAndCount(h.registry, "portal_actions_total")
	require.NoError(t, err)
	require.Equal(t, 1, series)
}

func TestSecondSubmitWhileInFlightIsRejected(t *testing.T) {
	h := newHarness(t, contract.KindStaking)
	h.handle.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.workflow.Submit(context.Background(), types.ActionStake, "1")
		done <- err
	}()
	require.Eventually(t, func() bool {
		pending := h.workflow.Pending()
		return len(pending) == 1 && pending[0].Status == types.StatusConfirming
	}, time.Second, time.Millisecond)

	_, err := h.workflow.Submit(context.Background(), types.ActionStake, "2")
	require.ErrorIs(t, err, perrors.ErrActionInFlight)
	require.Equal(t, 1, h.handle.count("stake"))

	close(h.handle.gate)
	require.NoError(t, <-done)
	require.Empty(t, h.workflow.Pending())

	_, err = h.workflow.Submit(context.Background(), types.ActionStake, "2")
	require.NoError(t, err)
	require.Equal(t, 2, h.handle.count("stake"))
}

func TestBuyComputesPaymentWithIntegers(t *testing.T) {
	h := newHarness(t, contract.KindSale)
	h.handle.price = units.MustParseUnits("0.00005", 18)

	action, err := h.workflow.Submit(context.Background(), types.ActionBuy, "100")
	require.NoError(t, err)
	require.Zero(t, h.handle.buyAmount.Cmp(units.MustParseUnits("100", 18)))
	require.Zero(t, h.handle.buyValue.Cmp(units.MustParseUnits("0.005", 18)))
	require.Equal(t, "0.005", units.FormatUnits(action.Value, 18))
	require.Equal(t, []string{"price", "buy", "wait", "balances"}, h.handle.history())
	require.Equal(t, "buy-success", h.notes.all()[0].Key)
}

func TestUserRejectionSettlesWithoutRefresh(t *testing.T) {
	h := newHarness(t, contract.KindStaking)
	h.handle.submitErr = &perrors.ProviderError{Code: perrors.CodeUserRejected, Message: "User denied transaction signature."}

	action, err := h.workflow.Submit(context.Background(), types.ActionStake, "1")
	require.Error(t, err)
	require.Equal(t, perrors.KindUserRejected, perrors.Classify(err))
	require.Equal(t, types.StatusFailed, action.Status)
	require.Equal(t, string(perrors.KindUserRejected), action.ErrorKind)
	require.Zero(t, h.handle.count("balances"))
	require.Empty(t, h.workflow.Pending())

	notes := h.notes.all()
	require.Len(t, notes, 1)
	require.Equal(t, "stake-failure", notes[0].Key)
	require.Equal(t, "Staking failed: transaction rejected in wallet", notes[0].Message)
	require.Equal(t, types.StatusFailed, h.history.actions[0].Status)
}

func TestRevertDuringConfirmationCarriesReason(t *testing.T) {
	h := newHarness(t, contract.KindStaking)
	h.handle.waitErr = &perrors.RevertError{Reason: "Nothing to claim"}

	action, err := h.workflow.Submit(context.Background(), types.ActionClaim, "ignored")
	require.ErrorIs(t, err, perrors.ErrTransactionReverted)
	require.Empty(t, action.Amount)
	require.Equal(t, []string{"claim", "wait"}, h.handle.history())
	notes := h.notes.all()
	require.Len(t, notes, 1)
	require.Equal(t, "claim-failure", notes[0].Key)
	require.Equal(t, "Claiming failed: Nothing to claim", notes[0].Message)
}

func TestNoSessionAndWrongDeployment(t *testing.T) {
	notes := &recordingNotifier{}
	workflow, err := New(staticSessions{err: perrors.ErrNoSession}, Policy{Decimals: 18},
		WithNotifier(notes), WithMetrics(observability.NewPortalMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	_, err = workflow.Submit(context.Background(), types.ActionStake, "1")
	require.ErrorIs(t, err, perrors.ErrNoSession)
	require.Len(t, notes.all(), 1)

	h := newHarness(t, contract.KindStaking)
	_, err = h.workflow.Submit(context.Background(), types.ActionBuy, "1")
	require.ErrorIs(t, err, perrors.ErrValidation)
	require.Empty(t, h.handle.history())

	_, err = h.workflow.Submit(context.Background(), types.ActionKind("withdraw"), "1")
	require.ErrorIs(t, err, perrors.ErrValidation)
}

func TestWorkflowPublishesLifecycle(t *testing.T) {
	h := newHarness(t, contract.KindStaking)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop, _ := h.events.Subscribe(ctx, "")
	defer stop()

	_, err := h.workflow.Submit(context.Background(), types.ActionUnstake, "0.2")
	require.NoError(t, err)

	var seen []string
	for len(updates) > 0 {
		env := <-updates
		switch payload := env.Payload.(type) {
		case types.PendingAction:
			seen = append(seen, string(payload.Status))
		case types.DerivedBalances:
			seen = append(seen, "balances")
		}
	}
	require.Equal(t, []string{"submitting", "confirming", "balances", "idle"}, seen)
}

func TestPolicyRejectsBadMinimum(t *testing.T) {
	_, err := New(staticSessions{}, Policy{Decimals: 18, Minimums: map[types.ActionKind]string{types.ActionStake: "zero"}})
	require.Error(t, err)
}

func TestContractInitFailureAsksToReconnect(t *testing.T) {
	notes := &recordingNotifier{}
	workflow, err := New(staticSessions{err: perrors.ErrContractInit}, Policy{Decimals: 18},
		WithNotifier(notes), WithMetrics(observability.NewPortalMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)

	action, err := workflow.Submit(context.Background(), types.ActionClaim, "")
	require.ErrorIs(t, err, perrors.ErrContractInit)
	require.NotErrorIs(t, err, perrors.ErrNoSession)
	require.Equal(t, perrors.KindContractInit, perrors.Classify(err))
	require.Equal(t, types.StatusFailed, action.Status)

	got := notes.all()
	require.Len(t, got, 1)
	require.Equal(t, "claim-error", got[0].Key)
	require.Equal(t, "Failed to initialize contract. Please reconnect your wallet.", got[0].Message)
}

func TestBuyPaymentOverflowIsUnknownFailure(t *testing.T) {
	h := newHarness(t, contract.KindSale)
	h.handle.price = new(big.Int).Lsh(big.NewInt(1), 300)

	action, err := h.workflow.Submit(context.Background(), types.ActionBuy, "1")
	require.ErrorIs(t, err, units.ErrOverflow)
	require.NotErrorIs(t, err, perrors.ErrValidation)
	require.Equal(t, perrors.KindUnknown, perrors.Classify(err))
	require.Equal(t, string(perrors.KindUnknown), action.ErrorKind)
	require.Equal(t, []string{"price"}, h.handle.history())
	require.Empty(t, h.workflow.Pending())

	notes := h.notes.all()
	require.Len(t, notes, 1)
	require.Equal(t, "buy-failure", notes[0].Key)
}
