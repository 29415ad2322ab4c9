package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"stakeportal/connect"
	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/history"
	"stakeportal/notify"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeConnector struct {
	result connect.Result
	err    error
}

func (f fakeConnector) ConnectWallet(context.Context) (connect.Result, error) { return f.result, f.err }

type fakeSessions struct{ ws types.WalletSession }

func (f fakeSessions) Snapshot() types.WalletSession { return f.ws }

type fakeActions struct {
	mu        sync.Mutex
	submitted []string
	err       error
	balances  types.DerivedBalances
	ctxErr    error
}

func (f *fakeActions) Submit(ctx context.Context, kind types.ActionKind, amount string) (types.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, string(kind)+":"+amount)
	f.ctxErr = ctx.Err()
	action := types.NewPendingAction(kind, amount, time.Unix(1_700_000_000, 0))
	if f.err != nil {
		action.Status = types.StatusFailed
		return action, f.err
	}
	action.Status = types.StatusDone
	return action, nil
}

func (f *fakeActions) Refresh(context.Context, string) (types.DerivedBalances, error) {
	if f.err != nil {
		return types.DerivedBalances{}, f.err
	}
	return f.balances, nil
}

func (f *fakeActions) Pending() []types.PendingAction { return nil }

type fakeHistory struct {
	account common.Address
	limit   int
}

func (f *fakeHistory) Recent(_ context.Context, account common.Address, limit int) ([]history.Entry, error) {
	f.account = account
	f.limit = limit
	return []history.Entry{{Account: account, Kind: types.ActionStake, Status: types.StatusDone}}, nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Connector == nil {
		cfg.Connector = fakeConnector{result: connect.Result{Session: types.WalletSession{Address: testAccount, Connected: true}}}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = fakeSessions{ws: types.WalletSession{Address: testAccount, Connected: true}}
	}
	if cfg.Actions == nil {
		cfg.Actions = &fakeActions{}
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 100
		cfg.Burst = 100
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func TestHealthzAndSession(t *testing.T) {
	ts := newTestServer(t, Config{})

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/session")
	require.NoError(t, err)
	var body sessionResponse
	decode(t, res, &body)
	require.True(t, body.Session.Connected)
	require.Equal(t, testAccount, body.Session.Address)
}

func TestConnectMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   perrors.Kind
	}{
		{perrors.ErrProviderMissing, http.StatusPreconditionFailed, perrors.KindProviderMissing},
		{fmt.Errorf("connect: %w", perrors.ErrUserRejected), http.StatusForbidden, perrors.KindUserRejected},
		{perrors.ErrNetworkSwitchRejected, http.StatusBadGateway, perrors.KindNetworkSwitchRejected},
	}
	for _, tc := range cases {
		ts := newTestServer(t, Config{Connector: fakeConnector{err: tc.err}})
		res, err := http.Post(ts.URL+"/connect", "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, tc.status, res.StatusCode)
		var body errorResponse
		decode(t, res, &body)
		require.Equal(t, tc.kind, body.Error)
	}
}

func TestActionSubmitsAmount(t *testing.T) {
	actions := &fakeActions{}
	ts := newTestServer(t, Config{Actions: actions})

	res, err := http.Post(ts.URL+"/actions/stake", "application/json", strings.NewReader(`{"amount":"0.5"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var action types.PendingAction
	decode(t, res, &action)
	require.Equal(t, types.ActionStake, action.Kind)
	require.Equal(t, types.StatusDone, action.Status)

	res, err = http.Post(ts.URL+"/actions/claim", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	actions.mu.Lock()
	defer actions.mu.Unlock()
	require.Equal(t, []string{"stake:0.5", "claim:"}, actions.submitted)
	require.NoError(t, actions.ctxErr)
}

func TestActionErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: minimum", perrors.ErrValidation), http.StatusBadRequest},
		{perrors.ErrActionInFlight, http.StatusConflict},
		{perrors.ErrNoSession, http.StatusPreconditionFailed},
		{&perrors.ProviderError{Code: perrors.CodeUserRejected, Message: "User rejected the request."}, http.StatusForbidden},
		{&perrors.RevertError{Reason: "Nothing to claim"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		ts := newTestServer(t, Config{Actions: &fakeActions{err: tc.err}})
		res, err := http.Post(ts.URL+"/actions/unstake", "application/json", strings.NewReader(`{"amount":"1"}`))
		require.NoError(t, err)
		require.Equal(t, tc.status, res.StatusCode, tc.err.Error())
		var body errorResponse
		decode(t, res, &body)
		require.NotNil(t, body.Action)
		require.Equal(t, types.StatusFailed, body.Action.Status)
	}
}

func TestActionRejectsBadInput(t *testing.T) {
	actions := &fakeActions{}
	ts := newTestServer(t, Config{Actions: actions})

	res, err := http.Post(ts.URL+"/actions/lend", "application/json", strings.NewReader(`{"amount":"1"}`))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Post(ts.URL+"/actions/buy", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Empty(t, actions.submitted)
}

func TestBalancesReturnsRawAndFormatted(t *testing.T) {
	actions := &fakeActions{balances: types.DerivedBalances{
		TokenBalance:       big.NewInt(1_500_000_000_000_000_000),
		StakedOrPurchased:  big.NewInt(0),
		RewardsOrRemaining: big.NewInt(250_000_000_000_000_000),
		Decimals:           18,
	}}
	ts := newTestServer(t, Config{Actions: actions})

	res, err := http.Get(ts.URL + "/balances")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var body balancesResponse
	decode(t, res, &body)
	require.Equal(t, "1.5", body.Formatted.TokenBalance)
	require.Equal(t, "0.25", body.Formatted.RewardsOrRemaining)
	require.Zero(t, body.Raw.TokenBalance.Cmp(actions.balances.TokenBalance))
}

func TestHistoryDefaultsToSessionAccount(t *testing.T) {
	hist := &fakeHistory{}
	ts := newTestServer(t, Config{History: hist})

	res, err := http.Get(ts.URL + "/history?limit=5")
	require.NoError(t, err)
	var entries []history.Entry
	decode(t, res, &entries)
	require.Len(t, entries, 1)
	require.Equal(t, testAccount, hist.account)
	require.Equal(t, 5, hist.limit)

	res, err = http.Get(ts.URL + "/history?account=nope")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHistoryWithoutStorage(t *testing.T) {
	ts := newTestServer(t, Config{})
	res, err := http.Get(ts.URL + "/history")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRateLimitedReads(t *testing.T) {
	ts := newTestServer(t, Config{RequestsPerSecond: 0.001, Burst: 1})

	res, err := http.Get(ts.URL + "/session")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/session")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, Config{Gatherer: reg, Registerer: reg})

	res, err := http.Get(ts.URL + "/session")
	require.NoError(t, err)
	res.Body.Close()

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "portal_gateway_requests_total")
}

func TestEventsStreamBacklogAndLive(t *testing.T) {
	broadcaster := notify.NewBroadcaster()
	broadcaster.Publish(types.Event{Type: types.EventSession, Payload: types.WalletSession{Address: testAccount, Connected: true}})
	ts := newTestServer(t, Config{Events: broadcaster})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	first := read()
	require.Equal(t, "session", first["type"])
	require.Equal(t, "1", first["cursor"])

	require.Eventually(t, func() bool { return broadcaster.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	broadcaster.Notify(ctx, notify.Notification{Key: "stake-success", Message: "Token staked successfully", Severity: notify.SeveritySuccess})

	second := read()
	require.Equal(t, "notification", second["type"])
	payload, ok := second["payload"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Token staked successfully", payload["message"])
}
