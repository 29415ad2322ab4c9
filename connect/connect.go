package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/network"
	"stakeportal/observability"
	"stakeportal/session"
	"stakeportal/wallet"
)

var mobileAgent = regexp.MustCompile(`(?i)Android|webOS|iPhone|iPad|iPod|BlackBerry|IEMobile|Opera Mini`)

// IsMobile reports whether userAgent looks like a phone or tablet browser.
func IsMobile(userAgent string) bool {
	return mobileAgent.MatchString(userAgent)
}

// DeepLink builds the wallet app link that reopens pageURL inside the
// wallet's browser: <appLink>/dapp/<host><path>.
func DeepLink(appLink, pageURL string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(appLink), "/")
	if base == "" {
		return "", errors.New("wallet app link required")
	}
	page, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || page.Host == "" {
		return "", fmt.Errorf("invalid page url %q", pageURL)
	}
	target := page.Host + page.EscapedPath()
	if page.RawQuery != "" {
		target += "?" + page.RawQuery
	}
	return base + "/dapp/" + target, nil
}

// NetworkGuard moves the wallet onto the deployment chain.
type NetworkGuard interface {
	EnsureNetwork(ctx context.Context) (types.NetworkState, error)
}

// SessionRebuilder retries contract session construction for the account
// already in the store.
type SessionRebuilder interface {
	Rebuild(ctx context.Context) error
}

// Environment describes where the connection is attempted from.
type Environment struct {
	UserAgent string
	PageURL   string
	AppLink   string
}

// Result is the outcome of ConnectWallet. Redirect is set when the user was
// sent to a wallet app instead of being connected.
type Result struct {
	Session  types.WalletSession `json:"session"`
	Redirect string              `json:"redirect,omitempty"`
}

// Workflow connects the wallet and commits the account to the session store.
type Workflow struct {
	provider wallet.Provider
	guard    NetworkGuard
	store    *session.Store
	resume   session.ResumeStore
	rebuild  SessionRebuilder
	env      Environment
	logger   *slog.Logger
	metrics  *observability.PortalMetrics
	now      func() time.Time

	mu sync.Mutex
}

// Option customises a Workflow.
type Option func(*Workflow)

// WithResumeStore persists deep link hand-offs.
func WithResumeStore(store session.ResumeStore) Option {
	return func(w *Workflow) { w.resume = store }
}

// WithSessionRebuilder lets a repeated connect recover a failed contract
// session without prompting the wallet again.
func WithSessionRebuilder(r SessionRebuilder) Option {
	return func(w *Workflow) { w.rebuild = r }
}

// WithEnvironment sets the user agent and page used for mobile hand-off.
func WithEnvironment(env Environment) Option {
	return func(w *Workflow) { w.env = env }
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

// New wires a workflow. A nil provider models an environment without an
// injected wallet.
func New(provider wallet.Provider, guard NetworkGuard, store *session.Store, opts ...Option) (*Workflow, error) {
	if store == nil {
		return nil, errors.New("session store required")
	}
	if provider != nil && guard == nil {
		return nil, errors.New("network guard required")
	}
	w := &Workflow{
		provider: provider,
		guard:    guard,
		store:    store,
		now:      time.Now,
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
	return w, nil
}

// ConnectWallet connects the wallet. When a session exists it is returned
// without prompting, after retrying a failed contract session build. Without a provider, mobile environments are redirected
// to the wallet app and everything else fails with ErrProviderMissing.
func (w *Workflow) ConnectWallet(ctx context.Context) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if current := w.store.Snapshot(); current.Connected {
		if w.rebuild != nil {
			if err := w.rebuild.Rebuild(ctx); err != nil {
				w.logger.Warn("contract session still unavailable",
					slog.String("address", current.Address.Hex()), slog.Any("error", err))
			}
		}
		return Result{Session: current}, nil
	}

	if w.provider == nil {
		if !IsMobile(w.env.UserAgent) {
			w.metrics.RecordError("connect", string(perrors.KindProviderMissing))
			return Result{}, perrors.ErrProviderMissing
		}
		return w.redirect()
	}

	accounts, err := w.provider.RequestAccounts(ctx)
	if err != nil {
		if perrors.IsUserRejection(err) {
			w.metrics.RecordError("connect", string(perrors.KindUserRejected))
			return Result{}, fmt.Errorf("request accounts: %w", perrors.ErrUserRejected)
		}
		w.metrics.RecordError("connect", string(perrors.KindUnknown))
		return Result{}, fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 || accounts[0] == (common.Address{}) {
		w.metrics.RecordError("connect", string(perrors.KindUserRejected))
		return Result{}, fmt.Errorf("wallet exposed no accounts: %w", perrors.ErrUserRejected)
	}

	if _, err := w.guard.EnsureNetwork(ctx); err != nil {
		w.metrics.RecordError("connect", string(perrors.Classify(err)))
		return Result{}, err
	}

	w.store.Connect(accounts[0])
	w.metrics.SetConnected(true)
	w.logger.Info("wallet connected", slog.String("address", accounts[0].Hex()))
	return Result{Session: w.store.Snapshot()}, nil
}

func (w *Workflow) redirect() (Result, error) {
	link, err := DeepLink(w.env.AppLink, w.env.PageURL)
	if err != nil {
		return Result{}, fmt.Errorf("build wallet deep link: %w", err)
	}
	if w.resume != nil {
		marker := session.ResumeMarker{PageURL: w.env.PageURL, DeepLink: link, CreatedAt: w.now().UTC()}
		if guard, ok := w.guard.(interface{ Required() network.Descriptor }); ok {
			marker.ChainID = guard.Required().ChainID
		}
		if err := w.resume.Save(marker); err != nil {
			return Result{}, fmt.Errorf("persist resume marker: %w", err)
		}
	}
	w.logger.Info("redirecting to wallet app", slog.String("link", link))
	return Result{Redirect: link}, nil
}

// Resume finishes a connection handed off to a wallet app. It is meant to run
// once at start-up and does nothing when no hand-off is pending or the wallet
// is still unavailable.
func (w *Workflow) Resume(ctx context.Context) (Result, bool, error) {
	if w.resume == nil || w.provider == nil {
		return Result{}, false, nil
	}
	marker, ok, err := w.resume.Load()
	if err != nil {
		return Result{}, false, fmt.Errorf("load resume marker: %w", err)
	}
	if !ok {
		return Result{}, false, nil
	}
	if err := w.resume.Clear(); err != nil {
		return Result{}, false, fmt.Errorf("clear resume marker: %w", err)
	}
	w.logger.Info("resuming wallet connection", slog.String("page", marker.PageURL), slog.Time("requested_at", marker.CreatedAt))
	result, err := w.ConnectWallet(ctx)
	return result, true, err
}

// WatchAccounts feeds the watcher's account changes into the session store
// until ctx is cancelled.
func (w *Workflow) WatchAccounts(ctx context.Context, watcher *wallet.Watcher) {
	ch := make(chan wallet.AccountsChanged, 1)
	sub := watcher.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				w.logger.Warn("account subscription ended", slog.Any("error", err))
			}
			return
		case change := <-ch:
			w.store.OnAccountsChanged(change.Accounts)
			connected := w.store.Snapshot().Connected
			w.metrics.SetConnected(connected)
			w.logger.Info("wallet accounts changed", slog.Int("accounts", len(change.Accounts)), slog.Bool("connected", connected))
		}
	}
}
