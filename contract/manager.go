package contract

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/notify"
	"stakeportal/session"
)

// Builder creates sessions for an account.
type Builder interface {
	Build(ctx context.Context, account common.Address) (*Session, error)
}

// Manager keeps exactly one contract session per connected account. It
// rebuilds on every address change and discards the session on disconnect.
type Manager struct {
	builder  Builder
	store    *session.Store
	notifier notify.Notifier
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Session
	lastErr error
	account common.Address
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithNotifier reports session build failures to the user.
func WithNotifier(n notify.Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithManagerLogger overrides the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager binds builder to store.
func NewManager(builder Builder, store *session.Store, opts ...ManagerOption) *Manager {
	m := &Manager{builder: builder, store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Start applies the current session and follows subsequent changes until the
// returned stop function is called.
func (m *Manager) Start(ctx context.Context) (stop func()) {
	unsubscribe := m.store.Subscribe(func(ws types.WalletSession) {
		m.apply(ctx, ws)
	})
	m.apply(ctx, m.store.Snapshot())
	return unsubscribe
}

func (m *Manager) apply(ctx context.Context, ws types.WalletSession) {
	m.mu.Lock()
	if !ws.Connected {
		m.current, m.lastErr, m.account = nil, nil, common.Address{}
		m.mu.Unlock()
		return
	}
	if m.account == ws.Address && (m.current != nil || m.lastErr != nil) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.build(ctx, ws.Address)
}

// Rebuild retries a failed session build for the connected account. It is a
// no-op while a session is live and never touches the wallet provider.
func (m *Manager) Rebuild(ctx context.Context) error {
	ws := m.store.Snapshot()
	if !ws.Connected {
		return perrors.ErrNoSession
	}
	m.mu.RLock()
	healthy := m.account == ws.Address && m.current != nil
	m.mu.RUnlock()
	if !healthy {
		m.build(ctx, ws.Address)
	}
	_, err := m.Current()
	return err
}

func (m *Manager) build(ctx context.Context, account common.Address) {
	// Invalidate before building so no caller sees the previous account's session.
	m.mu.Lock()
	m.current, m.lastErr, m.account = nil, nil, account
	m.mu.Unlock()

	built, err := m.builder.Build(ctx, account)

	m.mu.Lock()
	if m.account != account {
		m.mu.Unlock()
		return
	}
	m.current, m.lastErr = built, err
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("contract session build failed", slog.String("account", account.Hex()), slog.Any("error", err))
		if m.notifier != nil {
			m.notifier.Notify(ctx, notify.Notification{
				Key:      "contract-init-error",
				Message:  "Failed to initialize contract. Please try again.",
				Severity: notify.SeverityError,
			})
		}
		return
	}
	m.logger.Info("contract session ready", slog.String("account", account.Hex()))
}

// Current returns the live session. When the last build failed the error is
// returned instead.
func (m *Manager) Current() (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current != nil {
		return m.current, nil
	}
	if m.lastErr != nil {
		return nil, m.lastErr
	}
	return nil, perrors.ErrNoSession
}
