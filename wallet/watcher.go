package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// AccountsChanged is broadcast when the wallet's exposed accounts differ from
// the previous poll.
type AccountsChanged struct {
	Accounts []common.Address
}

// Watcher polls a provider for account changes, standing in for the
// accountsChanged event of injected wallets.
type Watcher struct {
	provider Provider
	interval time.Duration
	logger   *slog.Logger
	feed     event.Feed
	last     []common.Address
	primed   bool
}

// NewWatcher builds a watcher polling provider every interval.
func NewWatcher(provider Provider, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{provider: provider, interval: interval, logger: logger}
}

// Subscribe registers ch for account change broadcasts.
func (w *Watcher) Subscribe(ch chan<- AccountsChanged) event.Subscription {
	return w.feed.Subscribe(ch)
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads the accounts once and broadcasts when they changed. The first
// successful poll only records the baseline. Poll is not safe for concurrent use.
func (w *Watcher) Poll(ctx context.Context) bool {
	accounts, err := w.provider.Accounts(ctx)
	if err != nil {
		w.logger.Debug("account poll failed", slog.Any("error", err))
		return false
	}
	if !w.primed {
		w.primed = true
		w.last = accounts
		return false
	}
	if sameAccounts(w.last, accounts) {
		return false
	}
	w.last = accounts
	w.feed.Send(AccountsChanged{Accounts: append([]common.Address(nil), accounts...)})
	return true
}

func sameAccounts(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
