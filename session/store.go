// Package session holds the process-wide wallet session. The Store is the
// single writer of WalletSession; everything else reads snapshots or
// subscribes to changes.
package session

import (
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"stakeportal/core/types"
)

// Listener receives the session after every change.
type Listener func(types.WalletSession)

// Store owns the WalletSession and broadcasts changes to subscribers.
type Store struct {
	logger *slog.Logger

	mu        sync.Mutex
	notifyMu  sync.Mutex
	session   types.WalletSession
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
}

// Option customises a Store.
type Option func(*Store)

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore returns a disconnected store.
func NewStore(opts ...Option) *Store {
	s := &Store{listeners: make(map[uint64]Listener)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Snapshot returns the current session.
func (s *Store) Snapshot() types.WalletSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Connect records addr as the connected account.
func (s *Store) Connect(addr common.Address) {
	s.update(types.WalletSession{Address: addr, Connected: true})
}

// Disconnect clears the session.
func (s *Store) Disconnect() {
	s.update(types.WalletSession{})
}

// OnAccountsChanged applies a wallet account-change event: the first account
// becomes the session address, an empty list disconnects.
func (s *Store) OnAccountsChanged(accounts []common.Address) {
	if len(accounts) == 0 {
		s.Disconnect()
		return
	}
	s.Connect(accounts[0])
}

// Subscribe registers fn for change notifications and returns a function that
// removes it. fn runs synchronously on the writer's goroutine and must not
// call back into the store's write methods.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, existing := range s.order {
				if existing == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) update(next types.WalletSession) {
	// notifyMu keeps listener delivery in write order when writers race.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.session.Equal(next) {
		s.mu.Unlock()
		return
	}
	prev := s.session
	s.session = next
	listeners := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	s.logger.Info("wallet session changed",
		slog.Bool("connected", next.Connected),
		slog.String("address", next.Address.Hex()),
		slog.String("previous", prev.Address.Hex()))
	for _, fn := range listeners {
		fn(next)
	}
}
