package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	perrors "stakeportal/core/errors"
	"stakeportal/network"
)

// Secret supplies the keystore passphrase. Implementations prompt the
// operator and wrap core/errors.ErrUserRejected when the prompt is declined.
type Secret interface {
	Get() (string, error)
}

// ChainBackend is a Backend that can report the chain it serves.
type ChainBackend interface {
	Backend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dialer opens a chain connection for a network descriptor.
type Dialer func(ctx context.Context, desc network.Descriptor) (ChainBackend, error)

// Local is a wallet backed by an encrypted v3 keystore file. It behaves like
// an injected EIP-1193 wallet: unlocking is the account request prompt,
// switching to an unregistered chain fails with code 4902 and added chains
// are remembered in the network registry.
type Local struct {
	path         string
	secret       Secret
	registry     *network.Registry
	registryPath string
	dial         Dialer
	logger       *slog.Logger

	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	address  common.Address
	current  network.Descriptor
	backends map[string]ChainBackend
}

// LocalOption customises a Local wallet.
type LocalOption func(*Local)

// WithDialer replaces the ethclient dialer.
func WithDialer(dial Dialer) LocalOption {
	return func(l *Local) {
		if dial != nil {
			l.dial = dial
		}
	}
}

// WithRegistryFile persists chains added through AddChain to path.
func WithRegistryFile(path string) LocalOption {
	return func(l *Local) { l.registryPath = strings.TrimSpace(path) }
}

// WithLocalLogger overrides the wallet logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// NewLocal opens the keystore at path. The wallet starts on initialChain,
// which must be present in registry.
func NewLocal(path string, secret Secret, registry *network.Registry, initialChain string, opts ...LocalOption) (*Local, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("keystore path required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if secret == nil {
		return nil, errors.New("keystore passphrase source required")
	}
	if registry == nil {
		return nil, errors.New("network registry required")
	}
	desc, ok := registry.Lookup(initialChain)
	if !ok {
		return nil, fmt.Errorf("initial chain %s not registered", initialChain)
	}
	l := &Local{
		path:     path,
		secret:   secret,
		registry: registry,
		dial:     dialEthclient,
		current:  desc,
		backends: make(map[string]ChainBackend),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

func dialEthclient(ctx context.Context, desc network.Descriptor) (ChainBackend, error) {
	var lastErr error
	for _, endpoint := range desc.RPCURLs {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		return client, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no rpc urls")
	}
	return nil, lastErr
}

// ChainID returns the chain the wallet is currently pointed at.
func (l *Local) ChainID(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.ChainID, nil
}

// RequestAccounts unlocks the keystore. A declined passphrase prompt is a 4001.
func (l *Local) RequestAccounts(context.Context) ([]common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key != nil {
		return []common.Address{l.address}, nil
	}
	passphrase, err := l.secret.Get()
	if err != nil {
		if perrors.IsUserRejection(err) {
			return nil, &perrors.ProviderError{Code: perrors.CodeUserRejected, Message: "user rejected the request"}
		}
		return nil, err
	}
	keyJSON, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		if forgetter, ok := l.secret.(interface{ Forget() }); ok {
			forgetter.Forget()
		}
		return nil, &perrors.ProviderError{Code: perrors.CodeUnauthorized, Message: fmt.Sprintf("unlock keystore: %v", err)}
	}
	l.key = key.PrivateKey
	l.address = crypto.PubkeyToAddress(key.PrivateKey.PublicKey)
	l.logger.Info("keystore unlocked", slog.String("address", l.address.Hex()))
	return []common.Address{l.address}, nil
}

// Accounts returns the unlocked account, or nothing while locked.
func (l *Local) Accounts(context.Context) ([]common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil {
		return nil, nil
	}
	return []common.Address{l.address}, nil
}

// Lock forgets the decrypted key, which reads as a disconnect to watchers.
func (l *Local) Lock() {
	l.mu.Lock()
	l.key = nil
	l.address = common.Address{}
	l.mu.Unlock()
}

// SwitchChain points the wallet at a registered chain after confirming the
// chain's RPC endpoint agrees on the id.
func (l *Local) SwitchChain(ctx context.Context, chainID string) error {
	desc, ok := l.registry.Lookup(chainID)
	if !ok {
		return &perrors.ProviderError{Code: perrors.CodeUnrecognizedChain, Message: fmt.Sprintf("unrecognized chain id %s", chainID)}
	}
	backend, err := l.backendFor(ctx, desc)
	if err != nil {
		return &perrors.ProviderError{Code: perrors.CodeDisconnected, Message: fmt.Sprintf("connect %s: %v", desc.ChainName, err)}
	}
	remoteID, err := backend.ChainID(ctx)
	if err != nil {
		return &perrors.ProviderError{Code: perrors.CodeDisconnected, Message: fmt.Sprintf("read chain id from %s: %v", desc.ChainName, err)}
	}
	want, err := network.ParseChainID(desc.ChainID)
	if err != nil {
		return err
	}
	if remoteID.Cmp(want) != 0 {
		return fmt.Errorf("rpc for %s reports chain %s", desc.ChainID, remoteID)
	}
	l.mu.Lock()
	l.current = desc
	l.mu.Unlock()
	l.logger.Info("wallet switched chain", slog.String("chain_id", desc.ChainID), slog.String("name", desc.ChainName))
	return nil
}

// AddChain registers desc and, when configured, writes the registry file.
func (l *Local) AddChain(_ context.Context, desc network.Descriptor) error {
	if err := l.registry.Add(desc); err != nil {
		return &perrors.ProviderError{Code: -32602, Message: err.Error()}
	}
	if l.registryPath != "" {
		if err := l.registry.Save(l.registryPath); err != nil {
			return fmt.Errorf("persist network registry: %w", err)
		}
	}
	return nil
}

// Backend returns the connection for the current chain.
func (l *Local) Backend(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	desc := l.current
	l.mu.Unlock()
	return l.backendFor(ctx, desc)
}

func (l *Local) backendFor(ctx context.Context, desc network.Descriptor) (ChainBackend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if backend, ok := l.backends[desc.ChainID]; ok {
		return backend, nil
	}
	backend, err := l.dial(ctx, desc)
	if err != nil {
		return nil, err
	}
	l.backends[desc.ChainID] = backend
	return backend, nil
}

// Transactor signs with the unlocked key for the current chain.
func (l *Local) Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	l.mu.Lock()
	key, address, desc := l.key, l.address, l.current
	l.mu.Unlock()
	if key == nil {
		return nil, &perrors.ProviderError{Code: perrors.CodeUnauthorized, Message: "keystore locked"}
	}
	if account != address {
		return nil, &perrors.ProviderError{Code: perrors.CodeUnauthorized, Message: fmt.Sprintf("account %s not managed by keystore", account.Hex())}
	}
	chainID, err := network.ParseChainID(desc.ChainID)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}
