package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"stakeportal/network"
)

// Remote talks EIP-1193 to a wallet that exposes its provider over JSON-RPC
// (a browser bridge or a signer daemon). Every request is rate limited so a
// busy UI cannot flood the wallet with prompts.
type Remote struct {
	client  *rpc.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	once    sync.Once
	backend *ethclient.Client
}

// RemoteOption customises a Remote provider.
type RemoteOption func(*Remote)

// WithRateLimit caps wallet requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) RemoteOption {
	return func(r *Remote) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRemoteLogger overrides the provider logger.
func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = logger }
}

// DialRemote connects to a wallet JSON-RPC endpoint. HTTP requests are traced.
func DialRemote(ctx context.Context, endpoint string, opts ...RemoteOption) (*Remote, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("wallet endpoint required")
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	client, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial wallet %s: %w", endpoint, err)
	}
	return NewRemote(client, opts...), nil
}

// NewRemote wraps an established JSON-RPC client.
func NewRemote(client *rpc.Client, opts ...RemoteOption) *Remote {
	r := &Remote{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Close releases the underlying connection.
func (r *Remote) Close() {
	if r != nil && r.client != nil {
		r.client.Close()
	}
}

func (r *Remote) call(ctx context.Context, result any, method string, args ...any) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := r.client.CallContext(ctx, result, method, args...); err != nil {
		r.logger.Debug("wallet request failed", slog.String("method", method), slog.Any("error", err))
		return err
	}
	return nil
}

// ChainID returns eth_chainId as reported by the wallet.
func (r *Remote) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := r.call(ctx, &id, "eth_chainId"); err != nil {
		return "", err
	}
	return id, nil
}

// RequestAccounts asks the wallet to expose its accounts, prompting the user.
func (r *Remote) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := r.call(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Accounts returns the currently exposed accounts without prompting.
func (r *Remote) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := r.call(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

// SwitchChain issues wallet_switchEthereumChain.
func (r *Remote) SwitchChain(ctx context.Context, chainID string) error {
	return r.call(ctx, nil, "wallet_switchEthereumChain", switchChainParams{ChainID: chainID})
}

// AddChain issues wallet_addEthereumChain with desc.
func (r *Remote) AddChain(ctx context.Context, desc network.Descriptor) error {
	return r.call(ctx, nil, "wallet_addEthereumChain", desc)
}

// Backend reads the chain through the wallet's own connection.
func (r *Remote) Backend(context.Context) (Backend, error) {
	r.once.Do(func() {
		r.backend = ethclient.NewClient(r.client)
	})
	return r.backend, nil
}

type signTxArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Input                hexutil.Bytes   `json:"input"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

type signTxResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

func signArgs(from common.Address, tx *ethtypes.Transaction, chainID *big.Int) signTxArgs {
	args := signTxArgs{
		From:  from,
		To:    tx.To(),
		Gas:   hexutil.Uint64(tx.Gas()),
		Value: (*hexutil.Big)(new(big.Int).Set(tx.Value())),
		Nonce: hexutil.Uint64(tx.Nonce()),
		Input: tx.Data(),
	}
	if tx.Type() == ethtypes.LegacyTxType {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	} else {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	}
	if chainID != nil && chainID.Sign() > 0 {
		args.ChainID = (*hexutil.Big)(chainID)
	}
	return args
}

// Transactor returns options that have the wallet sign each transaction via
// eth_signTransaction. The wallet is free to prompt and the user to decline.
func (r *Remote) Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	if account == (common.Address{}) {
		return nil, fmt.Errorf("transactor requires an account")
	}
	rawID, err := r.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	chainID, err := network.ParseChainID(rawID)
	if err != nil {
		return nil, err
	}
	return &bind.TransactOpts{
		From:    account,
		Context: ctx,
		Signer: func(from common.Address, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
			if from != account {
				return nil, fmt.Errorf("wallet: not authorized to sign for %s", from.Hex())
			}
			var result signTxResult
			if err := r.call(ctx, &result, "eth_signTransaction", signArgs(from, tx, chainID)); err != nil {
				return nil, err
			}
			signed := new(ethtypes.Transaction)
			if err := signed.UnmarshalBinary(result.Raw); err != nil {
				return nil, fmt.Errorf("decode signed transaction: %w", err)
			}
			return signed, nil
		},
	}, nil
}
