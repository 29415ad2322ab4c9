package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	perrors "stakeportal/core/errors"
	"stakeportal/network"
)

type ethService struct {
	chainID  string
	accounts []common.Address
	reject   bool
	key      *ecdsa.PrivateKey
}

func (s *ethService) ChainId() string { return s.chainID }

func (s *ethService) RequestAccounts() ([]common.Address, error) {
	if s.reject {
		return nil, &perrors.ProviderError{Code: perrors.CodeUserRejected, Message: "User rejected the request."}
	}
	return s.accounts, nil
}

func (s *ethService) Accounts() []common.Address { return s.accounts }

func (s *ethService) SignTransaction(args signTxArgs) (signTxResult, error) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    uint64(args.Nonce),
		GasPrice: args.GasPrice.ToInt(),
		Gas:      uint64(args.Gas),
		To:       args.To,
		Value:    args.Value.ToInt(),
		Data:     args.Input,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(args.ChainID.ToInt()), s.key)
	if err != nil {
		return signTxResult{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return signTxResult{}, err
	}
	return signTxResult{Raw: raw}, nil
}

type walletService struct {
	mu        sync.Mutex
	switched  []string
	added     []network.Descriptor
	switchErr error
}

func (s *walletService) SwitchEthereumChain(params switchChainParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switched = append(s.switched, params.ChainID)
	return s.switchErr
}

func (s *walletService) AddEthereumChain(desc network.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, desc)
	return nil
}

func newTestRemote(t *testing.T, eth *ethService, w *walletService) *Remote {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", eth))
	require.NoError(t, server.RegisterName("wallet", w))
	client := rpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return NewRemote(client, WithRateLimit(1000, 10))
}

func TestRemoteReadsChainAndAccounts(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	remote := newTestRemote(t, &ethService{chainID: "0x38", accounts: []common.Address{addr}}, &walletService{})

	id, err := remote.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0x38", id)

	accounts, err := remote.RequestAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Address{addr}, accounts)

	accounts, err = remote.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Address{addr}, accounts)
}

func TestRemoteRejectionKeepsCode(t *testing.T) {
	remote := newTestRemote(t, &ethService{chainID: "0x38", reject: true}, &walletService{})
	_, err := remote.RequestAccounts(context.Background())
	require.Error(t, err)
	code, ok := perrors.Code(err)
	require.True(t, ok)
	require.Equal(t, perrors.CodeUserRejected, code)
	require.True(t, perrors.IsUserRejection(err))
}

func TestRemoteSwitchAndAddChain(t *testing.T) {
	w := &walletService{switchErr: &perrors.ProviderError{Code: perrors.CodeUnrecognizedChain, Message: "Unrecognized chain ID"}}
	remote := newTestRemote(t, &ethService{chainID: "0x1"}, w)

	err := remote.SwitchChain(context.Background(), "0x38")
	code, ok := perrors.Code(err)
	require.True(t, ok)
	require.Equal(t, perrors.CodeUnrecognizedChain, code)

	require.NoError(t, remote.AddChain(context.Background(), network.BSCMainnet))
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, []string{"0x38"}, w.switched)
	require.Len(t, w.added, 1)
	require.Equal(t, "0x38", w.added[0].ChainID)
	require.Equal(t, "BNB", w.added[0].NativeCurrency.Symbol)
}

func TestRemoteTransactorSignsThroughWallet(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	remote := newTestRemote(t, &ethService{chainID: "0x61", key: key}, &walletService{})

	opts, err := remote.Transactor(context.Background(), from)
	require.NoError(t, err)
	require.Equal(t, from, opts.From)

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	unsigned := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    3,
		GasPrice: big.NewInt(5_000_000_000),
		Gas:      100_000,
		To:       &to,
		Value:    big.NewInt(42),
		Data:     []byte{0x3a, 0x4b, 0x66, 0xf1},
	})

	signed, err := opts.Signer(from, unsigned)
	require.NoError(t, err)
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(97)), signed)
	require.NoError(t, err)
	require.Equal(t, from, sender)
	require.Equal(t, uint64(3), signed.Nonce())
	require.Zero(t, signed.Value().Cmp(big.NewInt(42)))

	_, err = opts.Signer(to, unsigned)
	require.Error(t, err)
}
