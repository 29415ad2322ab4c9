package contract

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	perrors "stakeportal/core/errors"
	"stakeportal/wallet"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de1")

type dataError struct {
	msg  string
	data any
}

func (e dataError) Error() string  { return e.msg }
func (e dataError) ErrorData() any { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

type fakeBackend struct {
	bind.ContractBackend

	mu           sync.Mutex
	abi          abi.ABI
	results      map[string]*big.Int
	calls        []string
	callFrom     []common.Address
	balance      *big.Int
	sendErr      error
	sent         []*ethtypes.Transaction
	receipt      *ethtypes.Receipt
	missing      int
	receiptCalls int
	head         *big.Int
}

func newFakeBackend(iface Interface) *fakeBackend {
	return &fakeBackend{abi: iface.ABI, results: map[string]*big.Int{}, balance: big.NewInt(0)}
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	method, err := b.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	b.calls = append(b.calls, method.Name)
	b.callFrom = append(b.callFrom, msg.From)
	value, ok := b.results[method.Name]
	if !ok {
		return nil, dataError{msg: "execution reverted", data: "0x"}
	}
	return method.Outputs.Pack(value)
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return b.balance, nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptCalls++
	if b.receiptCalls <= b.missing || b.receipt == nil {
		return nil, ethereum.NotFound
	}
	return b.receipt, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &ethtypes.Header{Number: new(big.Int).Set(b.head)}, nil
}

func (b *fakeBackend) lastSent() *ethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return nil
	}
	return b.sent[len(b.sent)-1]
}

func testTransactor(t *testing.T) (*bind.TransactOpts, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(56))
	require.NoError(t, err)
	opts.GasPrice = big.NewInt(3_000_000_000)
	opts.GasLimit = 200_000
	opts.Nonce = big.NewInt(0)
	return opts, opts.From
}

func buildSession(t *testing.T, ref string, kind Kind) (*Session, *fakeBackend) {
	t.Helper()
	iface, err := LoadInterface(ref, kind, "")
	require.NoError(t, err)
	backend := newFakeBackend(iface)
	opts, from := testTransactor(t)
	provider := wallet.Funcs{
		BackendFunc: func(context.Context) (wallet.Backend, error) { return backend, nil },
		TransactorFunc: func(_ context.Context, account common.Address) (*bind.TransactOpts, error) {
			require.Equal(t, from, account)
			return opts, nil
		},
	}
	factory, err := NewFactory(provider, Deployment{Address: contractAddr, Interface: iface, Decimals: 18, PollInterval: time.Millisecond})
	require.NoError(t, err)
	sess, err := factory.Build(context.Background(), from)
	require.NoError(t, err)
	return sess, backend
}

func TestBuiltinInterfacesValidate(t *testing.T) {
	for ref, kind := range map[string]Kind{"staking": KindStaking, "sale-bnb": KindSale, "sale-eth": KindSale} {
		iface, err := LoadInterface(ref, kind, "")
		require.NoError(t, err, ref)
		require.NoError(t, iface.Validate(), ref)
	}
	iface, err := LoadInterface("sale-eth", KindSale, "")
	require.NoError(t, err)
	require.Equal(t, MethodPriceInEth, iface.PriceMethod)
}

func TestInterfaceValidationFailures(t *testing.T) {
	staking, err := LoadInterface("staking", KindSale, "")
	require.NoError(t, err)
	require.ErrorIs(t, staking.Validate(), perrors.ErrContractInit)

	path := filepath.Join(t.TempDir(), "abi.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
 {"type":"function","name":"stake","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"unstake","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"getStakedBalance","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getPendingRewards","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`), 0o600))
	custom, err := LoadInterface(path, KindStaking, "")
	require.NoError(t, err)
	err = custom.Validate()
	require.ErrorIs(t, err, perrors.ErrContractInit)
	require.Contains(t, err.Error(), "payable")

	_, err = LoadInterface(filepath.Join(t.TempDir(), "missing.json"), KindStaking, "")
	require.Error(t, err)
}

func TestFactoryBuildFailures(t *testing.T) {
	iface, err := LoadInterface("staking", KindStaking, "")
	require.NoError(t, err)

	_, err = NewFactory(wallet.Funcs{}, Deployment{Interface: iface})
	require.ErrorIs(t, err, perrors.ErrContractInit)

	factory, err := NewFactory(wallet.Funcs{}, Deployment{Address: contractAddr, Interface: iface})
	require.NoError(t, err)
	_, err = factory.Build(context.Background(), common.Address{})
	require.ErrorIs(t, err, perrors.ErrContractInit)

	_, err = factory.Build(context.Background(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, perrors.ErrContractInit)

	missing, err := NewFactory(nil, Deployment{Address: contractAddr, Interface: iface})
	require.NoError(t, err)
	_, err = missing.Build(context.Background(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, perrors.ErrContractInit)
	require.ErrorIs(t, err, perrors.ErrProviderMissing)
}

func TestStakingBalances(t *testing.T) {
	sess, backend := buildSession(t, "staking", KindStaking)
	backend.balance = big.NewInt(7)
	backend.results[MethodGetStakedBalance] = big.NewInt(500)
	backend.results[MethodGetPendingRewards] = big.NewInt(12)

	balances, err := sess.Balances(context.Background())
	require.NoError(t, err)
	require.Zero(t, balances.TokenBalance.Cmp(big.NewInt(7)))
	require.Zero(t, balances.StakedOrPurchased.Cmp(big.NewInt(500)))
	require.Zero(t, balances.RewardsOrRemaining.Cmp(big.NewInt(12)))
	require.Equal(t, uint8(18), balances.Decimals)
	require.Equal(t, []string{MethodGetStakedBalance, MethodGetPendingRewards}, backend.calls)
	require.Equal(t, sess.Account(), backend.callFrom[0])

	_, err = sess.TokenPrice(context.Background())
	require.Error(t, err)
}

func TestSaleBalancesAndPrice(t *testing.T) {
	sess, backend := buildSession(t, "sale-bnb", KindSale)
	backend.results[MethodGetTokensPurchased] = big.NewInt(100)
	backend.results[MethodGetTokensLeft] = big.NewInt(900)
	backend.results[MethodPriceInBnb] = big.NewInt(50_000_000_000_000)

	balances, err := sess.Balances(context.Background())
	require.NoError(t, err)
	require.Zero(t, balances.StakedOrPurchased.Cmp(big.NewInt(100)))
	require.Zero(t, balances.RewardsOrRemaining.Cmp(big.NewInt(900)))

	price, err := sess.TokenPrice(context.Background())
	require.NoError(t, err)
	require.Zero(t, price.Cmp(big.NewInt(50_000_000_000_000)))
}

func TestStakeSendsValueAndWaits(t *testing.T) {
	sess, backend := buildSession(t, "staking", KindStaking)
	value := big.NewInt(1_000_000)

	pending, err := sess.Stake(context.Background(), value)
	require.NoError(t, err)
	sent := backend.lastSent()
	require.NotNil(t, sent)
	require.Equal(t, pending.Hash(), sent.Hash())
	require.Zero(t, sent.Value().Cmp(value))
	require.Equal(t, contractAddr, *sent.To())
	require.Equal(t, sess.iface.ABI.Methods[MethodStake].ID, sent.Data()[:4])

	backend.mu.Lock()
	backend.missing = 2
	backend.receipt = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
	backend.mu.Unlock()

	receipt, err := pending.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, ethtypes.ReceiptStatusSuccessful, receipt.Status)
	backend.mu.Lock()
	require.Equal(t, 3, backend.receiptCalls)
	backend.mu.Unlock()
}

func TestUnstakeEncodesAmountWithoutValue(t *testing.T) {
	sess, backend := buildSession(t, "staking", KindStaking)
	amount := big.NewInt(42)

	_, err := sess.Unstake(context.Background(), amount)
	require.NoError(t, err)
	sent := backend.lastSent()
	require.Zero(t, sent.Value().Sign())
	args, err := sess.iface.ABI.Methods[MethodUnstake].Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	require.Zero(t, args[0].(*big.Int).Cmp(amount))
}

func TestBuyTokensPaysValue(t *testing.T) {
	sess, backend := buildSession(t, "sale-bnb", KindSale)
	_, err := sess.BuyTokens(context.Background(), big.NewInt(100), big.NewInt(5))
	require.NoError(t, err)
	sent := backend.lastSent()
	require.Zero(t, sent.Value().Cmp(big.NewInt(5)))
}

func TestFailedReceiptIsRevert(t *testing.T) {
	sess, backend := buildSession(t, "staking", KindStaking)
	pending, err := sess.Claim(context.Background())
	require.NoError(t, err)

	backend.mu.Lock()
	backend.receipt = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed}
	backend.mu.Unlock()

	_, err = pending.Wait(context.Background())
	require.ErrorIs(t, err, perrors.ErrTransactionReverted)
	require.Equal(t, perrors.KindTransactionReverted, perrors.Classify(err))
}

func TestWaitHonoursConfirmations(t *testing.T) {
	backend := &fakeBackend{receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}, head: big.NewInt(10)}
	tx := &Tx{hash: common.HexToHash("0x01"), backend: backend, cfg: waitConfig{pollInterval: time.Millisecond, confirmations: 3}}

	done := make(chan error, 1)
	go func() {
		_, err := tx.Wait(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.receiptCalls >= 2
	}, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait returned before enough confirmations")
	default:
	}

	backend.mu.Lock()
	backend.head = big.NewInt(12)
	backend.mu.Unlock()
	require.NoError(t, <-done)
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	backend := &fakeBackend{}
	tx := &Tx{hash: common.HexToHash("0x02"), backend: backend, cfg: waitConfig{pollInterval: time.Millisecond}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tx.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubmitRevertCarriesReason(t *testing.T) {
	sess, backend := buildSession(t, "staking", KindStaking)
	backend.sendErr = dataError{msg: "execution reverted", data: revertData(t, "Minimum stake not met")}

	_, err := sess.Stake(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, perrors.ErrTransactionReverted)
	require.Equal(t, "Minimum stake not met", perrors.Reason(err))

	backend.sendErr = errors.New("connection refused")
	_, err = sess.Stake(context.Background(), big.NewInt(1))
	require.Equal(t, perrors.KindUnknown, perrors.Classify(err))
}
