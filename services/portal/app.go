package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stakeportal/config"
	"stakeportal/connect"
	"stakeportal/contract"
	"stakeportal/core/types"
	"stakeportal/gateway"
	"stakeportal/history"
	"stakeportal/network"
	"stakeportal/notify"
	"stakeportal/observability"
	"stakeportal/session"
	"stakeportal/txflow"
	"stakeportal/wallet"
)

// Options carries process-level dependencies that do not come from the
// config file.
type Options struct {
	// Secret unlocks the keystore wallet. Required in keystore mode.
	Secret wallet.Secret
	// Provider overrides the wallet built from config.
	Provider   wallet.Provider
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// App is the assembled portal.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Registry *network.Registry
	Store    *session.Store
	Connect  *connect.Workflow
	Manager  *contract.Manager
	Actions  *txflow.Workflow
	Events   *notify.Broadcaster
	History  *history.Storage
	Watcher  *wallet.Watcher
	Gateway  *gateway.Server

	provider wallet.Provider
	metrics  *observability.PortalMetrics
	resume   *session.LevelDBResumeStore
	remote   *wallet.Remote

	mu    sync.Mutex
	stops []func()
}

// New wires every component from cfg. Nothing talks to the wallet until
// Start.
func New(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.Portal()
	gatherer := opts.Gatherer
	registerer := opts.Registerer
	if registerer != nil {
		metrics = observability.NewPortalMetrics(registerer)
	} else {
		registerer = prometheus.DefaultRegisterer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
	}

	a := &App{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	a.resume, err = session.OpenResumeStore(filepath.Join(cfg.StateDir, "resume"))
	if err != nil {
		return nil, err
	}
	a.History, err = history.Open(filepath.Join(cfg.StateDir, "history.db"))
	if err != nil {
		return nil, err
	}

	a.Registry, err = network.LoadRegistry(cfg.NetworksFile)
	if err != nil {
		return nil, err
	}
	required, ok := a.Registry.Lookup(cfg.Deployment.ChainID)
	if !ok {
		return nil, fmt.Errorf("deployment chain %s is not a known network; add it to %s", cfg.Deployment.ChainID, cfg.NetworksFile)
	}

	a.provider = opts.Provider
	if a.provider == nil {
		a.provider, err = a.buildProvider(ctx, opts.Secret)
		if err != nil {
			return nil, err
		}
	}

	a.Events = notify.NewBroadcaster()
	notifier := notify.NewDedup(notify.Multi{notify.Log{Logger: logger}, a.Events}, cfg.Notifications.DedupWindow.Duration)
	a.Store = session.NewStore(session.WithLogger(logger))

	deployment, err := buildDeployment(cfg.Deployment)
	if err != nil {
		return nil, err
	}
	factory, err := contract.NewFactory(a.provider, deployment)
	if err != nil {
		return nil, err
	}
	a.Manager = contract.NewManager(factory, a.Store, contract.WithNotifier(notifier), contract.WithManagerLogger(logger))

	var guard connect.NetworkGuard
	if a.provider != nil {
		g, err := network.NewGuard(a.provider, required, network.WithGuardLogger(logger), network.WithGuardMetrics(metrics))
		if err != nil {
			return nil, err
		}
		guard = g
		a.Watcher = wallet.NewWatcher(a.provider, cfg.Wallet.AccountPollInterval.Duration, logger)
	}
	a.Connect, err = connect.New(a.provider, guard, a.Store,
		connect.WithResumeStore(a.resume),
		connect.WithEnvironment(connect.Environment{
			UserAgent: cfg.Wallet.UserAgent,
			PageURL:   cfg.Wallet.PageURL,
			AppLink:   cfg.Wallet.AppLink,
		}),
		connect.WithSessionRebuilder(a.Manager),
		connect.WithLogger(logger),
		connect.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	a.Actions, err = txflow.New(a.Manager, buildPolicy(cfg.Deployment, required),
		txflow.WithNotifier(notifier),
		txflow.WithRecorder(a.History),
		txflow.WithPublisher(a.Events),
		txflow.WithLogger(logger),
		txflow.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	a.Gateway, err = gateway.New(gateway.Config{
		Connector:         a.Connect,
		Sessions:          a.Store,
		Actions:           a.Actions,
		History:           a.History,
		Events:            a.Events,
		Gatherer:          gatherer,
		Registerer:        registerer,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildProvider(ctx context.Context, secret wallet.Secret) (wallet.Provider, error) {
	w := a.cfg.Wallet
	switch w.Mode {
	case config.WalletModeRPC:
		remote, err := wallet.DialRemote(ctx, w.Endpoint,
			wallet.WithRateLimit(w.RequestsPerSecond, 1),
			wallet.WithRemoteLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.remote = remote
		return remote, nil
	case config.WalletModeKeystore:
		if secret == nil {
			return nil, errors.New("keystore wallet requires a passphrase source")
		}
		return wallet.NewLocal(w.Keystore, secret, a.Registry, a.cfg.Deployment.ChainID,
			wallet.WithRegistryFile(a.cfg.NetworksFile),
			wallet.WithLocalLogger(a.logger))
	default:
		return nil, nil
	}
}

func buildDeployment(cfg config.DeploymentConfig) (contract.Deployment, error) {
	kind, err := contract.ParseKind(cfg.Kind)
	if err != nil {
		return contract.Deployment{}, err
	}
	iface, err := contract.LoadInterface(cfg.Interface, kind, cfg.PriceMethod)
	if err != nil {
		return contract.Deployment{}, err
	}
	return contract.Deployment{
		Address:       cfg.ContractAddress(),
		Interface:     iface,
		Decimals:      cfg.Decimals,
		PollInterval:  cfg.PollInterval.Duration,
		Confirmations: cfg.Confirmations,
	}, nil
}

func buildPolicy(cfg config.DeploymentConfig, required network.Descriptor) txflow.Policy {
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = required.NativeCurrency.Symbol
	}
	minimums := make(map[types.ActionKind]string, len(cfg.Minimums))
	for kind, value := range cfg.Minimums {
		minimums[types.ActionKind(kind)] = value
	}
	return txflow.Policy{Decimals: cfg.Decimals, Symbol: symbol, Minimums: minimums}
}

// Start attaches the contract manager and the UI stream to the session store
// and finishes a pending mobile hand-off.
func (a *App) Start(ctx context.Context) error {
	stopManager := a.Manager.Start(ctx)
	unsubscribe := a.Store.Subscribe(func(ws types.WalletSession) {
		a.Events.Publish(types.Event{Type: types.EventSession, Payload: ws})
		a.metrics.SetConnected(ws.Connected)
		if !ws.Connected {
			return
		}
		// Runs inline; a late connect read must never overwrite post-confirmation balances.
		if _, err := a.Actions.Refresh(ctx, "connect"); err != nil {
			a.logger.Warn("balance refresh failed", slog.Any("error", err))
		}
	})
	a.mu.Lock()
	a.stops = append(a.stops, unsubscribe, stopManager)
	a.mu.Unlock()

	result, resumed, err := a.Connect.Resume(ctx)
	switch {
	case err != nil:
		a.logger.Warn("resuming wallet connection failed", slog.Any("error", err))
	case resumed:
		a.logger.Info("wallet connection resumed", slog.String("account", result.Session.Address.Hex()))
	}
	return nil
}

// Run starts the app and serves the gateway until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	if a.Watcher != nil {
		go a.Watcher.Run(ctx)
		go a.Connect.WatchAccounts(ctx, a.Watcher)
	}
	return a.Gateway.Serve(ctx, a.cfg.ListenAddress)
}

// Close detaches listeners and releases stores.
func (a *App) Close() error {
	a.mu.Lock()
	stops := a.stops
	a.stops = nil
	a.mu.Unlock()
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}

	var errs []error
	if a.remote != nil {
		a.remote.Close()
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	if a.resume != nil {
		errs = append(errs, a.resume.Close())
	}
	return errors.Join(errs...)
}
