package portal

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"stakeportal/config"
	"stakeportal/observability/logging"
	telemetry "stakeportal/observability/otel"
	"stakeportal/wallet"
)

// SecretFactory builds the keystore passphrase source for a wallet section.
type SecretFactory func(config.WalletConfig) wallet.Secret

// Bootstrap loads the config, sets up logging and telemetry and assembles the
// app. The returned shutdown closes everything in reverse order.
func Bootstrap(ctx context.Context, cfgPath, service string, newSecret SecretFactory) (*App, func(), error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logOpts, err := cfg.Log.Options()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.SetupWithOptions(service, cfg.Env, logOpts)

	tel, err := telemetry.Setup(ctx, service, cfg.Env, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	if tel.Exporting() {
		logger.Info("telemetry export enabled", slog.String("endpoint", tel.Endpoint()))
	}

	var secret wallet.Secret
	if newSecret != nil && cfg.Wallet.Mode == config.WalletModeKeystore {
		secret = newSecret(cfg.Wallet)
	}
	app, err := New(ctx, cfg, Options{Secret: secret, Logger: logger})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, nil, err
	}
	shutdown := func() {
		if err := app.Close(); err != nil {
			logger.Warn("close portal", slog.Any("error", err))
		}
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("flush telemetry", slog.Any("error", err))
		}
	}
	return app, shutdown, nil
}

// Main runs the portal daemon until SIGINT or SIGTERM.
func Main(newSecret SecretFactory) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "portal.yaml", "path to portal configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, shutdown, err := Bootstrap(ctx, cfgPath, "portald", newSecret)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("portal: %w", err)
	}
	slog.Info("portal stopped")
	return nil
}
