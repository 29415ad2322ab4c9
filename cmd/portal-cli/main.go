package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"stakeportal/cmd/internal/passphrase"
	"stakeportal/config"
	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/services/portal"
	"stakeportal/wallet"
)

const defaultConfig = "portal.yaml"

func main() {
	fs := flag.NewFlagSet("portal-cli", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the portal configuration")
	limit := fs.Int("limit", 20, "Number of history entries to list")
	fs.Usage = func() { usage(fs.Output()) }
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, err := parseCommand(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd.limit = *limit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cmd, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: portal-cli [-config portal.yaml] <command> [amount]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  connect          connect the wallet and show the session")
	fmt.Fprintln(w, "  balances         show staked or purchased balances")
	fmt.Fprintln(w, "  stake <amount>   stake native currency")
	fmt.Fprintln(w, "  unstake <amount> unstake tokens")
	fmt.Fprintln(w, "  claim            claim pending rewards")
	fmt.Fprintln(w, "  buy <amount>     buy tokens from the sale")
	fmt.Fprintln(w, "  history          list settled actions")
}

type command struct {
	name   string
	action types.ActionKind
	amount string
	limit  int
}

func parseCommand(args []string) (command, error) {
	name := strings.ToLower(args[0])
	switch name {
	case "connect", "balances", "history":
		if len(args) != 1 {
			return command{}, fmt.Errorf("%s takes no arguments", name)
		}
		return command{name: name}, nil
	}
	kind, err := types.ParseActionKind(name)
	if err != nil {
		return command{}, err
	}
	cmd := command{name: name, action: kind}
	if kind.TakesAmount() {
		if len(args) != 2 {
			return command{}, fmt.Errorf("%s requires an amount", name)
		}
		cmd.amount = args[1]
	} else if len(args) != 1 {
		return command{}, fmt.Errorf("%s takes no arguments", name)
	}
	return cmd, nil
}

func secretSource(cfg config.WalletConfig) wallet.Secret {
	return passphrase.NewSource(cfg.PassphraseEnv, passphrase.WithFile(cfg.PassphraseFile))
}

func run(ctx context.Context, cfgPath string, cmd command, out io.Writer) error {
	app, shutdown, err := portal.Bootstrap(ctx, cfgPath, "portal-cli", secretSource)
	if err != nil {
		return err
	}
	defer shutdown()
	if err := app.Start(ctx); err != nil {
		return err
	}

	if cmd.name == "history" {
		entries, err := app.History.Recent(ctx, common.Address{}, cmd.limit)
		if err != nil {
			return err
		}
		return printJSON(out, entries)
	}

	result, err := app.Connect.ConnectWallet(ctx)
	if err != nil {
		return err
	}
	if result.Redirect != "" {
		fmt.Fprintf(out, "Open %s in your wallet app to continue.\n", result.Redirect)
		return nil
	}

	switch cmd.name {
	case "connect":
		return printJSON(out, result.Session)
	case "balances":
		balances, err := app.Actions.Refresh(ctx, "cli")
		if err != nil {
			return err
		}
		return printJSON(out, balances.Format())
	default:
		action, err := app.Actions.Submit(ctx, cmd.action, cmd.amount)
		if err != nil {
			return err
		}
		return printJSON(out, action)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, perrors.ErrValidation):
		return 2
	case perrors.IsUserRejection(err):
		return 3
	default:
		return 1
	}
}
