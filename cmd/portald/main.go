package main

import (
	"fmt"
	"os"

	"stakeportal/cmd/internal/passphrase"
	"stakeportal/config"
	"stakeportal/services/portal"
	"stakeportal/wallet"
)

func main() {
	if err := portal.Main(secretSource); err != nil {
		fmt.Fprintf(os.Stderr, "portald: %v\n", err)
		os.Exit(1)
	}
}

func secretSource(cfg config.WalletConfig) wallet.Secret {
	return passphrase.NewSource(cfg.PassphraseEnv, passphrase.WithFile(cfg.PassphraseFile))
}
