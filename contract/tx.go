package contract

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	perrors "stakeportal/core/errors"
	"stakeportal/wallet"
)

// Pending is a submitted transaction awaiting confirmation.
type Pending interface {
	Hash() common.Hash
	Wait(ctx context.Context) (*ethtypes.Receipt, error)
}

type waitConfig struct {
	pollInterval  time.Duration
	confirmations uint64
}

// Tx tracks a transaction submitted through a Session.
type Tx struct {
	hash    common.Hash
	backend wallet.Backend
	cfg     waitConfig
}

// Hash returns the transaction hash.
func (t *Tx) Hash() common.Hash { return t.hash }

// Wait blocks until the transaction is mined with the configured number of
// confirmations. There is no deadline besides ctx. A mined transaction with
// a failed status is reported as a RevertError.
func (t *Tx) Wait(ctx context.Context) (*ethtypes.Receipt, error) {
	poll := t.cfg.pollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, t.hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return receipt, &perrors.RevertError{TxHash: t.hash.Hex()}
			}
			confirmed, err := t.confirmed(ctx, receipt)
			if err != nil {
				return nil, err
			}
			if confirmed {
				return receipt, nil
			}
		case err != nil && !wallet.IsNotFound(err):
			return nil, fmt.Errorf("fetch receipt %s: %w", t.hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tx) confirmed(ctx context.Context, receipt *ethtypes.Receipt) (bool, error) {
	if t.cfg.confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if head.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	return depth.Uint64()+1 >= t.cfg.confirmations, nil
}
