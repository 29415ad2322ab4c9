package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrProviderMissing       = stderrors.New("wallet: provider missing")
	ErrUserRejected          = stderrors.New("wallet: request rejected by user")
	ErrNetworkUnavailable    = stderrors.New("network: wallet network unavailable")
	ErrNetworkSwitchRejected = stderrors.New("network: switch rejected")
	ErrNetworkAddFailed      = stderrors.New("network: add network failed")
	ErrContractInit          = stderrors.New("contract: session initialisation failed")
	ErrValidation            = stderrors.New("action: validation failed")
	ErrTransactionReverted   = stderrors.New("action: transaction reverted")
	ErrUnknownFailure        = stderrors.New("action: unknown failure")
	ErrActionInFlight        = stderrors.New("action: already in flight")
	ErrNoSession             = stderrors.New("action: no contract session")
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeUnrecognizedChain = 4902
)

// Kind names an error class of the action taxonomy.
type Kind string

const (
	KindNone                  Kind = ""
	KindProviderMissing       Kind = "provider_missing"
	KindUserRejected          Kind = "user_rejected"
	KindNetworkUnavailable    Kind = "network_unavailable"
	KindNetworkSwitchRejected Kind = "network_switch_rejected"
	KindNetworkAddFailed      Kind = "network_add_failed"
	KindContractInit          Kind = "contract_init"
	KindValidation            Kind = "validation"
	KindTransactionReverted   Kind = "transaction_reverted"
	KindInFlight              Kind = "in_flight"
	KindNoSession             Kind = "no_session"
	KindUnknown               Kind = "unknown"
)

// ProviderError is a coded error raised by a wallet provider. It satisfies
// rpc.Error so the code survives a JSON-RPC round trip.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error %d", e.Code)
	}
	return e.Message
}

// ErrorCode implements rpc.Error.
func (e *ProviderError) ErrorCode() int { return e.Code }

// Code extracts the provider error code carried by err, if any.
func Code(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}

// IsUserRejection reports whether err is a declined wallet prompt.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrUserRejected) {
		return true
	}
	if code, ok := Code(err); ok && code == CodeUserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

// RevertError reports a transaction the contract refused.
type RevertError struct {
	Reason string
	TxHash string
}

func (e *RevertError) Error() string {
	switch {
	case e.Reason != "" && e.TxHash != "":
		return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
	case e.Reason != "":
		return "execution reverted: " + e.Reason
	case e.TxHash != "":
		return fmt.Sprintf("transaction %s reverted", e.TxHash)
	default:
		return "execution reverted"
	}
}

// Unwrap lets errors.Is match ErrTransactionReverted.
func (e *RevertError) Unwrap() error { return ErrTransactionReverted }

// DecodeRevert extracts a revert from a node error. Reverts surface as
// rpc.DataError values whose data holds the ABI encoded Error(string).
func DecodeRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var revert *RevertError
	if stderrors.As(err, &revert) {
		return revert, true
	}
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return &RevertError{Reason: reason}, true
				}
				return &RevertError{}, true
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		return &RevertError{Reason: reason}, true
	}
	return nil, false
}

// Classify maps err onto the action taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case stderrors.Is(err, ErrValidation):
		return KindValidation
	case stderrors.Is(err, ErrActionInFlight):
		return KindInFlight
	case stderrors.Is(err, ErrNoSession):
		return KindNoSession
	case stderrors.Is(err, ErrNetworkUnavailable):
		return KindNetworkUnavailable
	case stderrors.Is(err, ErrProviderMissing):
		return KindProviderMissing
	case stderrors.Is(err, ErrNetworkSwitchRejected):
		return KindNetworkSwitchRejected
	case stderrors.Is(err, ErrNetworkAddFailed):
		return KindNetworkAddFailed
	case stderrors.Is(err, ErrContractInit):
		return KindContractInit
	case IsUserRejection(err):
		return KindUserRejected
	}
	if _, ok := DecodeRevert(err); ok {
		return KindTransactionReverted
	}
	return KindUnknown
}

// Reason returns the revert reason carried by err, or "".
func Reason(err error) string {
	if revert, ok := DecodeRevert(err); ok {
		return revert.Reason
	}
	return ""
}
