package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"ofzlend/native/srub"
)

var (
	ErrInvalidAmount       = srub.ErrInvalidAmount
	ErrInvalidToken        = errors.New("lending: collateral token required")
	ErrNoCollateral        = errors.New("lending: no collateral to act on")
	ErrNoDebt              = errors.New("lending: no outstanding debt")
	ErrNotConnected        = errors.New("lending: wallet not connected")
	ErrApprovalRequired    = errors.New("lending: token approval required")
	ErrNoPendingApproval   = errors.New("lending: no pending approval")
	ErrTransactionInFlight = errors.New("lending: transaction already in flight")
	ErrReadFailure         = errors.New("lending: ledger read failed")
	ErrSequencerClosed     = errors.New("lending: sequencer closed")
	ErrIllegalTransition   = errors.New("lending: illegal state transition")
)

// Kind classifies why an operation did not complete.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAllowanceRequired Kind = "allowance-required"
	KindUserRejected      Kind = "user-rejected"
	KindInsufficientFunds Kind = "insufficient-funds"
	KindContractReverted  Kind = "contract-reverted"
	KindNetwork           Kind = "network"
	KindUnknown           Kind = "unknown"
)

// userRejectedCode is the EIP-1193 code wallets return when the user declines
// a request.
const userRejectedCode = 4001

// executionRevertedCode is the JSON-RPC code geth uses for reverted calls.
const executionRevertedCode = 3

// RevertError carries the reason string decoded from a reverted execution.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// TxError is the classified failure surfaced to users. Err keeps the cause
// for errors.Is and logs.
type TxError struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lending: %s %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("lending: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Message is the user-facing text for the failure.
func (e *TxError) Message() string {
	switch e.Kind {
	case KindValidation:
		if e.Reason != "" {
			return e.Reason
		}
		return "The request is invalid."
	case KindAllowanceRequired:
		return "Token approval is required before this deposit can proceed."
	case KindUserRejected:
		return "The transaction was rejected in the wallet."
	case KindInsufficientFunds:
		return "The wallet does not have enough funds to cover this transaction."
	case KindContractReverted:
		if e.Reason != "" {
			return "The transaction was reverted: " + e.Reason
		}
		return "The transaction was reverted by the contract."
	case KindNetwork:
		return "The network could not be reached. Please try again."
	default:
		return "The transaction failed. Please try again."
	}
}

func validationError(op string, err error, reason string) *TxError {
	return &TxError{Kind: KindValidation, Op: op, Reason: reason, Err: err}
}

// Classify maps an arbitrary failure onto the error taxonomy. A nil error
// yields nil.
func Classify(op string, err error) *TxError {
	if err == nil {
		return nil
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		if txErr.Op == "" {
			clone := *txErr
			clone.Op = op
			return &clone
		}
		return txErr
	}
	out := &TxError{Kind: KindUnknown, Op: op, Err: err}

	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrNoCollateral), errors.Is(err, ErrNoDebt),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrNoPendingApproval),
		errors.Is(err, ErrTransactionInFlight):
		out.Kind = KindValidation
		out.Reason = validationReason(err)
		return out
	case errors.Is(err, ErrApprovalRequired):
		out.Kind = KindAllowanceRequired
		return out
	}

	var revert *RevertError
	if errors.As(err, &revert) {
		out.Kind = KindContractReverted
		out.Reason = revert.Reason
		return out
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		out.Kind = KindUserRejected
		return out
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReason(dataErr.ErrorData()); ok {
			out.Kind = KindContractReverted
			out.Reason = reason
			return out
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"),
		strings.Contains(msg, "request denied"), strings.Contains(msg, "rejected by user"):
		out.Kind = KindUserRejected
		return out
	case strings.Contains(msg, "insufficient funds"):
		out.Kind = KindInsufficientFunds
		return out
	case strings.Contains(msg, "execution reverted"):
		out.Kind = KindContractReverted
		out.Reason = reasonFromMessage(err.Error())
		return out
	}
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == executionRevertedCode {
		out.Kind = KindContractReverted
		return out
	}

	var netErr net.Error
	if errors.Is(err, ErrReadFailure) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		out.Kind = KindNetwork
	}
	return out
}

func validationReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "Enter an amount greater than zero."
	case errors.Is(err, ErrInvalidToken):
		return "Select a collateral token."
	case errors.Is(err, ErrNoCollateral):
		return "There is no collateral in this position."
	case errors.Is(err, ErrNoDebt):
		return "There is no outstanding debt to repay."
	case errors.Is(err, ErrNotConnected):
		return "Connect a wallet first."
	case errors.Is(err, ErrNoPendingApproval):
		return "There is no deposit waiting for approval."
	case errors.Is(err, ErrTransactionInFlight):
		return "Another transaction is still pending."
	}
	return ""
}

// revertReason decodes Error(string) revert data as carried by RPC errors.
func revertReason(data interface{}) (string, bool) {
	var raw []byte
	switch v := data.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		raw = decoded
	case []byte:
		raw = v
	case hexutil.Bytes:
		raw = v
	default:
		return "", false
	}
	if len(raw) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", true
	}
	return reason, true
}

func reasonFromMessage(msg string) string {
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, "execution reverted:")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(msg[idx+len("execution reverted:"):])
}
