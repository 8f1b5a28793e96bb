package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Operation names a position mutation.
type Operation string

const (
	OpApprove  Operation = "approve"
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
	OpBorrow   Operation = "borrow"
	OpRepay    Operation = "repay"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a single user-facing message emitted by the engine.
type Notification struct {
	Level     Level       `json:"level"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	Operation Operation   `json:"operation,omitempty"`
	Hash      common.Hash `json:"hash,omitempty"`
	RecordID  string      `json:"recordId,omitempty"`
	Kind      Kind        `json:"kind,omitempty"`
	Time      time.Time   `json:"time"`
}

// Notifier receives engine notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// MultiNotifier fans a notification out to every non-nil notifier.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// LogNotifier writes notifications to a structured logger.
func LogNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return NotifierFunc(func(n Notification) {
		level := slog.LevelInfo
		if n.Level == LevelError {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, n.Title,
			slog.String("message", n.Message),
			slog.String("operation", string(n.Operation)),
			slog.String("hash", hashString(n.Hash)),
			slog.String("kind", string(n.Kind)))
	})
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func initiatedTitle(op Operation) string {
	switch op {
	case OpApprove:
		return "Approval Initiated"
	case OpDeposit:
		return "Deposit Initiated"
	case OpWithdraw:
		return "Withdrawal Initiated"
	case OpBorrow:
		return "Borrow Initiated"
	case OpRepay:
		return "Repay Initiated"
	}
	return "Transaction Initiated"
}

func failedTitle(op Operation) string {
	switch op {
	case OpApprove:
		return "Approval Failed"
	case OpDeposit:
		return "Deposit Failed"
	case OpWithdraw:
		return "Withdrawal Failed"
	case OpBorrow:
		return "Borrow Failed"
	case OpRepay:
		return "Repay Failed"
	}
	return "Transaction Failed"
}

const confirmedTitle = "Transaction Confirmed"

func confirmedMessage(op Operation) string {
	switch op {
	case OpApprove:
		return "Token approval confirmed. Continuing with the deposit."
	case OpDeposit:
		return "Collateral deposit confirmed."
	case OpWithdraw:
		return "Collateral withdrawal confirmed."
	case OpBorrow:
		return "sRUB borrow confirmed."
	case OpRepay:
		return "sRUB repayment confirmed."
	}
	return "Transaction confirmed."
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
