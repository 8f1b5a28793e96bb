package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/native/srub"
)

// PositionActions are the validated entry points for position mutations.
// Every write goes through the sequencer.
type PositionActions struct {
	session  Session
	reader   LedgerReader
	writer   LedgerWriter
	auth     TokenAuthorizer
	gate     *AllowanceGate
	query    *PositionQuery
	seq      *Sequencer
	notifier Notifier
	params   func() srub.RiskParameters
	logger   *slog.Logger
	now      func() time.Time
}

// Deposit moves collateral into the position. Without an allowance the
// deposit is parked as a PendingApproval and ErrApprovalRequired is returned;
// Approve then completes it.
func (a *PositionActions) Deposit(ctx context.Context, token common.Address, amount string) (Record, error) {
	op := string(OpDeposit)
	if err := a.requireSession(op); err != nil {
		return Record{}, err
	}
	if token == (common.Address{}) {
		return Record{}, Classify(op, ErrInvalidToken)
	}
	units, err := srub.ParseAmount(amount)
	if err != nil {
		return Record{}, Classify(op, err)
	}
	if a.seq.Busy() {
		return Record{}, Classify(op, ErrTransactionInFlight)
	}
	if !a.gate.HasSufficientAllowance(ctx, token, a.session.Address) {
		pending := a.gate.RequestApproval(token, amount)
		a.logger.Info("deposit waiting for approval",
			slog.String("token", token.Hex()),
			slog.String("amount", pending.Amount))
		return Record{}, &TxError{Kind: KindAllowanceRequired, Op: op, Err: ErrApprovalRequired}
	}
	return a.submitDeposit(ctx, token, units, amount)
}

// Approve grants the sRUB contract an unlimited allowance over the pending
// deposit's token. Once the approval confirms, the parked deposit is
// submitted with its original amount.
func (a *PositionActions) Approve(ctx context.Context) (Record, error) {
	op := string(OpApprove)
	if err := a.requireSession(op); err != nil {
		return Record{}, err
	}
	pending, err := a.gate.beginApproval()
	if err != nil {
		return Record{}, Classify(op, err)
	}
	rec, err := a.seq.Execute(ctx, a.approvalRequest(pending))
	if err != nil && rec.ID == "" {
		a.gate.abortApproval()
	}
	return rec, err
}

// CancelApproval drops the parked deposit. It is refused once the approval
// has been submitted.
func (a *PositionActions) CancelApproval() (PendingApproval, error) {
	pending, err := a.gate.Cancel()
	if err != nil {
		return PendingApproval{}, Classify(string(OpApprove), err)
	}
	a.notifier.Notify(Notification{
		Level:     LevelInfo,
		Title:     "Approval Cancelled",
		Message:   "The pending deposit of " + pending.Amount + " was cancelled.",
		Operation: OpApprove,
		Time:      a.now(),
	})
	return pending, nil
}

// Withdraw removes collateral from the first collateral lot.
func (a *PositionActions) Withdraw(ctx context.Context, amount string) (Record, error) {
	op := string(OpWithdraw)
	if err := a.requireSession(op); err != nil {
		return Record{}, err
	}
	units, err := srub.ParseAmount(amount)
	if err != nil {
		return Record{}, Classify(op, err)
	}
	snap, err := a.snapshot(ctx)
	if err != nil {
		return Record{}, Classify(op, err)
	}
	lot, ok := snap.FirstLot()
	if !ok {
		return Record{}, Classify(op, ErrNoCollateral)
	}
	return a.execute(ctx, Request{
		Operation: OpWithdraw,
		Token:     lot.Token,
		Amount:    amount,
		Submit: func(ctx context.Context) (common.Hash, error) {
			return a.writer.DecreasePosition(ctx, lot.Token, units)
		},
	})
}

// Borrow mints sRUB against the position. Headroom is not checked here; the
// ledger rejects borrows beyond the collateralization ratio.
func (a *PositionActions) Borrow(ctx context.Context, amount string) (Record, error) {
	op := string(OpBorrow)
	if err := a.requireSession(op); err != nil {
		return Record{}, err
	}
	units, err := srub.ParseAmount(amount)
	if err != nil {
		return Record{}, Classify(op, err)
	}
	return a.execute(ctx, Request{
		Operation: OpBorrow,
		Amount:    amount,
		Submit: func(ctx context.Context) (common.Hash, error) {
			return a.writer.IncreasePosition(ctx, units)
		},
	})
}

// Repay burns sRUB debt against the first collateral lot.
func (a *PositionActions) Repay(ctx context.Context, amount string) (Record, error) {
	op := string(OpRepay)
	if err := a.requireSession(op); err != nil {
		return Record{}, err
	}
	units, err := srub.ParseAmount(amount)
	if err != nil {
		return Record{}, Classify(op, err)
	}
	snap, err := a.snapshot(ctx)
	if err != nil {
		return Record{}, Classify(op, err)
	}
	if !snap.Position.HasDebt() {
		return Record{}, Classify(op, ErrNoDebt)
	}
	lot, ok := snap.FirstLot()
	if !ok {
		return Record{}, Classify(op, ErrNoCollateral)
	}
	return a.execute(ctx, Request{
		Operation: OpRepay,
		Token:     lot.Token,
		Amount:    amount,
		Submit: func(ctx context.Context) (common.Hash, error) {
			return a.writer.DecreasePosition(ctx, lot.Token, units)
		},
	})
}

// PreviewWithdraw asks the ledger whether amount can leave the first lot and
// how much sRUB that would burn.
func (a *PositionActions) PreviewWithdraw(ctx context.Context, amount string) (Preview, error) {
	op := string(OpWithdraw)
	if err := a.requireSession(op); err != nil {
		return Preview{}, err
	}
	units, err := srub.ParseAmount(amount)
	if err != nil {
		return Preview{}, Classify(op, err)
	}
	snap, err := a.snapshot(ctx)
	if err != nil {
		return Preview{}, Classify(op, err)
	}
	lot, ok := snap.FirstLot()
	if !ok {
		return Preview{}, Classify(op, ErrNoCollateral)
	}
	preview, err := a.reader.PreviewDecrease(ctx, a.session.Address, lot.Token, units)
	if err != nil {
		return Preview{}, Classify(op, readFailure("previewDecrease", err))
	}
	return preview, nil
}

func (a *PositionActions) submitDeposit(ctx context.Context, token common.Address, units *big.Int, amount string) (Record, error) {
	return a.execute(ctx, Request{
		Operation: OpDeposit,
		Token:     token,
		Amount:    amount,
		Submit: func(ctx context.Context) (common.Hash, error) {
			return a.writer.DepositCollateral(ctx, token, units)
		},
	})
}

func (a *PositionActions) approvalRequest(pending PendingApproval) Request {
	token := pending.Token
	return Request{
		Operation: OpApprove,
		Token:     token,
		Amount:    pending.Amount,
		Submit: func(ctx context.Context) (common.Hash, error) {
			return a.auth.Approve(ctx, token, a.gate.Spender(), srub.MaxUint256())
		},
		OnConfirmed: a.resumeDeposit,
		OnFailed:    a.dropPending,
	}
}

func (a *PositionActions) execute(ctx context.Context, req Request) (Record, error) {
	req.OnFailed = a.dropPending
	return a.seq.Execute(ctx, req)
}

// dropPending clears the parked deposit after any failed transaction.
func (a *PositionActions) dropPending(txErr *TxError) {
	pending, ok := a.gate.Clear()
	if !ok {
		return
	}
	a.logger.Info("pending approval dropped after failure",
		slog.String("op", txErr.Op),
		slog.String("token", pending.Token.Hex()),
		slog.String("amount", pending.Amount))
}

// resumeDeposit is the second phase of approve-then-deposit. It runs only
// after the approval confirmed.
func (a *PositionActions) resumeDeposit(ctx context.Context) error {
	pending, ok := a.gate.Clear()
	if !ok {
		a.logger.Info("approval confirmed with no pending deposit")
		return nil
	}
	units, err := srub.ParseAmount(pending.Amount)
	if err != nil {
		return err
	}
	_, err = a.submitDeposit(ctx, pending.Token, units, pending.Amount)
	if errors.Is(err, ErrTransactionInFlight) {
		txErr := Classify(string(OpDeposit), err)
		a.notifier.Notify(Notification{
			Level:     LevelError,
			Title:     failedTitle(OpDeposit),
			Message:   txErr.Message(),
			Operation: OpDeposit,
			Kind:      txErr.Kind,
			Time:      a.now(),
		})
	}
	return err
}

func (a *PositionActions) snapshot(ctx context.Context) (srub.Snapshot, error) {
	if snap, ok := a.query.Current(); ok {
		return snap, nil
	}
	return a.query.Refresh(ctx, a.session.Address, a.params())
}

func (a *PositionActions) requireSession(op string) error {
	if !a.session.Connected() {
		return Classify(op, ErrNotConnected)
	}
	return nil
}
