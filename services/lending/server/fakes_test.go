package server

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/services/lending/engine"
	"ofzlend/services/lending/portfolio"
)

type fakeEngine struct {
	session      engine.Session
	dashboardFn  func(ctx context.Context, refresh bool) (engine.Dashboard, error)
	depositFn    func(ctx context.Context, token common.Address, amount string) (engine.Record, error)
	withdrawFn   func(ctx context.Context, amount string) (engine.Record, error)
	borrowFn     func(ctx context.Context, amount string) (engine.Record, error)
	repayFn      func(ctx context.Context, amount string) (engine.Record, error)
	approveFn    func(ctx context.Context) (engine.Record, error)
	cancelFn     func() (engine.PendingApproval, error)
	previewFn    func(ctx context.Context, amount string) (engine.Preview, error)
	status       engine.SequencerStatus
	resolutionFn func(id string) (engine.Resolution, bool)
	waitFn       func(ctx context.Context) error
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Session() engine.Session { return f.session }

func (f *fakeEngine) Dashboard(ctx context.Context, refresh bool) (engine.Dashboard, error) {
	if f.dashboardFn != nil {
		return f.dashboardFn(ctx, refresh)
	}
	return engine.Dashboard{}, nil
}

func (f *fakeEngine) Deposit(ctx context.Context, token common.Address, amount string) (engine.Record, error) {
	if f.depositFn != nil {
		return f.depositFn(ctx, token, amount)
	}
	return engine.Record{}, nil
}

func (f *fakeEngine) Withdraw(ctx context.Context, amount string) (engine.Record, error) {
	if f.withdrawFn != nil {
		return f.withdrawFn(ctx, amount)
	}
	return engine.Record{}, nil
}

func (f *fakeEngine) Borrow(ctx context.Context, amount string) (engine.Record, error) {
	if f.borrowFn != nil {
		return f.borrowFn(ctx, amount)
	}
	return engine.Record{}, nil
}

func (f *fakeEngine) Repay(ctx context.Context, amount string) (engine.Record, error) {
	if f.repayFn != nil {
		return f.repayFn(ctx, amount)
	}
	return engine.Record{}, nil
}

func (f *fakeEngine) Approve(ctx context.Context) (engine.Record, error) {
	if f.approveFn != nil {
		return f.approveFn(ctx)
	}
	return engine.Record{}, nil
}

func (f *fakeEngine) CancelApproval() (engine.PendingApproval, error) {
	if f.cancelFn != nil {
		return f.cancelFn()
	}
	return engine.PendingApproval{}, nil
}

func (f *fakeEngine) PreviewWithdraw(ctx context.Context, amount string) (engine.Preview, error) {
	if f.previewFn != nil {
		return f.previewFn(ctx, amount)
	}
	return engine.Preview{}, nil
}

func (f *fakeEngine) Sequencer() engine.SequencerStatus { return f.status }

func (f *fakeEngine) Resolution(id string) (engine.Resolution, bool) {
	if f.resolutionFn != nil {
		return f.resolutionFn(id)
	}
	return engine.Resolution{}, false
}

func (f *fakeEngine) Wait(ctx context.Context) error {
	if f.waitFn != nil {
		return f.waitFn(ctx)
	}
	return nil
}

type fakePortfolio struct {
	holdingsFn func(ctx context.Context, owner common.Address) (portfolio.Summary, error)
}

func (f *fakePortfolio) Holdings(ctx context.Context, owner common.Address) (portfolio.Summary, error) {
	return f.holdingsFn(ctx, owner)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []engine.Record
	limit   int
}

func (f *fakeHistory) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func (f *fakeHistory) Recent(limit int) ([]engine.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}
