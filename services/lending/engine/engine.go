package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/native/srub"
	"ofzlend/observability/metrics"
)

// Engine describes the operations served by the lending API and CLI for one
// connected wallet.
type Engine interface {
	Session() Session
	Dashboard(ctx context.Context, refresh bool) (Dashboard, error)
	Deposit(ctx context.Context, token common.Address, amount string) (Record, error)
	Withdraw(ctx context.Context, amount string) (Record, error)
	Borrow(ctx context.Context, amount string) (Record, error)
	Repay(ctx context.Context, amount string) (Record, error)
	Approve(ctx context.Context) (Record, error)
	CancelApproval() (PendingApproval, error)
	PreviewWithdraw(ctx context.Context, amount string) (Preview, error)
	Sequencer() SequencerStatus
	Resolution(id string) (Resolution, bool)
	Wait(ctx context.Context) error
}

// Dashboard is the position view together with derived risk metrics and the
// engine's transient state.
type Dashboard struct {
	Snapshot        srub.Snapshot
	Metrics         srub.HealthMetrics
	Params          srub.RiskParameters
	PendingApproval *PendingApproval
	Sequencer       SequencerStatus
}

// Config holds the static inputs of an engine.
type Config struct {
	Session Session
	// Spender is the sRUB contract that pulls collateral on deposit.
	Spender        common.Address
	Params         srub.RiskParameters
	SettleDelay    time.Duration
	ConfirmTimeout time.Duration
}

// Option customises the engine.
type Option func(*options)

type options struct {
	notifier Notifier
	journal  Journal
	logger   *slog.Logger
	metrics  *metrics.LendingMetrics
	clock    func() time.Time
}

// WithEngineNotifier sets the notification sink.
func WithEngineNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithEngineJournal persists transaction records.
func WithEngineJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *metrics.LendingMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEngineClock sets the timestamp source.
func WithEngineClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// Lending composes the position query, allowance gate, sequencer and actions
// for one session.
type Lending struct {
	cfg     Config
	reader  LedgerReader
	query   *PositionQuery
	gate    *AllowanceGate
	seq     *Sequencer
	actions *PositionActions
	logger  *slog.Logger
}

var _ Engine = (*Lending)(nil)

// New wires an engine over the ledger collaborators.
func New(cfg Config, reader LedgerReader, writer LedgerWriter, auth TokenAuthorizer, confirmer Confirmer, opts ...Option) (*Lending, error) {
	if reader == nil || writer == nil || auth == nil || confirmer == nil {
		return nil, errors.New("lending: ledger collaborators required")
	}
	if cfg.Spender == (common.Address{}) {
		return nil, errors.New("lending: spender contract required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	l := &Lending{cfg: cfg, reader: reader, logger: o.logger}
	l.query = NewPositionQuery(reader, o.logger, o.metrics, o.clock)
	l.gate = NewAllowanceGate(auth, cfg.Spender, o.logger, o.clock)

	seqOpts := []SequencerOption{
		WithNotifier(notifier),
		WithRefresher(func(ctx context.Context) error {
			_, err := l.query.Refresh(ctx, cfg.Session.Address, cfg.Params)
			return err
		}),
		WithJournal(o.journal),
		WithSequencerLogger(o.logger),
		WithSequencerMetrics(o.metrics),
		WithClock(o.clock),
		WithConfirmTimeout(cfg.ConfirmTimeout),
	}
	if cfg.SettleDelay > 0 {
		seqOpts = append(seqOpts, WithSettleDelay(cfg.SettleDelay))
	}
	l.seq = NewSequencer(confirmer, seqOpts...)

	l.actions = &PositionActions{
		session:  cfg.Session,
		reader:   reader,
		writer:   writer,
		auth:     auth,
		gate:     l.gate,
		query:    l.query,
		seq:      l.seq,
		notifier: notifier,
		params:   func() srub.RiskParameters { return cfg.Params },
		logger:   o.logger,
		now:      o.clock,
	}
	return l, nil
}

func (l *Lending) Session() Session { return l.cfg.Session }

// Query exposes the position read model.
func (l *Lending) Query() *PositionQuery { return l.query }

// Gate exposes the allowance gate.
func (l *Lending) Gate() *AllowanceGate { return l.gate }

// Dashboard returns the current position and metrics, fetching from the
// ledger when refresh is set or nothing has been loaded yet.
func (l *Lending) Dashboard(ctx context.Context, refresh bool) (Dashboard, error) {
	if !l.cfg.Session.Connected() {
		return Dashboard{}, Classify("position", ErrNotConnected)
	}
	snap, ok := l.query.Current()
	if refresh || !ok {
		var err error
		snap, err = l.query.Refresh(ctx, l.cfg.Session.Address, l.cfg.Params)
		if err != nil {
			return Dashboard{}, Classify("position", err)
		}
	}
	dash := Dashboard{
		Snapshot:  snap,
		Metrics:   srub.ComputeMetrics(snap, l.cfg.Params),
		Params:    l.cfg.Params,
		Sequencer: l.seq.Status(),
	}
	if pending, ok := l.gate.Pending(); ok {
		dash.PendingApproval = &pending
	}
	return dash, nil
}

func (l *Lending) Deposit(ctx context.Context, token common.Address, amount string) (Record, error) {
	return l.actions.Deposit(ctx, token, amount)
}

func (l *Lending) Withdraw(ctx context.Context, amount string) (Record, error) {
	return l.actions.Withdraw(ctx, amount)
}

func (l *Lending) Borrow(ctx context.Context, amount string) (Record, error) {
	return l.actions.Borrow(ctx, amount)
}

func (l *Lending) Repay(ctx context.Context, amount string) (Record, error) {
	return l.actions.Repay(ctx, amount)
}

func (l *Lending) Approve(ctx context.Context) (Record, error) {
	return l.actions.Approve(ctx)
}

func (l *Lending) CancelApproval() (PendingApproval, error) {
	return l.actions.CancelApproval()
}

func (l *Lending) PreviewWithdraw(ctx context.Context, amount string) (Preview, error) {
	return l.actions.PreviewWithdraw(ctx, amount)
}

func (l *Lending) Sequencer() SequencerStatus { return l.seq.Status() }

func (l *Lending) Resolution(id string) (Resolution, bool) { return l.seq.Resolution(id) }

func (l *Lending) Wait(ctx context.Context) error { return l.seq.Wait(ctx) }

// Close stops background confirmation tracking.
func (l *Lending) Close() { l.seq.Close() }

// VerifyParameters compares the configured risk parameters with the ones the
// ledger reports and returns the drifted fields.
func (l *Lending) VerifyParameters(ctx context.Context) ([]string, error) {
	onchain, err := l.reader.RiskParameters(ctx)
	if err != nil {
		return nil, readFailure("protocol parameters", err)
	}
	drift := l.cfg.Params.Drift(onchain)
	for _, field := range drift {
		l.logger.Warn("protocol parameter drift", slog.String("field", field))
	}
	return drift, nil
}

// Resume adopts a journaled pending transaction. A pending approval also
// restores the parked deposit so it runs once the approval confirms.
func (l *Lending) Resume(rec Record) error {
	var req Request
	switch rec.Operation {
	case OpApprove:
		if rec.Amount == "" || rec.Token == (common.Address{}) {
			return fmt.Errorf("lending: approval record %s has no deposit to resume", rec.ID)
		}
		pending := PendingApproval{Token: rec.Token, Amount: rec.Amount, RequestedAt: rec.SubmittedAt}
		l.gate.restore(pending)
		req = l.actions.approvalRequest(pending)
	case OpDeposit, OpWithdraw, OpBorrow, OpRepay:
		req = Request{Operation: rec.Operation, Token: rec.Token, Amount: rec.Amount, OnFailed: l.actions.dropPending}
	default:
		return fmt.Errorf("lending: unknown operation %q", rec.Operation)
	}
	return l.seq.Adopt(rec, req)
}
