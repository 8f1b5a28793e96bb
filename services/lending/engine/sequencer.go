package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"ofzlend/observability/metrics"
)

// State is a TransactionSequencer state.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePending    State = "pending"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// Event drives a state transition.
type Event string

const (
	EventSubmit    Event = "submit"
	EventSigned    Event = "signed"
	EventConfirmed Event = "confirmed"
	EventFailed    Event = "failed"
	EventCancel    Event = "cancel"
	EventReset     Event = "reset"
)

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventSubmit: StateSubmitting,
	},
	StateSubmitting: {
		EventSigned: StatePending,
		EventFailed: StateFailed,
		EventCancel: StateFailed,
	},
	StatePending: {
		EventConfirmed: StateConfirmed,
		EventFailed:    StateFailed,
	},
	StateConfirmed: {
		EventReset: StateIdle,
	},
	StateFailed: {
		EventReset: StateIdle,
	},
}

// nextState applies ev to from using the transition table.
func nextState(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}

// Record tracks one transaction from submission to resolution. Parent is set
// on follow-up transactions to the record whose confirmation triggered them.
type Record struct {
	ID          string         `json:"id"`
	Operation   Operation      `json:"operation"`
	Token       common.Address `json:"token"`
	Amount      string         `json:"amount"`
	Hash        common.Hash    `json:"hash"`
	State       State          `json:"state"`
	Parent      string         `json:"parent,omitempty"`
	Kind        Kind           `json:"kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	ResolvedAt  time.Time      `json:"resolvedAt,omitempty"`
}

// Journal persists record transitions so pending transactions survive a
// restart.
type Journal interface {
	SaveRecord(Record) error
}

// Request describes one mutation handed to the sequencer.
type Request struct {
	Operation Operation
	Token     common.Address
	Amount    string
	// Submit signs and broadcasts the transaction.
	Submit func(ctx context.Context) (common.Hash, error)
	// OnConfirmed runs after the sequencer is idle again and the settle
	// delay has passed. The sequencer accepts other requests during that
	// delay, so a follow-up that calls Execute can be rejected with
	// ErrTransactionInFlight and must report that itself. Records it
	// submits carry the confirmed record's ID as Parent.
	OnConfirmed func(ctx context.Context) error
	// OnFailed runs before the sequencer returns to idle.
	OnFailed func(*TxError)
}

// SequencerStatus is a point-in-time view of the sequencer.
type SequencerStatus struct {
	State   State   `json:"state"`
	Current *Record `json:"current,omitempty"`
	Last    *Record `json:"last,omitempty"`
}

// Resolution is a settled record and the follow-up transaction its
// confirmation submitted, if any.
type Resolution struct {
	Record   Record
	FollowUp *Record
}

const resolvedHistory = 32

type parentKey struct{}

func withParent(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, parentKey{}, id)
}

func parentFrom(ctx context.Context) string {
	id, _ := ctx.Value(parentKey{}).(string)
	return id
}

// Sequencer is the single gate for ledger mutations. At most one transaction
// is submitting or pending at any time.
type Sequencer struct {
	confirmer      Confirmer
	notifier       Notifier
	refresh        func(ctx context.Context) error
	journal        Journal
	logger         *slog.Logger
	metrics        *metrics.LendingMetrics
	now            func() time.Time
	settleDelay    time.Duration
	confirmTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	current  *Record
	last     *Record
	resolved []Record
	active   int
	waiters  []chan struct{}
	closed   bool
}

// SequencerOption customises a sequencer.
type SequencerOption func(*Sequencer)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) SequencerOption {
	return func(s *Sequencer) { s.notifier = n }
}

// WithRefresher sets the callback that reloads the position after a
// confirmation.
func WithRefresher(fn func(ctx context.Context) error) SequencerOption {
	return func(s *Sequencer) { s.refresh = fn }
}

// WithJournal persists every record transition.
func WithJournal(j Journal) SequencerOption {
	return func(s *Sequencer) { s.journal = j }
}

// WithSequencerLogger overrides the logger.
func WithSequencerLogger(l *slog.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = l }
}

// WithSequencerMetrics overrides the metrics registry.
func WithSequencerMetrics(m *metrics.LendingMetrics) SequencerOption {
	return func(s *Sequencer) { s.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) SequencerOption {
	return func(s *Sequencer) { s.now = clock }
}

// WithSettleDelay sets the pause between a confirmation and its follow-up
// action.
func WithSettleDelay(d time.Duration) SequencerOption {
	return func(s *Sequencer) { s.settleDelay = d }
}

// WithConfirmTimeout bounds how long a confirmation is awaited. Zero waits
// until the sequencer is closed.
func WithConfirmTimeout(d time.Duration) SequencerOption {
	return func(s *Sequencer) { s.confirmTimeout = d }
}

// NewSequencer constructs an idle sequencer.
func NewSequencer(confirmer Confirmer, opts ...SequencerOption) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		confirmer:   confirmer,
		notifier:    nopNotifier{},
		logger:      slog.Default(),
		now:         time.Now,
		settleDelay: 500 * time.Millisecond,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.metrics.SetSequencerState(string(StateIdle))
	return s
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a transaction is submitting or pending.
func (s *Sequencer) Busy() bool {
	return s.State() != StateIdle
}

// Status returns copies of the current and last records.
func (s *Sequencer) Status() SequencerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SequencerStatus{State: s.state}
	if s.current != nil {
		rec := *s.current
		status.Current = &rec
	}
	if s.last != nil {
		rec := *s.last
		status.Last = &rec
	}
	return status
}

// Execute submits req if the sequencer is idle. It returns once the
// transaction hash is known; confirmation is awaited in the background. A
// request made while another is in flight is rejected, never queued.
func (s *Sequencer) Execute(ctx context.Context, req Request) (Record, error) {
	op := string(req.Operation)
	if req.Submit == nil {
		return Record{}, fmt.Errorf("lending: %s has no submitter", op)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record{}, ErrSequencerClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		s.metrics.ObserveTransaction(op, "rejected_in_flight")
		return Record{}, Classify(op, ErrTransactionInFlight)
	}
	rec := &Record{
		ID:          uuid.NewString(),
		Operation:   req.Operation,
		Token:       req.Token,
		Amount:      req.Amount,
		Parent:      parentFrom(ctx),
		SubmittedAt: s.now(),
	}
	if err := s.transitionLocked(rec, EventSubmit); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	s.current = rec
	s.active++
	s.mu.Unlock()

	hash, err := req.Submit(ctx)
	if err != nil {
		txErr := Classify(op, err)
		ev := EventFailed
		if txErr.Kind == KindUserRejected {
			ev = EventCancel
		}
		out := s.fail(rec, ev, txErr, req)
		s.done()
		return out, txErr
	}

	s.mu.Lock()
	rec.Hash = hash
	if err := s.transitionLocked(rec, EventSigned); err != nil {
		s.mu.Unlock()
		s.done()
		return Record{}, err
	}
	out := *rec
	s.mu.Unlock()

	s.save(out)
	s.logger.Info("transaction submitted",
		slog.String("id", out.ID),
		slog.String("operation", op),
		slog.String("hash", hash.Hex()))
	s.notifier.Notify(Notification{
		Level:     LevelInfo,
		Title:     initiatedTitle(req.Operation),
		Message:   "Transaction submitted: " + hash.Hex(),
		Operation: req.Operation,
		Hash:      hash,
		RecordID:  out.ID,
		Time:      s.now(),
	})

	go s.await(rec, req)
	return out, nil
}

// Adopt resumes tracking of a transaction that was pending when the process
// stopped. req supplies the follow-up hooks; its Submit is ignored.
func (s *Sequencer) Adopt(rec Record, req Request) error {
	if rec.State != StatePending || rec.Hash == (common.Hash{}) {
		return fmt.Errorf("lending: record %s is not pending", rec.ID)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSequencerClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrTransactionInFlight
	}
	adopted := rec
	s.state = StatePending
	s.current = &adopted
	s.active++
	s.mu.Unlock()
	s.metrics.SetSequencerState(string(StatePending))

	req.Operation = rec.Operation
	s.logger.Info("resuming pending transaction",
		slog.String("id", rec.ID),
		slog.String("operation", string(rec.Operation)),
		slog.String("hash", rec.Hash.Hex()))
	go s.await(&adopted, req)
	return nil
}

// Resolution returns the settled record with the given ID together with the
// follow-up it triggered. Only recently settled records are kept.
func (s *Sequencer) Resolution(id string) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Resolution
	found := false
	for i := len(s.resolved) - 1; i >= 0; i-- {
		rec := s.resolved[i]
		switch {
		case rec.ID == id:
			out.Record = rec
			found = true
		case rec.Parent == id && out.FollowUp == nil:
			followUp := rec
			out.FollowUp = &followUp
		}
	}
	return out, found
}

// Wait blocks until the sequencer is idle and no follow-up action is
// scheduled.
func (s *Sequencer) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background confirmation waits. Pending records stay in the
// journal for the next start.
func (s *Sequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Sequencer) await(rec *Record, req Request) {
	defer s.done()

	ctx := s.ctx
	if s.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.confirmTimeout)
		defer cancel()
	}
	op := string(req.Operation)

	if err := s.confirmer.WaitConfirmed(ctx, rec.Hash); err != nil {
		if s.ctx.Err() != nil {
			s.logger.Info("sequencer closed while awaiting confirmation",
				slog.String("id", rec.ID),
				slog.String("hash", rec.Hash.Hex()))
			return
		}
		s.fail(rec, EventFailed, Classify(op, err), req)
		return
	}

	s.mu.Lock()
	rec.ResolvedAt = s.now()
	if err := s.transitionLocked(rec, EventConfirmed); err != nil {
		s.mu.Unlock()
		s.logger.Error("confirmation transition rejected", slog.Any("error", err))
		return
	}
	confirmed := *rec
	s.mu.Unlock()

	s.save(confirmed)
	s.metrics.ObserveTransaction(op, "confirmed")
	s.metrics.ObserveConfirmation(op, confirmed.ResolvedAt.Sub(confirmed.SubmittedAt))

	if s.refresh != nil {
		if err := s.refresh(s.ctx); err != nil {
			s.logger.Warn("position refresh after confirmation failed",
				slog.String("id", rec.ID),
				slog.Any("error", err))
		}
	}
	s.notifier.Notify(Notification{
		Level:     LevelSuccess,
		Title:     confirmedTitle,
		Message:   confirmedMessage(req.Operation),
		Operation: req.Operation,
		Hash:      rec.Hash,
		RecordID:  rec.ID,
		Time:      s.now(),
	})
	s.reset(rec)

	if req.OnConfirmed == nil {
		return
	}
	if s.settleDelay > 0 {
		timer := time.NewTimer(s.settleDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
	if err := req.OnConfirmed(withParent(s.ctx, rec.ID)); err != nil {
		s.logger.Warn("follow-up action failed",
			slog.String("after", rec.ID),
			slog.Any("error", err))
	}
}

// fail records the failure, notifies once, runs the request's failure hook
// and returns the sequencer to idle.
func (s *Sequencer) fail(rec *Record, ev Event, txErr *TxError, req Request) Record {
	s.mu.Lock()
	rec.Kind = txErr.Kind
	rec.Error = txErr.Message()
	rec.ResolvedAt = s.now()
	if err := s.transitionLocked(rec, ev); err != nil {
		s.logger.Error("failure transition rejected", slog.Any("error", err))
	}
	failed := *rec
	s.mu.Unlock()

	s.save(failed)
	s.metrics.ObserveTransaction(string(req.Operation), string(txErr.Kind))
	s.logger.Warn("transaction failed",
		slog.String("id", rec.ID),
		slog.String("operation", string(req.Operation)),
		slog.String("kind", string(txErr.Kind)),
		slog.Any("error", txErr.Err))
	s.notifier.Notify(Notification{
		Level:     LevelError,
		Title:     failedTitle(req.Operation),
		Message:   txErr.Message(),
		Operation: req.Operation,
		Hash:      rec.Hash,
		RecordID:  rec.ID,
		Kind:      txErr.Kind,
		Time:      s.now(),
	})
	if req.OnFailed != nil {
		req.OnFailed(txErr)
	}
	s.reset(rec)
	return failed
}

func (s *Sequencer) reset(rec *Record) {
	s.mu.Lock()
	last := *rec
	state := s.state
	if next, err := nextState(state, EventReset); err == nil {
		s.state = next
	}
	s.current = nil
	s.last = &last
	s.resolved = append(s.resolved, last)
	if len(s.resolved) > resolvedHistory {
		s.resolved = append([]Record(nil), s.resolved[len(s.resolved)-resolvedHistory:]...)
	}
	s.mu.Unlock()
	s.metrics.SetSequencerState(string(StateIdle))
}

func (s *Sequencer) transitionLocked(rec *Record, ev Event) error {
	next, err := nextState(s.state, ev)
	if err != nil {
		return err
	}
	s.state = next
	rec.State = next
	s.metrics.SetSequencerState(string(next))
	return nil
}

func (s *Sequencer) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	if s.active == 0 {
		for _, ch := range s.waiters {
			close(ch)
		}
		s.waiters = nil
	}
}

func (s *Sequencer) save(rec Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveRecord(rec); err != nil {
		s.logger.Warn("journal write failed", slog.String("id", rec.ID), slog.Any("error", err))
	}
}
