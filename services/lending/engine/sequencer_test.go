package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	legal := []struct {
		from State
		ev   Event
		to   State
	}{
		{StateIdle, EventSubmit, StateSubmitting},
		{StateSubmitting, EventSigned, StatePending},
		{StateSubmitting, EventCancel, StateFailed},
		{StateSubmitting, EventFailed, StateFailed},
		{StatePending, EventConfirmed, StateConfirmed},
		{StatePending, EventFailed, StateFailed},
		{StateConfirmed, EventReset, StateIdle},
		{StateFailed, EventReset, StateIdle},
	}
	for _, tc := range legal {
		got, err := nextState(tc.from, tc.ev)
		if err != nil || got != tc.to {
			t.Fatalf("%s on %s: expected %s, got %s (%v)", tc.ev, tc.from, tc.to, got, err)
		}
	}

	illegal := []struct {
		from State
		ev   Event
	}{
		{StateIdle, EventConfirmed},
		{StateIdle, EventSigned},
		{StatePending, EventSubmit},
		{StatePending, EventCancel},
		{StateConfirmed, EventFailed},
		{StateSubmitting, EventConfirmed},
	}
	for _, tc := range illegal {
		if _, err := nextState(tc.from, tc.ev); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("%s on %s: expected illegal transition, got %v", tc.ev, tc.from, err)
		}
	}
}

func TestSequencerWaitReturnsWhenIdle(t *testing.T) {
	t.Parallel()

	seq := NewSequencer(&fakeConfirmer{}, WithSettleDelay(0))
	defer seq.Close()
	if err := seq.Wait(context.Background()); err != nil {
		t.Fatalf("wait on idle sequencer: %v", err)
	}
}

func TestSequencerRunsFollowUpAfterIdle(t *testing.T) {
	t.Parallel()

	seq := NewSequencer(&fakeConfirmer{}, WithSettleDelay(time.Millisecond))
	defer seq.Close()

	followed := make(chan State, 1)
	_, err := seq.Execute(context.Background(), Request{
		Operation: OpApprove,
		Submit: func(context.Context) (common.Hash, error) {
			return common.HexToHash("0x01"), nil
		},
		OnConfirmed: func(context.Context) error {
			followed <- seq.State()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := seq.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state := <-followed; state != StateIdle {
		t.Fatalf("follow-up ran in state %s", state)
	}
}

func TestSequencerCloseRejectsNewWork(t *testing.T) {
	t.Parallel()

	seq := NewSequencer(&fakeConfirmer{})
	seq.Close()
	_, err := seq.Execute(context.Background(), Request{
		Operation: OpBorrow,
		Submit: func(context.Context) (common.Hash, error) {
			t.Fatalf("submit must not run after close")
			return common.Hash{}, nil
		},
	})
	if !errors.Is(err, ErrSequencerClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
