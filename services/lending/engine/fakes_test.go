package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/native/srub"
)

var (
	testOwner   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testSpender = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testTokenA  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	testTokenB  = common.HexToAddress("0x0000000000000000000000000000000000000a02")
)

type ledgerCall struct {
	method string
	token  common.Address
	amount *big.Int
}

// fakeLedger is an in-memory sRUB contract. Writes are recorded and their
// effects applied when the transaction is confirmed.
type fakeLedger struct {
	mu sync.Mutex

	debt      *big.Int
	value     *big.Int
	health    *big.Int
	tokens    []common.Address
	amounts   map[common.Address]*big.Int
	allowance map[common.Address]*big.Int
	params    srub.RiskParameters

	debtErr      error
	lotErr       map[common.Address]error
	allowanceErr error

	depositFn  func(token common.Address, amount *big.Int) (common.Hash, error)
	decreaseFn func(token common.Address, amount *big.Int) (common.Hash, error)
	increaseFn func(amount *big.Int) (common.Hash, error)
	approveFn  func(token common.Address, amount *big.Int) (common.Hash, error)
	previewFn  func(token common.Address, amount *big.Int) (Preview, error)

	calls   []ledgerCall
	reads   int
	nonce   int64
	effects map[common.Hash]func()
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		debt:      big.NewInt(0),
		value:     big.NewInt(0),
		health:    srub.MaxUint256(),
		amounts:   make(map[common.Address]*big.Int),
		allowance: make(map[common.Address]*big.Int),
		lotErr:    make(map[common.Address]error),
		params:    srub.DefaultRiskParameters(),
		effects:   make(map[common.Hash]func()),
	}
}

func (f *fakeLedger) UserDebt(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.debtErr != nil {
		return nil, f.debtErr
	}
	return new(big.Int).Set(f.debt), nil
}

func (f *fakeLedger) TotalCollateralValue(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.value), nil
}

func (f *fakeLedger) UserCollaterals(context.Context, common.Address) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.tokens...), nil
}

func (f *fakeLedger) UserCollateralAmount(_ context.Context, _ common.Address, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lotErr[token]; err != nil {
		return nil, err
	}
	if amt, ok := f.amounts[token]; ok {
		return new(big.Int).Set(amt), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) PositionHealth(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.health), nil
}

func (f *fakeLedger) PreviewDecrease(_ context.Context, _ common.Address, token common.Address, amount *big.Int) (Preview, error) {
	if f.previewFn != nil {
		return f.previewFn(token, amount)
	}
	return Preview{CanWithdraw: true, SRUBToBurn: big.NewInt(0)}, nil
}

func (f *fakeLedger) RiskParameters(context.Context) (srub.RiskParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params, nil
}

func (f *fakeLedger) DepositCollateral(_ context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	if f.depositFn != nil {
		return f.depositFn(token, amount)
	}
	return f.record("depositCollateral", token, amount, func() {
		if _, ok := f.amounts[token]; !ok {
			f.tokens = append(f.tokens, token)
			f.amounts[token] = new(big.Int)
		}
		f.amounts[token].Add(f.amounts[token], amount)
		f.value.Add(f.value, amount)
	}), nil
}

func (f *fakeLedger) DecreasePosition(_ context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	if f.decreaseFn != nil {
		return f.decreaseFn(token, amount)
	}
	return f.record("decreasePosition", token, amount, func() {
		if amt, ok := f.amounts[token]; ok {
			amt.Sub(amt, amount)
		}
	}), nil
}

func (f *fakeLedger) IncreasePosition(_ context.Context, amount *big.Int) (common.Hash, error) {
	if f.increaseFn != nil {
		return f.increaseFn(amount)
	}
	return f.record("increasePosition", common.Address{}, amount, func() {
		f.debt.Add(f.debt, amount)
	}), nil
}

func (f *fakeLedger) Allowance(_ context.Context, token, _, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spender != testSpender {
		return nil, fmt.Errorf("unexpected spender %s", spender.Hex())
	}
	if f.allowanceErr != nil {
		return nil, f.allowanceErr
	}
	if amt, ok := f.allowance[token]; ok {
		return new(big.Int).Set(amt), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) Approve(_ context.Context, token, _ common.Address, amount *big.Int) (common.Hash, error) {
	if f.approveFn != nil {
		return f.approveFn(token, amount)
	}
	return f.record("approve", token, amount, func() {
		f.allowance[token] = new(big.Int).Set(amount)
	}), nil
}

func (f *fakeLedger) record(method string, token common.Address, amount *big.Int, effect func()) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	hash := common.BigToHash(big.NewInt(f.nonce))
	f.calls = append(f.calls, ledgerCall{method: method, token: token, amount: new(big.Int).Set(amount)})
	f.effects[hash] = effect
	return hash
}

func (f *fakeLedger) apply(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if effect, ok := f.effects[hash]; ok {
		effect()
		delete(f.effects, hash)
	}
}

func (f *fakeLedger) callLog() []ledgerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledgerCall(nil), f.calls...)
}

// fakeConfirmer applies ledger effects on confirmation. When gate is set each
// confirmation waits for a value on it.
type fakeConfirmer struct {
	ledger *fakeLedger
	gate   chan struct{}
	waitFn func(ctx context.Context, hash common.Hash) error
}

func (c *fakeConfirmer) WaitConfirmed(ctx context.Context, hash common.Hash) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.waitFn != nil {
		if err := c.waitFn(ctx, hash); err != nil {
			return err
		}
	}
	if c.ledger != nil {
		c.ledger.apply(hash)
	}
	return nil
}

type notificationLog struct {
	mu    sync.Mutex
	items []Notification
}

func (n *notificationLog) Notify(item Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *notificationLog) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.items))
	for i, item := range n.items {
		out[i] = item.Title
	}
	return out
}

func (n *notificationLog) last() Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.items) == 0 {
		return Notification{}
	}
	return n.items[len(n.items)-1]
}

type memoryJournal struct {
	mu      sync.Mutex
	records []Record
}

func (j *memoryJournal) SaveRecord(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memoryJournal) states(id string) []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []State
	for _, rec := range j.records {
		if rec.ID == id {
			out = append(out, rec.State)
		}
	}
	return out
}

type harness struct {
	ledger    *fakeLedger
	confirmer *fakeConfirmer
	notes     *notificationLog
	journal   *memoryJournal
	engine    *Lending
}

func newHarness(ledger *fakeLedger, gated bool) *harness {
	h := &harness{
		ledger:    ledger,
		confirmer: &fakeConfirmer{ledger: ledger},
		notes:     &notificationLog{},
		journal:   &memoryJournal{},
	}
	if gated {
		h.confirmer.gate = make(chan struct{}, 4)
	}
	eng, err := New(Config{
		Session:     Session{Address: testOwner},
		Spender:     testSpender,
		Params:      srub.DefaultRiskParameters(),
		SettleDelay: 5 * time.Millisecond,
	}, ledger, ledger, ledger, h.confirmer,
		WithEngineNotifier(h.notes),
		WithEngineJournal(h.journal),
	)
	if err != nil {
		panic(err)
	}
	h.engine = eng
	return h
}
