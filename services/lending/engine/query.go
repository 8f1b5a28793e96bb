package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/native/srub"
	"ofzlend/observability/metrics"
)

// PositionQuery reads a wallet's position from the ledger and owns the
// current read model. Refreshes replace the model wholesale.
type PositionQuery struct {
	reader  LedgerReader
	logger  *slog.Logger
	metrics *metrics.LendingMetrics
	now     func() time.Time

	mu      sync.RWMutex
	current srub.Snapshot
	loaded  bool
}

// NewPositionQuery builds a query over the supplied reader.
func NewPositionQuery(reader LedgerReader, logger *slog.Logger, m *metrics.LendingMetrics, clock func() time.Time) *PositionQuery {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &PositionQuery{reader: reader, logger: logger, metrics: m, now: clock}
}

// FetchPosition reads debt, collateral value, health and every collateral lot
// for owner. An unreadable lot is logged and counted as zero; failures of the
// aggregate reads are returned.
func (q *PositionQuery) FetchPosition(ctx context.Context, owner common.Address) (srub.Snapshot, error) {
	if owner == (common.Address{}) {
		return srub.Snapshot{}, ErrNotConnected
	}
	debt, err := q.reader.UserDebt(ctx, owner)
	if err != nil {
		return srub.Snapshot{}, readFailure("getUserDebt", err)
	}
	value, err := q.reader.TotalCollateralValue(ctx, owner)
	if err != nil {
		return srub.Snapshot{}, readFailure("getTotalCollateralValue", err)
	}
	health, err := q.reader.PositionHealth(ctx, owner)
	if err != nil {
		return srub.Snapshot{}, readFailure("getPositionHealth", err)
	}
	tokens, err := q.reader.UserCollaterals(ctx, owner)
	if err != nil {
		return srub.Snapshot{}, readFailure("getUserCollaterals", err)
	}

	total := new(big.Int)
	lots := make([]srub.CollateralLot, 0, len(tokens))
	for _, token := range tokens {
		amount, err := q.reader.UserCollateralAmount(ctx, owner, token)
		if err != nil || amount == nil {
			q.logger.Warn("collateral amount read failed; treating as zero",
				slog.String("owner", owner.Hex()),
				slog.String("token", token.Hex()),
				slog.Any("error", err))
			q.metrics.RecordLotReadFailure()
			amount = new(big.Int)
		}
		lots = append(lots, srub.CollateralLot{Token: token, Amount: new(big.Int).Set(amount)})
		total.Add(total, amount)
	}

	position := srub.Position{
		CollateralAmount: total,
		DebtAmount:       nonNil(debt),
	}
	if len(lots) > 0 {
		position.CollateralToken = lots[0].Token
	}
	return srub.Snapshot{
		Owner:           owner,
		Position:        position,
		Lots:            lots,
		CollateralValue: nonNil(value),
		Health:          srub.NewHealthFactor(health),
		FetchedAt:       q.now(),
	}, nil
}

// Refresh fetches the position and replaces the read model. The previous
// model is kept when the fetch fails.
func (q *PositionQuery) Refresh(ctx context.Context, owner common.Address, params srub.RiskParameters) (srub.Snapshot, error) {
	start := q.now()
	snap, err := q.FetchPosition(ctx, owner)
	if err != nil {
		return srub.Snapshot{}, err
	}
	q.metrics.ObserveRefresh(q.now().Sub(start))
	risk := srub.ComputeMetrics(snap, params)
	ratio, _ := risk.HealthFactor.Ratio().Float64()
	q.metrics.SetPositionRisk(ratio, risk.HealthFactor.Infinite(), risk.LoanToValueBps.Int64())

	q.mu.Lock()
	q.current = snap
	q.loaded = true
	q.mu.Unlock()
	return snap.Clone(), nil
}

// Current returns a copy of the read model and whether one has been loaded.
func (q *PositionQuery) Current() (srub.Snapshot, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.loaded {
		return srub.Snapshot{}, false
	}
	return q.current.Clone(), true
}

func readFailure(call string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrReadFailure, call, err)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
