package srub

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	hundred     = big.NewInt(100)
	basisPoints = big.NewInt(10_000)
	// Position health above this raw percent (1e10 as a ratio) is reported
	// as infinite. The ledger returns values this large when there is no
	// debt.
	infiniteHealthRaw = new(big.Int).Mul(big.NewInt(10_000_000_000), hundred)
)

// Tier is the presentation bucket of a health factor.
type Tier string

const (
	TierSafe    Tier = "safe"
	TierWarning Tier = "warning"
	TierDanger  Tier = "danger"
)

// HealthFactor wraps the ledger's percent-scaled position health. A raw value
// of 150 is a health factor of 1.50.
type HealthFactor struct {
	raw *big.Int
}

// NewHealthFactor builds a health factor from the raw percent value returned
// by the ledger.
func NewHealthFactor(raw *big.Int) HealthFactor {
	return HealthFactor{raw: cloneInt(raw)}
}

// Raw returns a copy of the percent-scaled value.
func (h HealthFactor) Raw() *big.Int {
	return cloneInt(h.raw)
}

// Infinite reports whether the value is beyond the display sanity threshold.
func (h HealthFactor) Infinite() bool {
	return h.raw != nil && h.raw.Cmp(infiniteHealthRaw) > 0
}

// Ratio returns the health factor as a decimal ratio. Infinite values are
// returned unclamped.
func (h HealthFactor) Ratio() decimal.Decimal {
	if h.raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(h.raw, -2)
}

// String renders the health factor with two decimals, or "∞".
func (h HealthFactor) String() string {
	if h.Infinite() {
		return "∞"
	}
	return h.Ratio().StringFixed(2)
}

// MarshalText lets the health factor appear as its display string in JSON.
func (h HealthFactor) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// ClassifyHealth buckets a health factor for display. It never blocks an
// action; the ledger decides solvency.
func ClassifyHealth(h HealthFactor) Tier {
	if h.Infinite() {
		return TierSafe
	}
	raw := h.Raw()
	switch {
	case raw.Cmp(big.NewInt(SafeHealthPercent)) >= 0:
		return TierSafe
	case raw.Cmp(big.NewInt(WarningHealthPercent)) >= 0:
		return TierWarning
	default:
		return TierDanger
	}
}

// ComputeLTV returns debt over collateral value in basis points. It returns
// zero when either side is zero or missing, so it never fails.
func ComputeLTV(debt, collateralValue *big.Int) *big.Int {
	if sign(debt) <= 0 || sign(collateralValue) <= 0 {
		return new(big.Int)
	}
	scaled := new(big.Int).Mul(debt, basisPoints)
	return scaled.Quo(scaled, collateralValue)
}

// FormatLTV renders a basis point LTV as a percentage with one decimal.
func FormatLTV(bps *big.Int) string {
	return decimal.NewFromBigInt(orZero(bps), -2).StringFixed(1)
}

// DeriveHealth computes position health from collateral value and debt the
// way the ledger does. It is used when only value and debt are known.
func DeriveHealth(collateralValue, debt *big.Int) HealthFactor {
	if sign(debt) <= 0 {
		return NewHealthFactor(MaxUint256())
	}
	scaled := new(big.Int).Mul(orZero(collateralValue), hundred)
	return NewHealthFactor(scaled.Quo(scaled, debt))
}

// Liquidatable reports whether collateral no longer covers debt at the
// liquidation threshold. Any LTV above 100% is liquidatable because the
// threshold is validated to be at least 100%.
func Liquidatable(collateralValue, debt *big.Int, params RiskParameters) bool {
	if sign(debt) <= 0 {
		return false
	}
	threshold := params.LiquidationThreshold
	if threshold < 100 {
		threshold = 100
	}
	lhs := new(big.Int).Mul(orZero(collateralValue), hundred)
	rhs := new(big.Int).Mul(debt, new(big.Int).SetUint64(threshold))
	return lhs.Cmp(rhs) < 0
}

// BorrowHeadroom is the additional sRUB that could be minted before the
// collateralization ratio is reached. It is advisory; the ledger may still
// reject a borrow.
func BorrowHeadroom(collateralValue, debt *big.Int, params RiskParameters) *big.Int {
	ratio := params.CollateralizationRatio
	if ratio == 0 {
		return new(big.Int)
	}
	capacity := new(big.Int).Mul(orZero(collateralValue), hundred)
	capacity.Quo(capacity, new(big.Int).SetUint64(ratio))
	capacity.Sub(capacity, orZero(debt))
	if capacity.Sign() < 0 {
		return new(big.Int)
	}
	return capacity
}

// HealthMetrics is the derived risk view of a snapshot.
type HealthMetrics struct {
	CollateralValue *big.Int
	Debt            *big.Int
	HealthFactor    HealthFactor
	Tier            Tier
	LoanToValueBps  *big.Int
	Liquidatable    bool
	BorrowHeadroom  *big.Int

	// LiquidationProximityBps is LTV as a share of the liquidation
	// threshold, clamped to [0, 10000].
	LiquidationProximityBps *big.Int
}

// ComputeMetrics derives health metrics from a snapshot. When the ledger did
// not report position health the value is derived from collateral and debt.
func ComputeMetrics(snap Snapshot, params RiskParameters) HealthMetrics {
	value := orZero(snap.CollateralValue)
	debt := orZero(snap.Position.DebtAmount)
	health := snap.Health
	if health.raw == nil {
		health = DeriveHealth(value, debt)
	}
	return HealthMetrics{
		CollateralValue: cloneInt(value),
		Debt:            cloneInt(debt),
		HealthFactor:    health,
		Tier:            ClassifyHealth(health),
		LoanToValueBps:  ComputeLTV(debt, value),
		Liquidatable:    Liquidatable(value, debt, params),
		BorrowHeadroom:  BorrowHeadroom(value, debt, params),

		LiquidationProximityBps: LiquidationProximity(ComputeLTV(debt, value), params),
	}
}

// LiquidationProximity expresses an LTV in basis points as a share of the
// liquidation threshold. 10000 means the position is at the threshold.
func LiquidationProximity(ltvBps *big.Int, params RiskParameters) *big.Int {
	if sign(ltvBps) <= 0 || params.LiquidationThreshold == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(ltvBps, hundred)
	out.Quo(out, new(big.Int).SetUint64(params.LiquidationThreshold))
	if out.Cmp(basisPoints) > 0 {
		return new(big.Int).Set(basisPoints)
	}
	return out
}
