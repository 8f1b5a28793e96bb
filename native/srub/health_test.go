package srub

import (
	"math/big"
	"testing"
)

func TestComputeLTV(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		debt  *big.Int
		value *big.Int
		want  int64
	}{
		{name: "no debt", debt: big.NewInt(0), value: big.NewInt(200), want: 0},
		{name: "no collateral", debt: big.NewInt(150), value: big.NewInt(0), want: 0},
		{name: "nil inputs", debt: nil, value: nil, want: 0},
		{name: "healthy", debt: big.NewInt(150), value: big.NewInt(200), want: 7500},
		{name: "underwater", debt: big.NewInt(300), value: big.NewInt(200), want: 15000},
		{name: "truncates", debt: big.NewInt(1), value: big.NewInt(3), want: 3333},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ComputeLTV(tc.debt, tc.value)
			if got.Sign() < 0 {
				t.Fatalf("negative LTV %s", got)
			}
			if got.Int64() != tc.want {
				t.Fatalf("expected %d bps, got %s", tc.want, got)
			}
		})
	}
}

func TestFormatLTV(t *testing.T) {
	if got := FormatLTV(big.NewInt(7500)); got != "75.0" {
		t.Fatalf("expected 75.0, got %s", got)
	}
	if got := FormatLTV(nil); got != "0.0" {
		t.Fatalf("expected 0.0, got %s", got)
	}
}

func TestClassifyHealthBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  int64
		want Tier
	}{
		{raw: 100, want: TierDanger},
		{raw: 120, want: TierDanger},
		{raw: 121, want: TierDanger},
		{raw: 124, want: TierDanger},
		{raw: 125, want: TierWarning},
		{raw: 133, want: TierWarning},
		{raw: 174, want: TierWarning},
		{raw: 175, want: TierSafe},
		{raw: 400, want: TierSafe},
	}
	for _, tc := range cases {
		if got := ClassifyHealth(NewHealthFactor(big.NewInt(tc.raw))); got != tc.want {
			t.Fatalf("raw %d: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}

func TestHealthFactorInfinite(t *testing.T) {
	hf := NewHealthFactor(MaxUint256())
	if !hf.Infinite() {
		t.Fatalf("expected max uint256 to be infinite")
	}
	if hf.String() != "∞" {
		t.Fatalf("expected ∞, got %s", hf.String())
	}
	if ClassifyHealth(hf) != TierSafe {
		t.Fatalf("infinite health must be safe")
	}

	edge := NewHealthFactor(new(big.Int).Set(infiniteHealthRaw))
	if edge.Infinite() {
		t.Fatalf("threshold itself is finite")
	}
	if got := NewHealthFactor(big.NewInt(133)).String(); got != "1.33" {
		t.Fatalf("expected 1.33, got %s", got)
	}
}

func TestComputeMetricsScenario(t *testing.T) {
	snap := Snapshot{
		Position:        Position{CollateralAmount: big.NewInt(10), DebtAmount: big.NewInt(150)},
		CollateralValue: big.NewInt(200),
		Health:          NewHealthFactor(big.NewInt(133)),
	}
	m := ComputeMetrics(snap, DefaultRiskParameters())
	if m.LoanToValueBps.Int64() != 7500 {
		t.Fatalf("expected 7500 bps, got %s", m.LoanToValueBps)
	}
	if m.Tier == TierDanger {
		t.Fatalf("expected a healthy margin, got %s", m.Tier)
	}
	if m.Liquidatable {
		t.Fatalf("position above threshold flagged liquidatable")
	}
	if m.BorrowHeadroom.Sign() != 0 {
		t.Fatalf("expected no headroom above 150%% ratio, got %s", m.BorrowHeadroom)
	}
}

func TestLiquidatable(t *testing.T) {
	params := DefaultRiskParameters()
	if !Liquidatable(big.NewInt(119), big.NewInt(100), params) {
		t.Fatalf("119%% backing must be liquidatable at 120%%")
	}
	if Liquidatable(big.NewInt(120), big.NewInt(100), params) {
		t.Fatalf("120%% backing is at the threshold, not below")
	}
	if !Liquidatable(big.NewInt(90), big.NewInt(100), RiskParameters{LiquidationThreshold: 0}) {
		t.Fatalf("LTV above 100%% must always be flagged")
	}
	if Liquidatable(big.NewInt(0), big.NewInt(0), params) {
		t.Fatalf("no debt is never liquidatable")
	}
}

func TestDeriveHealthWithoutDebt(t *testing.T) {
	snap := Snapshot{CollateralValue: big.NewInt(500), Position: Position{DebtAmount: big.NewInt(0)}}
	m := ComputeMetrics(snap, DefaultRiskParameters())
	if !m.HealthFactor.Infinite() {
		t.Fatalf("expected infinite health without debt")
	}
	if m.BorrowHeadroom.Int64() != 333 {
		t.Fatalf("expected headroom 333, got %s", m.BorrowHeadroom)
	}
}

func TestLiquidationProximity(t *testing.T) {
	params := DefaultRiskParameters()
	if got := LiquidationProximity(big.NewInt(6000), params); got.Int64() != 5000 {
		t.Fatalf("expected 5000, got %s", got)
	}
	if got := LiquidationProximity(big.NewInt(15000), params); got.Int64() != 10000 {
		t.Fatalf("expected clamp to 10000, got %s", got)
	}
	if got := LiquidationProximity(nil, params); got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}
