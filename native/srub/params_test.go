package srub

import "testing"

func TestRiskParametersValidate(t *testing.T) {
	if err := DefaultRiskParameters().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := []RiskParameters{
		{CollateralizationRatio: 150, LiquidationThreshold: 90},
		{CollateralizationRatio: 110, LiquidationThreshold: 120},
		{CollateralizationRatio: 150, LiquidationThreshold: 120, LiquidationPenalty: 100},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", p)
		}
	}
}

func TestRiskParametersDrift(t *testing.T) {
	cfg := DefaultRiskParameters()
	if drift := cfg.Drift(cfg); len(drift) != 0 {
		t.Fatalf("expected no drift, got %v", drift)
	}
	onchain := cfg
	onchain.LiquidationThreshold = 130
	onchain.LiquidationPenalty = 10
	if drift := cfg.Drift(onchain); len(drift) != 2 {
		t.Fatalf("expected two drifted fields, got %v", drift)
	}
}
