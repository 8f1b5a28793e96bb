package srub

import (
	"errors"
	"fmt"
)

// Decimals is the fixed precision shared by sRUB and the bond tokens accepted
// as collateral.
const Decimals = 6

// Default protocol constants, expressed in percent.
const (
	DefaultCollateralizationRatio = 150
	DefaultLiquidationThreshold   = 120
)

// Health tier cut-offs in percent of the ledger's position health.
const (
	SafeHealthPercent    = 175
	WarningHealthPercent = 125
)

// RiskParameters groups the protocol constants that govern solvency. All
// values are percentages of collateral value over debt.
type RiskParameters struct {
	// CollateralizationRatio is the minimum backing required when opening or
	// increasing debt.
	CollateralizationRatio uint64
	// LiquidationThreshold is the backing level below which a position may be
	// liquidated.
	LiquidationThreshold uint64
	// LiquidationPenalty is the share of collateral seized on liquidation.
	// It is informational for the engine.
	LiquidationPenalty uint64
}

// DefaultRiskParameters mirrors the constants deployed with the sRUB contract.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		CollateralizationRatio: DefaultCollateralizationRatio,
		LiquidationThreshold:   DefaultLiquidationThreshold,
	}
}

var errInvalidParameters = errors.New("srub: invalid risk parameters")

// Validate reports whether the parameters describe a solvent configuration.
func (p RiskParameters) Validate() error {
	if p.LiquidationThreshold < 100 {
		return fmt.Errorf("%w: liquidation threshold %d%% below 100%%", errInvalidParameters, p.LiquidationThreshold)
	}
	if p.CollateralizationRatio < p.LiquidationThreshold {
		return fmt.Errorf("%w: collateralization ratio %d%% below liquidation threshold %d%%",
			errInvalidParameters, p.CollateralizationRatio, p.LiquidationThreshold)
	}
	if p.LiquidationPenalty >= 100 {
		return fmt.Errorf("%w: liquidation penalty %d%% must be below 100%%", errInvalidParameters, p.LiquidationPenalty)
	}
	return nil
}

// Drift lists the fields that differ between the configured parameters and
// the ones read from the ledger. An empty result means they agree.
func (p RiskParameters) Drift(onchain RiskParameters) []string {
	var fields []string
	if p.CollateralizationRatio != onchain.CollateralizationRatio {
		fields = append(fields, fmt.Sprintf("collateralization_ratio: configured %d, ledger %d",
			p.CollateralizationRatio, onchain.CollateralizationRatio))
	}
	if p.LiquidationThreshold != onchain.LiquidationThreshold {
		fields = append(fields, fmt.Sprintf("liquidation_threshold: configured %d, ledger %d",
			p.LiquidationThreshold, onchain.LiquidationThreshold))
	}
	if p.LiquidationPenalty != onchain.LiquidationPenalty {
		fields = append(fields, fmt.Sprintf("liquidation_penalty: configured %d, ledger %d",
			p.LiquidationPenalty, onchain.LiquidationPenalty))
	}
	return fields
}
