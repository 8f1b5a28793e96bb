package srub

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position captures the aggregate lending state of one wallet. Amounts are in
// smallest units (6 decimals).
type Position struct {
	// CollateralAmount is the sum of every collateral lot held by the owner.
	CollateralAmount *big.Int
	// DebtAmount is the outstanding sRUB balance.
	DebtAmount *big.Int
	// CollateralToken is the first collateral token by discovery order, or
	// the zero address when no collateral is held.
	CollateralToken common.Address
}

// Active reports whether the position holds collateral or debt.
func (p Position) Active() bool {
	return sign(p.CollateralAmount) > 0 || sign(p.DebtAmount) > 0
}

// HasCollateral reports whether at least one lot backs the position.
func (p Position) HasCollateral() bool {
	return p.CollateralToken != (common.Address{})
}

// HasDebt reports whether sRUB is outstanding.
func (p Position) HasDebt() bool {
	return sign(p.DebtAmount) > 0
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	return Position{
		CollateralAmount: cloneInt(p.CollateralAmount),
		DebtAmount:       cloneInt(p.DebtAmount),
		CollateralToken:  p.CollateralToken,
	}
}

// Equal compares two positions by value. Nil amounts equal zero.
func (p Position) Equal(other Position) bool {
	return p.CollateralToken == other.CollateralToken &&
		orZero(p.CollateralAmount).Cmp(orZero(other.CollateralAmount)) == 0 &&
		orZero(p.DebtAmount).Cmp(orZero(other.DebtAmount)) == 0
}

// CollateralLot is one collateral token held by the owner inside the protocol.
type CollateralLot struct {
	Token  common.Address
	Amount *big.Int
}

// Snapshot is one complete read of the ledger for a single owner. Snapshots
// are immutable once built; refreshes replace them wholesale.
type Snapshot struct {
	Owner           common.Address
	Position        Position
	Lots            []CollateralLot
	CollateralValue *big.Int
	Health          HealthFactor
	FetchedAt       time.Time
}

// FirstLot returns the collateral lot that withdraw and repay act on.
func (s Snapshot) FirstLot() (CollateralLot, bool) {
	if len(s.Lots) == 0 {
		return CollateralLot{}, false
	}
	lot := s.Lots[0]
	return CollateralLot{Token: lot.Token, Amount: cloneInt(lot.Amount)}, true
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Owner:           s.Owner,
		Position:        s.Position.Clone(),
		CollateralValue: cloneInt(s.CollateralValue),
		Health:          s.Health,
		FetchedAt:       s.FetchedAt,
	}
	if len(s.Lots) > 0 {
		out.Lots = make([]CollateralLot, len(s.Lots))
		for i, lot := range s.Lots {
			out.Lots[i] = CollateralLot{Token: lot.Token, Amount: cloneInt(lot.Amount)}
		}
	}
	return out
}

// Equal compares the ledger state carried by two snapshots, ignoring the
// fetch timestamp.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.Owner != other.Owner || !s.Position.Equal(other.Position) {
		return false
	}
	if orZero(s.CollateralValue).Cmp(orZero(other.CollateralValue)) != 0 {
		return false
	}
	if s.Health.Raw().Cmp(other.Health.Raw()) != 0 {
		return false
	}
	if len(s.Lots) != len(other.Lots) {
		return false
	}
	for i := range s.Lots {
		if s.Lots[i].Token != other.Lots[i].Token || orZero(s.Lots[i].Amount).Cmp(orZero(other.Lots[i].Amount)) != 0 {
			return false
		}
	}
	return true
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
