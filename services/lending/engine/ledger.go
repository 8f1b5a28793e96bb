package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/native/srub"
)

// LedgerReader is the read surface of the sRUB contract.
type LedgerReader interface {
	UserDebt(ctx context.Context, owner common.Address) (*big.Int, error)
	TotalCollateralValue(ctx context.Context, owner common.Address) (*big.Int, error)
	UserCollaterals(ctx context.Context, owner common.Address) ([]common.Address, error)
	UserCollateralAmount(ctx context.Context, owner, token common.Address) (*big.Int, error)
	// PositionHealth is percent scaled: 150 means a health factor of 1.50.
	PositionHealth(ctx context.Context, owner common.Address) (*big.Int, error)
	PreviewDecrease(ctx context.Context, owner, token common.Address, amount *big.Int) (Preview, error)
	RiskParameters(ctx context.Context) (srub.RiskParameters, error)
}

// LedgerWriter submits position mutations and returns the transaction hash.
// Confirmation is observed separately through a Confirmer.
type LedgerWriter interface {
	DepositCollateral(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	// DecreasePosition backs both withdraw and repay.
	DecreasePosition(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	IncreasePosition(ctx context.Context, amount *big.Int) (common.Hash, error)
}

// TokenAuthorizer is the ERC-20 allowance surface of a collateral token.
type TokenAuthorizer interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
}

// Confirmer blocks until a submitted transaction is final. A reverted
// transaction returns an error, ideally a *RevertError.
type Confirmer interface {
	WaitConfirmed(ctx context.Context, hash common.Hash) error
}

// Preview is the ledger's answer to a prospective withdrawal.
type Preview struct {
	CanWithdraw bool
	SRUBToBurn  *big.Int
}

// Session identifies the connected wallet. The zero value is disconnected.
type Session struct {
	Address common.Address
}

// Connected reports whether a wallet address is present.
func (s Session) Connected() bool {
	return s.Address != (common.Address{})
}
