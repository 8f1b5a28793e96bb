package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PendingApproval is a deposit parked until the collateral token grants an
// allowance to the sRUB contract.
type PendingApproval struct {
	Token       common.Address `json:"token"`
	Amount      string         `json:"amount"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// AllowanceGate decides whether a deposit may go straight to the ledger and
// holds the single pending approval otherwise.
type AllowanceGate struct {
	auth    TokenAuthorizer
	spender common.Address
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   *PendingApproval
	submitted bool
}

// NewAllowanceGate builds a gate that checks allowances granted to spender.
func NewAllowanceGate(auth TokenAuthorizer, spender common.Address, logger *slog.Logger, clock func() time.Time) *AllowanceGate {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &AllowanceGate{auth: auth, spender: spender, logger: logger, now: clock}
}

// Spender is the contract allowances are granted to.
func (g *AllowanceGate) Spender() common.Address {
	return g.spender
}

// HasSufficientAllowance reports whether owner has granted any allowance over
// token. The approval is unlimited, so any positive allowance is enough. A
// failed read is logged and reported as insufficient so the user is asked to
// approve rather than having the deposit revert.
func (g *AllowanceGate) HasSufficientAllowance(ctx context.Context, token, owner common.Address) bool {
	allowance, err := g.auth.Allowance(ctx, token, owner, g.spender)
	if err != nil {
		g.logger.Warn("allowance check failed",
			slog.String("token", token.Hex()),
			slog.String("owner", owner.Hex()),
			slog.Any("error", err))
		return false
	}
	return allowance != nil && allowance.Sign() > 0
}

// RequestApproval parks a deposit until approval. A newer request replaces
// an older one.
func (g *AllowanceGate) RequestApproval(token common.Address, amount string) PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		g.logger.Info("replacing pending approval",
			slog.String("token", g.pending.Token.Hex()),
			slog.String("amount", g.pending.Amount))
	}
	g.pending = &PendingApproval{Token: token, Amount: amount, RequestedAt: g.now()}
	g.submitted = false
	return *g.pending
}

// Pending returns the parked deposit, if any.
func (g *AllowanceGate) Pending() (PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingApproval{}, false
	}
	return *g.pending, true
}

// Submitted reports whether the approval for the parked deposit has been
// broadcast.
func (g *AllowanceGate) Submitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil && g.submitted
}

// Clear removes and returns the parked deposit.
func (g *AllowanceGate) Clear() (PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingApproval{}, false
	}
	p := *g.pending
	g.pending = nil
	g.submitted = false
	return p, true
}

// Cancel drops the parked deposit. Once its approval has been submitted the
// deposit belongs to the confirmation and can no longer be cancelled.
func (g *AllowanceGate) Cancel() (PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.submitted {
		return PendingApproval{}, ErrNoPendingApproval
	}
	p := *g.pending
	g.pending = nil
	return p, nil
}

// beginApproval claims the parked deposit for an approval transaction.
func (g *AllowanceGate) beginApproval() (PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingApproval{}, ErrNoPendingApproval
	}
	if g.submitted {
		return PendingApproval{}, ErrTransactionInFlight
	}
	g.submitted = true
	return *g.pending, nil
}

// abortApproval releases a claim whose transaction never reached the signer.
func (g *AllowanceGate) abortApproval() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = false
}

func (g *AllowanceGate) restore(p PendingApproval) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = &p
	g.submitted = true
}
