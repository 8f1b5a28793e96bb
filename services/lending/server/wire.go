package server

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ofzlend/native/srub"
	"ofzlend/services/lending/engine"
)

type lotView struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type healthView struct {
	Factor               string `json:"factor"`
	Infinite             bool   `json:"infinite"`
	Tier                 string `json:"tier"`
	LoanToValue          string `json:"loanToValue"`
	LoanToValueBps       string `json:"loanToValueBps"`
	Liquidatable         bool   `json:"liquidatable"`
	BorrowHeadroom       string `json:"borrowHeadroom"`
	LiquidationProximity string `json:"liquidationProximity"`
}

type paramsView struct {
	CollateralizationRatio uint64 `json:"collateralizationRatio"`
	LiquidationThreshold   uint64 `json:"liquidationThreshold"`
	LiquidationPenalty     uint64 `json:"liquidationPenalty"`
}

type pendingView struct {
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	RequestedAt time.Time `json:"requestedAt"`
}

type positionView struct {
	Owner            string                 `json:"owner"`
	Active           bool                   `json:"active"`
	CollateralToken  string                 `json:"collateralToken,omitempty"`
	CollateralAmount string                 `json:"collateralAmount"`
	CollateralValue  string                 `json:"collateralValue"`
	Debt             string                 `json:"debt"`
	Lots             []lotView              `json:"lots"`
	Health           healthView             `json:"health"`
	Params           paramsView             `json:"params"`
	PendingApproval  *pendingView           `json:"pendingApproval,omitempty"`
	Sequencer        engine.SequencerStatus `json:"sequencer"`
	FetchedAt        time.Time              `json:"fetchedAt"`
}

type recordView struct {
	ID          string      `json:"id"`
	Operation   string      `json:"operation"`
	Token       string      `json:"token,omitempty"`
	Amount      string      `json:"amount,omitempty"`
	Hash        string      `json:"hash,omitempty"`
	State       string      `json:"state"`
	Kind        string      `json:"kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	SubmittedAt time.Time   `json:"submittedAt"`
	ResolvedAt  time.Time   `json:"resolvedAt,omitempty"`
	Parent      string      `json:"parent,omitempty"`
	FollowUp    *recordView `json:"followUp,omitempty"`
}

type previewView struct {
	Amount      string `json:"amount"`
	CanWithdraw bool   `json:"canWithdraw"`
	SRUBToBurn  string `json:"srubToBurn"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type depositRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type errorView struct {
	Error           string       `json:"error"`
	Kind            string       `json:"kind,omitempty"`
	Message         string       `json:"message"`
	PendingApproval *pendingView `json:"pendingApproval,omitempty"`
}

func toPositionView(d engine.Dashboard) positionView {
	snap := d.Snapshot
	view := positionView{
		Owner:            snap.Owner.Hex(),
		Active:           snap.Position.Active(),
		CollateralAmount: srub.FormatAmount(snap.Position.CollateralAmount),
		CollateralValue:  srub.FormatAmount(d.Metrics.CollateralValue),
		Debt:             srub.FormatAmount(d.Metrics.Debt),
		Lots:             make([]lotView, 0, len(snap.Lots)),
		Health:           toHealthView(d.Metrics),
		Params: paramsView{
			CollateralizationRatio: d.Params.CollateralizationRatio,
			LiquidationThreshold:   d.Params.LiquidationThreshold,
			LiquidationPenalty:     d.Params.LiquidationPenalty,
		},
		Sequencer: d.Sequencer,
		FetchedAt: snap.FetchedAt,
	}
	if snap.Position.HasCollateral() {
		view.CollateralToken = snap.Position.CollateralToken.Hex()
	}
	for _, lot := range snap.Lots {
		view.Lots = append(view.Lots, lotView{Token: lot.Token.Hex(), Amount: srub.FormatAmount(lot.Amount)})
	}
	if d.PendingApproval != nil {
		view.PendingApproval = &pendingView{
			Token:       d.PendingApproval.Token.Hex(),
			Amount:      d.PendingApproval.Amount,
			RequestedAt: d.PendingApproval.RequestedAt,
		}
	}
	return view
}

func toHealthView(m srub.HealthMetrics) healthView {
	return healthView{
		Factor:               m.HealthFactor.String(),
		Infinite:             m.HealthFactor.Infinite(),
		Tier:                 string(m.Tier),
		LoanToValue:          srub.FormatLTV(m.LoanToValueBps),
		LoanToValueBps:       intString(m.LoanToValueBps),
		Liquidatable:         m.Liquidatable,
		BorrowHeadroom:       srub.FormatAmount(m.BorrowHeadroom),
		LiquidationProximity: srub.FormatLTV(m.LiquidationProximityBps),
	}
}

func toRecordView(rec engine.Record) recordView {
	view := recordView{
		ID:          rec.ID,
		Operation:   string(rec.Operation),
		Amount:      rec.Amount,
		State:       string(rec.State),
		Kind:        string(rec.Kind),
		Error:       rec.Error,
		SubmittedAt: rec.SubmittedAt,
		ResolvedAt:  rec.ResolvedAt,
		Parent:      rec.Parent,
	}
	if rec.Token != (common.Address{}) {
		view.Token = rec.Token.Hex()
	}
	if rec.Hash != (common.Hash{}) {
		view.Hash = rec.Hash.Hex()
	}
	return view
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
