package server

import (
	"errors"
	"net/http"

	"ofzlend/services/lending/engine"
)

// statusFor maps an engine failure onto an HTTP status and the classified
// error used for the response body.
func statusFor(op string, err error) (int, *engine.TxError) {
	txErr := engine.Classify(op, err)
	switch {
	case errors.Is(err, engine.ErrNotConnected):
		return http.StatusUnauthorized, txErr
	case errors.Is(err, engine.ErrTransactionInFlight):
		return http.StatusConflict, txErr
	case errors.Is(err, engine.ErrNoPendingApproval):
		return http.StatusNotFound, txErr
	case errors.Is(err, engine.ErrSequencerClosed):
		return http.StatusServiceUnavailable, txErr
	}
	switch txErr.Kind {
	case engine.KindValidation:
		return http.StatusBadRequest, txErr
	case engine.KindAllowanceRequired:
		return http.StatusAccepted, txErr
	case engine.KindUserRejected:
		return http.StatusConflict, txErr
	case engine.KindInsufficientFunds:
		return http.StatusPaymentRequired, txErr
	case engine.KindContractReverted:
		return http.StatusUnprocessableEntity, txErr
	case engine.KindNetwork:
		return http.StatusBadGateway, txErr
	default:
		return http.StatusInternalServerError, txErr
	}
}

func errorBody(txErr *engine.TxError) errorView {
	return errorView{
		Error:   txErr.Error(),
		Kind:    string(txErr.Kind),
		Message: txErr.Message(),
	}
}
