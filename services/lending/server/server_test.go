package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"ofzlend/native/srub"
	"ofzlend/services/lending/engine"
	"ofzlend/services/lending/portfolio"
)

var (
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, headers ...string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func units(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000)) }

func sampleDashboard() engine.Dashboard {
	snap := srub.Snapshot{
		Owner: testOwner,
		Position: srub.Position{
			CollateralAmount: units(100),
			DebtAmount:       units(150),
			CollateralToken:  testToken,
		},
		Lots:            []srub.CollateralLot{{Token: testToken, Amount: units(100)}},
		CollateralValue: units(200),
		FetchedAt:       time.Unix(1_700_000_000, 0).UTC(),
	}
	params := srub.DefaultRiskParameters()
	return engine.Dashboard{
		Snapshot: snap,
		Metrics:  srub.ComputeMetrics(snap, params),
		Params:   params,
		PendingApproval: &engine.PendingApproval{
			Token:  testToken,
			Amount: "5",
		},
		Sequencer: engine.SequencerStatus{State: engine.StateIdle},
	}
}

func TestPositionRendersDisplayValues(t *testing.T) {
	t.Parallel()

	var refreshed atomic.Bool
	eng := &fakeEngine{
		session: engine.Session{Address: testOwner},
		dashboardFn: func(_ context.Context, refresh bool) (engine.Dashboard, error) {
			refreshed.Store(refresh)
			return sampleDashboard(), nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/position?refresh=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, refreshed.Load())
	require.Equal(t, "100", body["collateralAmount"])
	require.Equal(t, "150", body["debt"])
	require.Equal(t, testToken.Hex(), body["collateralToken"])

	health := body["health"].(map[string]interface{})
	require.Equal(t, "1.33", health["factor"])
	require.Equal(t, "warning", health["tier"])
	require.Equal(t, "75.0", health["loanToValue"])
	require.Equal(t, "7500", health["loanToValueBps"])
	require.Equal(t, "62.5", health["liquidationProximity"])
	require.Equal(t, false, health["liquidatable"])

	pending := body["pendingApproval"].(map[string]interface{})
	require.Equal(t, "5", pending["amount"])
}

func TestPositionEmptyOwner(t *testing.T) {
	t.Parallel()

	snap := srub.Snapshot{Owner: testOwner}
	eng := &fakeEngine{
		dashboardFn: func(context.Context, bool) (engine.Dashboard, error) {
			return engine.Dashboard{Snapshot: snap, Metrics: srub.ComputeMetrics(snap, srub.DefaultRiskParameters())}, nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/position", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["active"])
	health := body["health"].(map[string]interface{})
	require.Equal(t, "∞", health["factor"])
	require.Equal(t, "safe", health["tier"])
	require.Equal(t, "0.0", health["loanToValue"])
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code int
		kind engine.Kind
	}{
		{name: "validation", err: engine.ErrInvalidAmount, code: http.StatusBadRequest, kind: engine.KindValidation},
		{name: "not connected", err: engine.ErrNotConnected, code: http.StatusUnauthorized, kind: engine.KindValidation},
		{name: "in flight", err: fmt.Errorf("wrap: %w", engine.ErrTransactionInFlight), code: http.StatusConflict, kind: engine.KindValidation},
		{name: "no pending approval", err: engine.ErrNoPendingApproval, code: http.StatusNotFound, kind: engine.KindValidation},
		{name: "allowance", err: &engine.TxError{Kind: engine.KindAllowanceRequired, Err: engine.ErrApprovalRequired}, code: http.StatusAccepted, kind: engine.KindAllowanceRequired},
		{name: "rejected", err: errors.New("user rejected the request"), code: http.StatusConflict, kind: engine.KindUserRejected},
		{name: "funds", err: errors.New("insufficient funds for gas * price + value"), code: http.StatusPaymentRequired, kind: engine.KindInsufficientFunds},
		{name: "reverted", err: &engine.RevertError{Reason: "exceeds LTV limit"}, code: http.StatusUnprocessableEntity, kind: engine.KindContractReverted},
		{name: "network", err: fmt.Errorf("%w: getUserDebt: %w", engine.ErrReadFailure, context.DeadlineExceeded), code: http.StatusBadGateway, kind: engine.KindNetwork},
		{name: "unknown", err: errors.New("boom"), code: http.StatusInternalServerError, kind: engine.KindUnknown},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			code, txErr := statusFor("borrow", tc.err)
			if code != tc.code {
				t.Fatalf("expected status %d, got %d", tc.code, code)
			}
			if txErr.Kind != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, txErr.Kind)
			}
			if txErr.Message() == "" {
				t.Fatalf("expected a user-facing message")
			}
		})
	}
}

func TestBorrowSubmits(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		session: engine.Session{Address: testOwner},
		borrowFn: func(_ context.Context, amount string) (engine.Record, error) {
			if amount != "25.5" {
				t.Errorf("unexpected amount: %q", amount)
			}
			return engine.Record{ID: "r1", Operation: engine.OpBorrow, Amount: amount, State: engine.StatePending, Hash: common.HexToHash("0x01")}, nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/borrow", `{"amount":" 25.5 "}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "r1", body["id"])
	require.Equal(t, "pending", body["state"])
	require.Equal(t, common.HexToHash("0x01").Hex(), body["hash"])
}

func TestMutationWaitReportsResolvedRecord(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		repayFn: func(context.Context, string) (engine.Record, error) {
			return engine.Record{ID: "r2", Operation: engine.OpRepay, State: engine.StatePending}, nil
		},
	}
	eng.resolutionFn = func(id string) (engine.Resolution, bool) {
		if id != "r2" {
			return engine.Resolution{}, false
		}
		return engine.Resolution{Record: engine.Record{
			ID:        "r2",
			Operation: engine.OpRepay,
			State:     engine.StateFailed,
			Kind:      engine.KindContractReverted,
			Error:     "position unhealthy",
		}}, true
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/repay?wait=true", `{"amount":"1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "failed", body["state"])
	require.Equal(t, "position unhealthy", body["error"])
}

func TestApproveWaitReportsFailedFollowUpDeposit(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		approveFn: func(context.Context) (engine.Record, error) {
			return engine.Record{ID: "a1", Operation: engine.OpApprove, State: engine.StatePending}, nil
		},
		// The sequencer's last record is the deposit, not the approval.
		status: engine.SequencerStatus{
			State: engine.StateIdle,
			Last:  &engine.Record{ID: "d1", Operation: engine.OpDeposit, State: engine.StateFailed},
		},
	}
	eng.resolutionFn = func(id string) (engine.Resolution, bool) {
		if id != "a1" {
			return engine.Resolution{}, false
		}
		return engine.Resolution{
			Record: engine.Record{ID: "a1", Operation: engine.OpApprove, State: engine.StateConfirmed},
			FollowUp: &engine.Record{
				ID:        "d1",
				Operation: engine.OpDeposit,
				Amount:    "100",
				State:     engine.StateFailed,
				Kind:      engine.KindContractReverted,
				Error:     "transfer amount exceeds balance",
				Parent:    "a1",
			},
		}, true
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/approval/approve?wait=true", "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "a1", body["id"])
	require.Equal(t, "confirmed", body["state"])
	followUp, ok := body["followUp"].(map[string]interface{})
	require.True(t, ok, "expected followUp record, got %v", body)
	require.Equal(t, "d1", followUp["id"])
	require.Equal(t, "failed", followUp["state"])
	require.Equal(t, "a1", followUp["parent"])
	require.Equal(t, "transfer amount exceeds balance", followUp["error"])
}

func TestApproveWaitConfirmedFollowUp(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		approveFn: func(context.Context) (engine.Record, error) {
			return engine.Record{ID: "a2", Operation: engine.OpApprove, State: engine.StatePending}, nil
		},
		resolutionFn: func(string) (engine.Resolution, bool) {
			return engine.Resolution{
				Record:   engine.Record{ID: "a2", Operation: engine.OpApprove, State: engine.StateConfirmed},
				FollowUp: &engine.Record{ID: "d2", Operation: engine.OpDeposit, State: engine.StateConfirmed, Parent: "a2"},
			}, true
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/approval/approve?wait=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "confirmed", body["state"])
	followUp, ok := body["followUp"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "confirmed", followUp["state"])
}

func TestDepositRequiringApprovalReturnsPending(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		session: engine.Session{Address: testOwner},
		depositFn: func(_ context.Context, token common.Address, amount string) (engine.Record, error) {
			assert.Equal(t, testToken, token)
			return engine.Record{}, &engine.TxError{Kind: engine.KindAllowanceRequired, Op: "deposit", Err: engine.ErrApprovalRequired}
		},
		dashboardFn: func(context.Context, bool) (engine.Dashboard, error) {
			return sampleDashboard(), nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/deposit", fmt.Sprintf(`{"token":%q,"amount":"5"}`, testToken.Hex()))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, string(engine.KindAllowanceRequired), body["kind"])
	pending := body["pendingApproval"].(map[string]interface{})
	require.Equal(t, "5", pending["amount"])
}

func TestDepositRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		depositFn: func(context.Context, common.Address, string) (engine.Record, error) {
			t.Errorf("engine must not be called")
			return engine.Record{}, nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/deposit", `{"token":"nope","amount":"5"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/deposit", `{"amount":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/deposit", `{"token":"0x01","amount":"5","extra":true}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelApproval(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	eng := &fakeEngine{
		cancelFn: func() (engine.PendingApproval, error) {
			if calls.Add(1) > 1 {
				return engine.PendingApproval{}, engine.Classify("approve", engine.ErrNoPendingApproval)
			}
			return engine.PendingApproval{Token: testToken, Amount: "5"}, nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/approval/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5", body["amount"])

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/approval/cancel", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewWithdraw(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		previewFn: func(_ context.Context, amount string) (engine.Preview, error) {
			assert.Equal(t, "10", amount)
			return engine.Preview{CanWithdraw: true, SRUBToBurn: big.NewInt(1_500000)}, nil
		},
	}
	ts := newTestServer(t, Config{Engine: eng})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/preview/withdraw?amount=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["canWithdraw"])
	require.Equal(t, "1.5", body["srubToBurn"])
}

func TestTransactionsLimit(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{records: []engine.Record{
		{ID: "b", Operation: engine.OpBorrow, State: engine.StateConfirmed},
		{ID: "a", Operation: engine.OpDeposit, State: engine.StateFailed, Kind: engine.KindUserRejected},
	}}
	ts := newTestServer(t, Config{Engine: &fakeEngine{}, History: history})

	req, err := http.Get(ts.URL + "/v1/transactions?limit=1")
	require.NoError(t, err)
	defer req.Body.Close()
	require.Equal(t, http.StatusOK, req.StatusCode)
	var records []recordView
	require.NoError(t, json.NewDecoder(req.Body).Decode(&records))
	require.Len(t, records, 1)
	require.Equal(t, "b", records[0].ID)
	require.Equal(t, 1, history.lastLimit())

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/transactions?limit=0", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPortfolio(t *testing.T) {
	t.Parallel()

	pf := &fakePortfolio{holdingsFn: func(_ context.Context, owner common.Address) (portfolio.Summary, error) {
		assert.Equal(t, testOwner, owner)
		return portfolio.Summary{Owner: owner, Total: decimal.RequireFromString("1234.5")}, nil
	}}
	ts := newTestServer(t, Config{Engine: &fakeEngine{session: engine.Session{Address: testOwner}}, Portfolio: pf})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/portfolio", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1234.5", body["total"])

	disconnected := newTestServer(t, Config{Engine: &fakeEngine{}, Portfolio: pf})
	resp, _ = do(t, http.MethodGet, disconnected.URL+"/v1/portfolio", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func signToken(t *testing.T, secret string, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "dashboard",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthScopes(t *testing.T) {
	t.Parallel()

	auth, err := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "s3cret"}, nil)
	require.NoError(t, err)
	ts := newTestServer(t, Config{Engine: &fakeEngine{}, Auth: auth})

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/sequencer", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/sequencer", "", "Authorization", "Bearer "+signToken(t, "wrong", ScopeRead))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reader := "Bearer " + signToken(t, "s3cret", ScopeRead)
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/sequencer", "", "Authorization", reader)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/borrow", `{"amount":"1"}`, "Authorization", reader)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	writer := "Bearer " + signToken(t, "s3cret", ScopeRead+" "+ScopeWrite)
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/borrow", `{"amount":"1"}`, "Authorization", writer)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewAuthenticator(AuthConfig{Enabled: true}, nil)
	require.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{Engine: &fakeEngine{}, RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 2}})

	for i := 0; i < 2; i++ {
		resp, _ := do(t, http.MethodGet, ts.URL+"/v1/sequencer", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/sequencer", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/sequencer", "", "X-Real-IP", "10.0.0.9")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamNotifications(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	hub.Notify(engine.Notification{Level: engine.LevelInfo, Title: "Borrow Initiated"})
	ts := newTestServer(t, Config{Engine: &fakeEngine{}, Hub: hub})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var n engine.Notification
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &n))
	require.Equal(t, "Borrow Initiated", n.Title)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.subs) == 1
	}, time.Second, 10*time.Millisecond)
	hub.Notify(engine.Notification{Level: engine.LevelSuccess, Title: "Transaction Confirmed"})
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &n))
	require.Equal(t, "Transaction Confirmed", n.Title)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	updates, _, cancel := hub.Subscribe()
	defer cancel()
	for i := 0; i < subscriberQueue+5; i++ {
		hub.Notify(engine.Notification{Title: fmt.Sprintf("n%d", i)})
	}
	require.Len(t, updates, subscriberQueue)

	_, backlog, cancel2 := hub.Subscribe()
	defer cancel2()
	require.Len(t, backlog, backlogSize)
	require.Equal(t, fmt.Sprintf("n%d", subscriberQueue+4), backlog[len(backlog)-1].Title)
}
