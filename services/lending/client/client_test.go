package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ofzlend/services/lending/engine"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", opts...)
	require.NoError(t, err)
	return c
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "  ", "ftp://example.org", "://bad"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestPositionSendsRefreshAndToken(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/position" || r.URL.Query().Get("refresh") != "true" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tkn" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"owner":"0xabc","active":true,"debt":"100","health":{"factor":"1.33","tier":"warning"},"sequencer":{"state":"idle"}}`)
	}), WithToken(" tkn "))

	pos, err := c.Position(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "1.33", pos.Health.Factor)
	require.Equal(t, "warning", pos.Health.Tier)
	require.Equal(t, engine.StateIdle, pos.Sequencer.State)
}

func TestSubmitWaitReturnsRecord(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["amount"] != "25" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("wait") != "true" {
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"id":"r1","operation":"borrow","state":"pending"}`)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"id":"r1","operation":"borrow","state":"failed","kind":"contract-reverted","error":"health too low"}`)
	}))

	rec, err := c.Borrow(context.Background(), "25", false)
	require.NoError(t, err)
	require.Equal(t, engine.StatePending, rec.State)

	rec, err = c.Borrow(context.Background(), "25", true)
	require.NoError(t, err)
	require.Equal(t, engine.StateFailed, rec.State)
	require.Equal(t, "health too low", rec.Error)
}

func TestApproveWaitCarriesFollowUp(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/approval/approve" || r.URL.Query().Get("wait") != "true" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"id":"a1","operation":"approve","state":"confirmed",
"followUp":{"id":"d1","operation":"deposit","state":"failed","kind":"contract-reverted","error":"transfer amount exceeds balance","parent":"a1"}}`)
	}))

	rec, err := c.Approve(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, engine.StateConfirmed, rec.State)
	require.NotNil(t, rec.FollowUp)
	require.Equal(t, "a1", rec.FollowUp.Parent)

	failed, ok := rec.Failed()
	require.True(t, ok)
	require.Equal(t, "d1", failed.ID)
	require.Equal(t, "transfer amount exceeds balance", failed.Error)
}

func TestDepositAllowanceRequired(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"error":"allowance_required","kind":"allowance-required","message":"approve first","pendingApproval":{"token":"0x01","amount":"5"}}`)
	}))

	_, err := c.Deposit(context.Background(), "0x01", "5", false)
	require.Error(t, err)
	pending, ok := AllowanceRequired(err)
	require.True(t, ok)
	require.NotNil(t, pending)
	require.Equal(t, "5", pending.Amount)
}

func TestErrorStatusWithoutBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := c.Sequencer(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	_, ok := AllowanceRequired(err)
	require.False(t, ok)
}

func TestTransactionsLimit(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"b","state":"confirmed"},{"id":"a","state":"failed"}]`)
	}))

	recs, err := c.Transactions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "b", recs[0].ID)
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := conn.CloseRead(r.Context())
		_ = wsjson.Write(ctx, conn, engine.Notification{Level: engine.LevelSuccess, Title: "Borrow confirmed"})
		<-ctx.Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan engine.Notification, 1)
	go func() {
		_ = c.Events(ctx, func(n engine.Notification) {
			select {
			case got <- n:
			default:
			}
		})
	}()

	select {
	case n := <-got:
		require.Equal(t, "Borrow confirmed", n.Title)
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}
