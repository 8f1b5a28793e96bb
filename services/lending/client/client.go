package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ofzlend/services/lending/engine"
	"ofzlend/services/lending/portfolio"
)

// Client provides a thin wrapper around the lendingd HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// Option customises the client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New builds a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("client: base url required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", base.Scheme)
	}
	c := &Client{
		base: base,
		http: &http.Client{Timeout: 3 * time.Minute, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health is the daemon liveness report.
type Health struct {
	Status    string       `json:"status"`
	Connected bool         `json:"connected"`
	Sequencer engine.State `json:"sequencer"`
}

// Lot is collateral held in one token.
type Lot struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// HealthMetrics carries the formatted risk figures of a position.
type HealthMetrics struct {
	Factor               string `json:"factor"`
	Infinite             bool   `json:"infinite"`
	Tier                 string `json:"tier"`
	LoanToValue          string `json:"loanToValue"`
	LoanToValueBps       string `json:"loanToValueBps"`
	Liquidatable         bool   `json:"liquidatable"`
	BorrowHeadroom       string `json:"borrowHeadroom"`
	LiquidationProximity string `json:"liquidationProximity"`
}

// Params are the protocol risk parameters in percent.
type Params struct {
	CollateralizationRatio uint64 `json:"collateralizationRatio"`
	LiquidationThreshold   uint64 `json:"liquidationThreshold"`
	LiquidationPenalty     uint64 `json:"liquidationPenalty"`
}

// PendingApproval is a deposit parked behind a token approval.
type PendingApproval struct {
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Position is the dashboard view served by /v1/position.
type Position struct {
	Owner            string                 `json:"owner"`
	Active           bool                   `json:"active"`
	CollateralToken  string                 `json:"collateralToken,omitempty"`
	CollateralAmount string                 `json:"collateralAmount"`
	CollateralValue  string                 `json:"collateralValue"`
	Debt             string                 `json:"debt"`
	Lots             []Lot                  `json:"lots"`
	Health           HealthMetrics          `json:"health"`
	Params           Params                 `json:"params"`
	PendingApproval  *PendingApproval       `json:"pendingApproval,omitempty"`
	Sequencer        engine.SequencerStatus `json:"sequencer"`
	FetchedAt        time.Time              `json:"fetchedAt"`
}

// Record is a submitted transaction as reported by the daemon. A waited
// approval carries the deposit its confirmation submitted as FollowUp.
type Record struct {
	ID          string       `json:"id"`
	Operation   string       `json:"operation"`
	Token       string       `json:"token,omitempty"`
	Amount      string       `json:"amount,omitempty"`
	Hash        string       `json:"hash,omitempty"`
	State       engine.State `json:"state"`
	Kind        string       `json:"kind,omitempty"`
	Error       string       `json:"error,omitempty"`
	SubmittedAt time.Time    `json:"submittedAt"`
	ResolvedAt  time.Time    `json:"resolvedAt,omitempty"`
	Parent      string       `json:"parent,omitempty"`
	FollowUp    *Record      `json:"followUp,omitempty"`
}

// Failed returns the first failed record of rec and its follow-up.
func (r Record) Failed() (Record, bool) {
	if r.State == engine.StateFailed {
		return r, true
	}
	if r.FollowUp != nil {
		return r.FollowUp.Failed()
	}
	return Record{}, false
}

// Preview is the withdrawal what-if answer.
type Preview struct {
	Amount      string `json:"amount"`
	CanWithdraw bool   `json:"canWithdraw"`
	SRUBToBurn  string `json:"srubToBurn"`
}

// APIError is a non-success answer from the daemon.
type APIError struct {
	Status          int              `json:"-"`
	Code            string           `json:"error"`
	Kind            string           `json:"kind,omitempty"`
	Message         string           `json:"message"`
	PendingApproval *PendingApproval `json:"pendingApproval,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AllowanceRequired reports whether err is a deposit parked behind an approval.
func AllowanceRequired(err error) (*PendingApproval, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != string(engine.KindAllowanceRequired) {
		return nil, false
	}
	return apiErr.PendingApproval, true
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}

// Position fetches the dashboard, optionally forcing a ledger refresh.
func (c *Client) Position(ctx context.Context, refresh bool) (Position, error) {
	q := url.Values{}
	if refresh {
		q.Set("refresh", "true")
	}
	var out Position
	err := c.do(ctx, http.MethodGet, "/v1/position", q, nil, &out)
	return out, err
}

// Portfolio fetches the valued bond holdings.
func (c *Client) Portfolio(ctx context.Context) (portfolio.Summary, error) {
	var out portfolio.Summary
	err := c.do(ctx, http.MethodGet, "/v1/portfolio", nil, nil, &out)
	return out, err
}

// Sequencer reports the transaction sequencer state.
func (c *Client) Sequencer(ctx context.Context) (engine.SequencerStatus, error) {
	var out engine.SequencerStatus
	err := c.do(ctx, http.MethodGet, "/v1/sequencer", nil, nil, &out)
	return out, err
}

// Transactions lists journaled transactions, newest first. A zero limit uses
// the daemon default.
func (c *Client) Transactions(ctx context.Context, limit int) ([]Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Record
	err := c.do(ctx, http.MethodGet, "/v1/transactions", q, nil, &out)
	return out, err
}

// PreviewWithdraw asks whether amount can be withdrawn.
func (c *Client) PreviewWithdraw(ctx context.Context, amount string) (Preview, error) {
	var out Preview
	err := c.do(ctx, http.MethodGet, "/v1/preview/withdraw", url.Values{"amount": {amount}}, nil, &out)
	return out, err
}

// Deposit submits collateral. When wait is set the call blocks until the
// transaction settles.
func (c *Client) Deposit(ctx context.Context, token, amount string, wait bool) (Record, error) {
	return c.submit(ctx, "/v1/deposit", map[string]string{"token": token, "amount": amount}, wait)
}

// Withdraw submits a collateral withdrawal.
func (c *Client) Withdraw(ctx context.Context, amount string, wait bool) (Record, error) {
	return c.submit(ctx, "/v1/withdraw", map[string]string{"amount": amount}, wait)
}

// Borrow submits a debt increase.
func (c *Client) Borrow(ctx context.Context, amount string, wait bool) (Record, error) {
	return c.submit(ctx, "/v1/borrow", map[string]string{"amount": amount}, wait)
}

// Repay submits a debt repayment.
func (c *Client) Repay(ctx context.Context, amount string, wait bool) (Record, error) {
	return c.submit(ctx, "/v1/repay", map[string]string{"amount": amount}, wait)
}

// Approve confirms the pending approval.
func (c *Client) Approve(ctx context.Context, wait bool) (Record, error) {
	return c.submit(ctx, "/v1/approval/approve", nil, wait)
}

// CancelApproval drops the pending approval.
func (c *Client) CancelApproval(ctx context.Context) (PendingApproval, error) {
	var out PendingApproval
	err := c.do(ctx, http.MethodPost, "/v1/approval/cancel", nil, nil, &out)
	return out, err
}

// Events streams engine notifications until ctx is cancelled or the
// connection drops. fn runs on the reading goroutine.
func (c *Client) Events(ctx context.Context, fn func(engine.Notification)) error {
	target := *c.base
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + "/v1/events"
	// websocket.Dial rejects clients with a Timeout; ctx bounds the stream.
	streamClient := *c.http
	streamClient.Timeout = 0
	opts := &websocket.DialOptions{HTTPClient: &streamClient}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, target.String(), opts)
	if err != nil {
		return fmt.Errorf("client: dial events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var n engine.Notification
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(n)
	}
}

func (c *Client) submit(ctx context.Context, path string, body interface{}, wait bool) (Record, error) {
	q := url.Values{}
	if wait {
		q.Set("wait", "true")
	}
	var out Record
	err := c.do(ctx, http.MethodPost, path, q, body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else if method == http.MethodPost {
		reader = strings.NewReader("{}")
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if apiErr := decodeError(resp.StatusCode, raw); apiErr != nil {
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

// decodeError extracts an error body. Error bodies may arrive with 202 when a
// deposit is parked, and a waited mutation that failed on chain answers with
// its record under a 4xx status, so the payload decides rather than the code.
func decodeError(status int, raw []byte) *APIError {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.ID != "" {
		return nil
	}
	var apiErr APIError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Code != "" {
		apiErr.Status = status
		return &apiErr
	}
	if status >= http.StatusBadRequest {
		return &APIError{Status: status, Code: "http_error", Message: strings.TrimSpace(string(raw))}
	}
	return nil
}
