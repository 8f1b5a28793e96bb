package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ofzlend/native/srub"
	"ofzlend/observability/metrics"
	"ofzlend/services/lending/engine"
	"ofzlend/services/lending/portfolio"
)

const maxBodyBytes = 1 << 16

// Portfolio values the owner's bond holdings.
type Portfolio interface {
	Holdings(ctx context.Context, owner common.Address) (portfolio.Summary, error)
}

// History lists journaled transactions, newest first.
type History interface {
	Recent(limit int) ([]engine.Record, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine         engine.Engine
	Portfolio      Portfolio
	History        History
	Hub            *Hub
	Auth           *Authenticator
	RateLimit      RateLimit
	OriginPatterns []string
	Logger         *slog.Logger
	Metrics        *metrics.LendingMetrics
	// WaitTimeout bounds ?wait=true mutations.
	WaitTimeout time.Duration
}

// Server exposes the lending engine over HTTP/JSON.
type Server struct {
	engine         engine.Engine
	portfolio      Portfolio
	history        History
	hub            *Hub
	auth           *Authenticator
	limiter        *rateLimiter
	originPatterns []string
	logger         *slog.Logger
	metrics        *metrics.LendingMetrics
	waitTimeout    time.Duration

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	srv := &Server{
		engine:         cfg.Engine,
		portfolio:      cfg.Portfolio,
		history:        cfg.History,
		hub:            cfg.Hub,
		auth:           cfg.Auth,
		limiter:        newRateLimiter(cfg.RateLimit),
		originPatterns: cfg.OriginPatterns,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		waitTimeout:    cfg.WaitTimeout,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "lendingd")
}

// Hub returns the notification hub feeding /v1/events.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.middleware)
		api.Group(func(read chi.Router) {
			read.Use(s.auth.Require(ScopeRead))
			read.Get("/position", s.handlePosition)
			read.Get("/portfolio", s.handlePortfolio)
			read.Get("/sequencer", s.handleSequencer)
			read.Get("/transactions", s.handleTransactions)
			read.Get("/preview/withdraw", s.handlePreviewWithdraw)
			read.Get("/events", s.handleEvents)
		})
		api.Group(func(write chi.Router) {
			write.Use(s.auth.Require(ScopeWrite))
			write.Post("/deposit", s.handleDeposit)
			write.Post("/withdraw", s.amountHandler(engine.OpWithdraw, s.engine.Withdraw))
			write.Post("/borrow", s.amountHandler(engine.OpBorrow, s.engine.Borrow))
			write.Post("/repay", s.amountHandler(engine.OpRepay, s.engine.Repay))
			write.Post("/approval/approve", s.handleApprove)
			write.Post("/approval/cancel", s.handleCancelApproval)
		})
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, status)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.engine.Sequencer()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": s.engine.Session().Connected(),
		"sequencer": status.State,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	dash, err := s.engine.Dashboard(r.Context(), refresh)
	if err != nil {
		s.writeError(w, r, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(dash))
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if s.portfolio == nil {
		writeJSON(w, http.StatusNotFound, errorView{Error: "not_configured", Message: "bond portfolio is not configured"})
		return
	}
	session := s.engine.Session()
	if !session.Connected() {
		s.writeError(w, r, "portfolio", engine.ErrNotConnected)
		return
	}
	summary, err := s.portfolio.Holdings(r.Context(), session.Address)
	if err != nil {
		s.logger.Warn("portfolio read failed", slog.Any("error", err))
		s.writeError(w, r, "portfolio", errors.Join(engine.ErrReadFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSequencer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Sequencer())
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []recordView{})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid_limit", Message: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	records, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("journal read failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorView{Error: "internal", Message: "journal unavailable"})
		return
	}
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	amount := strings.TrimSpace(r.URL.Query().Get("amount"))
	preview, err := s.engine.PreviewWithdraw(r.Context(), amount)
	if err != nil {
		s.writeError(w, r, "preview", err)
		return
	}
	writeJSON(w, http.StatusOK, previewView{
		Amount:      amount,
		CanWithdraw: preview.CanWithdraw,
		SRUBToBurn:  srub.FormatAmount(preview.SRUBToBurn),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if !common.IsHexAddress(token) {
		s.writeError(w, r, string(engine.OpDeposit), engine.ErrInvalidToken)
		return
	}
	rec, err := s.engine.Deposit(r.Context(), common.HexToAddress(token), strings.TrimSpace(req.Amount))
	s.respondSubmitted(w, r, string(engine.OpDeposit), rec, err)
}

func (s *Server) amountHandler(op engine.Operation, fn func(context.Context, string) (engine.Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err := fn(r.Context(), strings.TrimSpace(req.Amount))
		s.respondSubmitted(w, r, string(op), rec, err)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Approve(r.Context())
	s.respondSubmitted(w, r, string(engine.OpApprove), rec, err)
}

func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.CancelApproval()
	if err != nil {
		s.writeError(w, r, string(engine.OpApprove), err)
		return
	}
	writeJSON(w, http.StatusOK, pendingView{
		Token:       pending.Token.Hex(),
		Amount:      pending.Amount,
		RequestedAt: pending.RequestedAt,
	})
}

// respondSubmitted answers a mutation. Submitted transactions return 202;
// with ?wait=true the handler blocks until the sequencer settles and reports
// the resolved record together with any follow-up it triggered. A failed
// record or follow-up maps to the status of its failure kind.
func (s *Server) respondSubmitted(w http.ResponseWriter, r *http.Request, op string, rec engine.Record, err error) {
	if err != nil {
		s.writeError(w, r, op, err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, toRecordView(rec))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	if err := s.engine.Wait(ctx); err != nil {
		writeJSON(w, http.StatusAccepted, toRecordView(rec))
		return
	}
	res, ok := s.engine.Resolution(rec.ID)
	if !ok {
		writeJSON(w, http.StatusAccepted, toRecordView(rec))
		return
	}
	view := toRecordView(res.Record)
	code := http.StatusOK
	switch {
	case res.Record.State == engine.StateFailed:
		code = failureStatus(res.Record)
	case res.FollowUp != nil:
		followUp := toRecordView(*res.FollowUp)
		view.FollowUp = &followUp
		if res.FollowUp.State == engine.StateFailed {
			code = failureStatus(*res.FollowUp)
		}
	}
	writeJSON(w, code, view)
}

func failureStatus(rec engine.Record) int {
	op := string(rec.Operation)
	code, _ := statusFor(op, &engine.TxError{Kind: rec.Kind, Op: op, Reason: rec.Error})
	return code
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, txErr := statusFor(op, err)
	body := errorBody(txErr)
	if txErr.Kind == engine.KindAllowanceRequired {
		if dash, derr := s.engine.Dashboard(r.Context(), false); derr == nil && dash.PendingApproval != nil {
			body.PendingApproval = &pendingView{
				Token:       dash.PendingApproval.Token.Hex(),
				Amount:      dash.PendingApproval.Amount,
				RequestedAt: dash.PendingApproval.RequestedAt,
			}
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("op", op), slog.Any("error", err))
	}
	writeJSON(w, code, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid_payload", Message: "invalid payload"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
