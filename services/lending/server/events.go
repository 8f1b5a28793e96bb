package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ofzlend/services/lending/engine"
)

const (
	wsWriteTimeout  = 10 * time.Second
	subscriberQueue = 32
	backlogSize     = 16
)

// Hub fans engine notifications out to websocket subscribers. It implements
// engine.Notifier; slow subscribers lose messages instead of blocking the
// engine.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[chan engine.Notification]struct{}
	backlog []engine.Notification
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[chan engine.Notification]struct{})}
}

// Notify broadcasts n to every subscriber.
func (h *Hub) Notify(n engine.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = append(h.backlog, n)
	if len(h.backlog) > backlogSize {
		h.backlog = h.backlog[len(h.backlog)-backlogSize:]
	}
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("dropping notification for slow subscriber", slog.String("title", n.Title))
		}
	}
}

// Subscribe registers a subscriber and returns the recent backlog.
func (h *Hub) Subscribe() (<-chan engine.Notification, []engine.Notification, func()) {
	ch := make(chan engine.Notification, subscriberQueue)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	backlog := append([]engine.Notification(nil), h.backlog...)
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
	return ch, backlog, cancel
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn) error {
	updates, backlog, cancel := s.hub.Subscribe()
	defer cancel()

	for _, n := range backlog {
		if err := writeEvent(ctx, conn, n); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-updates:
			if err := writeEvent(ctx, conn, n); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, n engine.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
