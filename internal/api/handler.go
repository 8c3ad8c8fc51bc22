package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/feed"
	"feed-engine/internal/platform/metrics"
	"feed-engine/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	jsonContentType     = "application/json"

	wsWriteTimeout = 10 * time.Second
)

// Engine is the part of *feed.Controller the HTTP surface drives.
type Engine interface {
	OnScroll(ctx context.Context, offset float64) (feed.Window, error)
	OnUserPlayPause(ctx context.Context) error
	OnAppBackground(ctx context.Context) error
	OnAppForeground(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	Snapshot(ctx context.Context) (feed.Snapshot, error)
	Playlist(ctx context.Context, item domain.ItemID) (string, error)
	Subscribe() (<-chan feed.Event, func())
	Done() <-chan struct{}
}

// Handler exposes the feed engine over HTTP using go-chi.
type Handler struct {
	engine   Engine
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler for engine. Metrics may be nil.
func NewHandler(engine Engine, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		engine:  engine,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the feed routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/feed", func(r chi.Router) {
		r.Post("/scroll", h.Scroll)
		r.Post("/toggle", h.Toggle)
		r.Post("/seek", h.Seek)
		r.Get("/state", h.State)
		r.Get("/events", h.Events)
	})
	r.Post("/app/background", h.Background)
	r.Post("/app/foreground", h.Foreground)
	r.Get("/items/{item_id}/playlist.m3u8", h.GetPlaylist)
}

type scrollRequest struct {
	Offset *float64 `json:"offset"`
}

type seekRequest struct {
	PositionMS *int64 `json:"position_ms"`
}

// Scroll handles POST /feed/scroll. Body: { "offset": 2.0 }.
func (h *Handler) Scroll(w http.ResponseWriter, r *http.Request) {
	var req scrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Offset == nil {
		h.log.Debug("invalid scroll body", slog.Any("error", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	win, err := h.engine.OnScroll(r.Context(), *req.Offset)
	if err != nil {
		h.fail(w, "scroll", err)
		return
	}
	h.metrics.IncCommands("scroll")
	h.writeJSON(w, win)
}

// Toggle handles POST /feed/toggle.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.OnUserPlayPause(r.Context()); err != nil {
		h.fail(w, "toggle", err)
		return
	}
	h.metrics.IncCommands("toggle")
	w.WriteHeader(http.StatusNoContent)
}

// Seek handles POST /feed/seek. Body: { "position_ms": 1500 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionMS == nil {
		h.log.Debug("invalid seek body", slog.Any("error", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	pos := time.Duration(*req.PositionMS) * time.Millisecond
	if err := h.engine.Seek(r.Context(), pos); err != nil {
		h.fail(w, "seek", err)
		return
	}
	h.metrics.IncCommands("seek")
	w.WriteHeader(http.StatusNoContent)
}

// Background handles POST /app/background.
func (h *Handler) Background(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.OnAppBackground(r.Context()); err != nil {
		h.fail(w, "background", err)
		return
	}
	h.metrics.IncCommands("background")
	w.WriteHeader(http.StatusNoContent)
}

// Foreground handles POST /app/foreground.
func (h *Handler) Foreground(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.OnAppForeground(r.Context()); err != nil {
		h.fail(w, "foreground", err)
		return
	}
	h.metrics.IncCommands("foreground")
	w.WriteHeader(http.StatusNoContent)
}

// State handles GET /feed/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.fail(w, "state", err)
		return
	}
	h.writeJSON(w, snap)
}

// GetPlaylist handles GET /items/{item_id}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := domain.ItemID(chi.URLParam(r, "item_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m3u8, err := h.engine.Playlist(r.Context(), id)
	if err != nil {
		h.fail(w, "playlist", err)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// Events handles GET /feed/events, streaming engine events as JSON text
// frames until the client goes away or the engine stops.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events, cancel := h.engine.Subscribe()
	defer cancel()

	// Clients only send control frames; reading surfaces the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debug("event stream opened", slog.String("remote", r.RemoteAddr))
	for {
		select {
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				h.log.Error("encoding event", slog.String("error", err.Error()))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-gone:
			h.log.Debug("event stream closed by client")
			return
		case <-h.engine.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped"),
				time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding response", slog.String("error", err.Error()))
	}
}

// fail maps an engine error to a status code.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		h.log.Debug(op+" rejected", slog.String("error", err.Error()))
	}
	w.WriteHeader(status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, feed.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, feed.ErrNotBound):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrNoActiveItem):
		return http.StatusConflict
	case errors.Is(err, session.ErrSeekRange), errors.Is(err, session.ErrIllegalTransition):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
