package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	rootBanner          = "Homepage Backend API"
	exampleMessage      = "Hello from the homepage backend!"
	defaultCheckTimeout = 5 * time.Second
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReloadState exposes the advisory certificate reload signal.
type ReloadState interface {
	Pending() bool
}

// Handler serves the service endpoints on top of the database, cache and
// certificate watcher state.
type Handler struct {
	db     Pinger
	cache  Pinger
	reload ReloadState
	logger *zap.Logger

	clock        func() time.Time
	checkTimeout time.Duration
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithCache reports cache connectivity on the status endpoint.
func WithCache(cache Pinger) HandlerOption {
	return func(h *Handler) {
		h.cache = cache
	}
}

// WithReloadState reports the certificate reload signal on the status endpoint.
func WithReloadState(state ReloadState) HandlerOption {
	return func(h *Handler) {
		h.reload = state
	}
}

// WithCheckTimeout bounds each dependency probe.
func WithCheckTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.checkTimeout = d
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(db Pinger, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		db:     db,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		checkTimeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rootBanner))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.probe(r.Context(), h.db); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:   "unhealthy",
			Database: "disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "healthy",
		Database: "connected",
	})
}

func (h *Handler) handleExample(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, exampleResponse{
		Message:   exampleMessage,
		Timestamp: h.clock(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Database:  connectionState(h.probe(r.Context(), h.db)),
		Cache:     "unconfigured",
		Timestamp: h.clock(),
	}
	if h.cache != nil {
		resp.Cache = connectionState(h.probe(r.Context(), h.cache))
	}
	if h.reload != nil {
		resp.CertificateReloadPending = h.reload.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) probe(ctx context.Context, p Pinger) error {
	if p == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()
	return p.Ping(ctx)
}

func connectionState(err error) string {
	if err != nil {
		return "disconnected"
	}
	return "connected"
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

type exampleResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type statusResponse struct {
	Database                 string    `json:"database"`
	Cache                    string    `json:"cache"`
	CertificateReloadPending bool      `json:"certificateReloadPending"`
	Timestamp                time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{
		Error:   message,
		Details: details,
	})
}
