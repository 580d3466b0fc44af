package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ioxble/internal/protocol"
	"ioxble/internal/session"
	"ioxble/internal/store"
)

const (
	maxBodySize     = 4 << 10
	maxHistoryLimit = 1000
)

// Handler serves the ioxble HTTP API.
type Handler struct {
	module       *Module
	hub          *Hub
	db           *store.DB // nil when history is disabled
	historyLimit int
	log          *zap.Logger
}

// NewHandler creates the HTTP handler. db may be nil.
func NewHandler(module *Module, hub *Hub, db *store.DB, historyLimit int, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Handler{
		module:       module,
		hub:          hub,
		db:           db,
		historyLimit: historyLimit,
		log:          log.With(zap.String("component", "http")),
	}
}

// Routes mounts the ioxble endpoints on r. The WebSocket stays open, so
// only the request/response routes get the timeout.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Get("/state", h.State)
		r.Get("/history", h.History)
	})
	if h.hub != nil {
		r.Get("/ws", h.hub.ServeHTTP)
	}
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": message,
	})
}

// ErrorStatus maps a module error to an HTTP status code.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidArgument), errors.Is(err, protocol.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyStarted), errors.Is(err, session.ErrStartInProgress):
		return http.StatusConflict
	case session.IsCapabilityError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Session control
// ============================================================================

// Start starts the IOX BLE session.
// @Summary Start IOX BLE
// @Description Publishes the GATT service and starts advertising
// @Tags IOXBLE
// @Accept json
// @Produce json
// @Param request body StartParams true "Service UUID and reconnect flag"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /ioxble/start [post]
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var p StartParams
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&p); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := h.module.Start(ctx, p); err != nil {
		status := ErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Warn("start failed", zap.String("uuid", p.UUID), zap.Error(err))
		}
		errorResponse(w, status, err.Error())
		return
	}
	successResponse(w, "advertising "+p.UUID)
}

// Stop stops the IOX BLE session.
// @Summary Stop IOX BLE
// @Tags IOXBLE
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /ioxble/stop [post]
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.module.Stop()
	successResponse(w, "stopped")
}

// StateResponse is the session status plus the number of connected
// WebSocket clients.
type StateResponse struct {
	session.Status
	Clients int `json:"clients"`
}

// State returns the session state and counters.
// @Summary Get IOX BLE state
// @Tags IOXBLE
// @Produce json
// @Success 200 {object} StateResponse
// @Router /ioxble/state [get]
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{Status: h.module.Status()}
	if h.hub != nil {
		resp.Clients = h.hub.Len()
	}
	jsonResponse(w, http.StatusOK, resp)
}

// History returns the most recent decoded telemetry.
// @Summary Get telemetry history
// @Tags IOXBLE
// @Produce json
// @Param limit query int false "Maximum entries" example(50)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /ioxble/history [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		errorResponse(w, http.StatusNotFound, "telemetry history is disabled")
		return
	}

	limit := h.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			errorResponse(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	entries, err := h.db.RecentTelemetry(r.Context(), limit)
	if err != nil {
		h.log.Error("history query failed", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	total, err := h.db.CountTelemetry(r.Context())
	if err != nil {
		h.log.Error("history count failed", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"total":   total,
	})
}

// ============================================================================
// Native callback
// ============================================================================

// HistoryCallback returns a NativeCallback that stores decoded telemetry in
// db. Errors are logged, not stored.
func HistoryCallback(db *store.DB, log *zap.Logger) NativeCallback {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "history"))
	return func(d *protocol.GoDeviceData, err error) {
		if err != nil {
			log.Info("telemetry error", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.InsertTelemetry(ctx, *d, time.Now()); err != nil {
			log.Error("store telemetry", zap.Error(err))
		}
	}
}

// ChainCallbacks calls each non-nil callback in order.
func ChainCallbacks(cbs ...NativeCallback) NativeCallback {
	return func(d *protocol.GoDeviceData, err error) {
		for _, cb := range cbs {
			if cb != nil {
				cb(d, err)
			}
		}
	}
}
