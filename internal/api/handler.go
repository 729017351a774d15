// Package api provides HTTP handlers for the coach API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/coachline/internal/actions"
	"github.com/ashureev/coachline/internal/config"
	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/responder"
	"github.com/ashureev/coachline/internal/store"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	actions   *actions.Service
	coach     responder.Responder
	cfg       *config.Config
	exchanges *ExchangeRegistry
	newID     func() string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, svc *actions.Service, coach responder.Responder, cfg *config.Config) *Handler {
	return &Handler{
		repo:      repo,
		actions:   svc,
		coach:     coach,
		cfg:       cfg,
		exchanges: NewExchangeRegistry(),
		newID:     uuid.NewString,
	}
}

// Exchanges exposes the live exchange registry, for shutdown.
func (h *Handler) Exchanges() *ExchangeRegistry {
	return h.exchanges
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, domain.ErrorBody{Error: message})
}

// ErrorDetail writes a JSON error response with a machine code and detail.
func ErrorDetail(w http.ResponseWriter, status int, code, detail string) {
	JSON(w, status, domain.ErrorBody{Error: code, Detail: detail})
}

// decodeJSON reads a size-limited JSON body into v, writing the error
// response itself when it fails.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorDetail(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds the size limit")
			return false
		}
		ErrorDetail(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return false
	}
	return true
}

func logger(r *http.Request) *slog.Logger {
	return slog.With("request_id", chiMiddleware.GetReqID(r.Context()), "method", r.Method, "path", r.URL.Path)
}
