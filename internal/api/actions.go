package api

import (
	"errors"
	"net/http"

	"github.com/ashureev/coachline/internal/actions"
	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/identity"
	"github.com/go-chi/chi/v5"
)

// writeActionError maps service errors onto the wire error contract.
func writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *actions.ConflictError
	switch {
	case errors.As(err, &conflict):
		JSON(w, http.StatusConflict, domain.ErrorBody{
			Error:  "proposal_conflict",
			Detail: conflict.Reason,
			Status: conflict.Status,
		})
	case errors.Is(err, actions.ErrNotFound):
		ErrorDetail(w, http.StatusNotFound, "not_found", "proposal not found")
	case errors.Is(err, actions.ErrInvalidIdempotencyKey):
		ErrorDetail(w, http.StatusBadRequest, "invalid_idempotency_key",
			"idempotency_key must be 8-128 characters of letters, digits, '.', '_', ':' or '-'")
	default:
		logger(r).Error("Proposal action failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal_error")
	}
}

// HandleConfirm handles POST /api/actions/{id}/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req domain.ConfirmRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.actions.Confirm(r.Context(), athleteID, id, req.IdempotencyKey)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	logger(r).Info("Proposal confirmed", "proposal_id", id, "status", rec.Status)
	JSON(w, http.StatusOK, domain.ConfirmResultFrom(rec))
}

// HandleReject handles POST /api/actions/{id}/reject. The body is optional.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req domain.RejectRequest
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.actions.Reject(r.Context(), athleteID, id, req.Reason)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	logger(r).Info("Proposal rejected", "proposal_id", id)
	JSON(w, http.StatusOK, domain.RejectResultFrom(rec))
}

// HandleGetProposal handles GET /api/actions/{id}.
func (h *Handler) HandleGetProposal(w http.ResponseWriter, r *http.Request) {
	athleteID := identity.AthleteIDFromContext(r.Context())

	rec, err := h.actions.Get(r.Context(), athleteID, chi.URLParam(r, "id"))
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, domain.ProposalViewFrom(rec))
}
