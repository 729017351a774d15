package domain

import (
	"regexp"
	"time"
)

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

// ValidIdempotencyKey reports whether key is acceptable for a confirm call.
func ValidIdempotencyKey(key string) bool {
	return idempotencyKeyPattern.MatchString(key)
}

// ChatRequest is the body of both the streaming and the blocking chat call.
type ChatRequest struct {
	Message        string `json:"message"`
	IncludeContext *bool  `json:"include_context,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
}

// ChatResponse is the body returned by the blocking chat call.
type ChatResponse struct {
	Response          string    `json:"response"`
	ThreadID          string    `json:"thread_id,omitempty"`
	Proposal          *Proposal `json:"proposal,omitempty"`
	Error             string    `json:"error"`
	TimedOut          bool      `json:"timed_out,omitempty"`
	HistoryThin       bool      `json:"history_thin,omitempty"`
	UsedBaseline      bool      `json:"used_baseline,omitempty"`
	BaselineNeeded    bool      `json:"baseline_needed,omitempty"`
	RebuildPlanPrompt bool      `json:"rebuild_plan_prompt,omitempty"`
}

// ConfirmRequest is the body of POST /actions/{id}/confirm.
type ConfirmRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// ConfirmResult is the outcome of a confirm call.
type ConfirmResult struct {
	ProposalID  string         `json:"proposal_id"`
	Status      ProposalStatus `json:"status"`
	ConfirmedAt *time.Time     `json:"confirmed_at"`
	AppliedAt   *time.Time     `json:"applied_at"`
	Receipt     *ApplyReceipt  `json:"receipt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// RejectRequest is the body of POST /actions/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RejectResult is the outcome of a reject call.
type RejectResult struct {
	ProposalID string         `json:"proposal_id"`
	Status     ProposalStatus `json:"status"`
	RejectedAt *time.Time     `json:"rejected_at"`
}

// ErrorBody is the JSON body of every non-2xx API response.
type ErrorBody struct {
	Error  string         `json:"error"`
	Detail string         `json:"detail,omitempty"`
	Status ProposalStatus `json:"status,omitempty"`
}

// ConfirmResultFrom builds the wire result for a stored proposal.
func ConfirmResultFrom(r *ProposalRecord) *ConfirmResult {
	return &ConfirmResult{
		ProposalID:  r.ID,
		Status:      r.Status,
		ConfirmedAt: r.ConfirmedAt,
		AppliedAt:   r.AppliedAt,
		Receipt:     r.Receipt,
		Error:       r.Error,
	}
}

// RejectResultFrom builds the wire result for a rejected proposal.
func RejectResultFrom(r *ProposalRecord) *RejectResult {
	return &RejectResult{
		ProposalID: r.ID,
		Status:     r.Status,
		RejectedAt: r.RejectedAt,
	}
}

// ProposalView is the body of GET /actions/{id}.
type ProposalView struct {
	ProposalID  string         `json:"proposal_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Status      ProposalStatus `json:"status"`
	Actions     []WorkoutPatch `json:"actions"`
	Receipt     *ApplyReceipt  `json:"receipt,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	AppliedAt   *time.Time     `json:"applied_at,omitempty"`
	RejectedAt  *time.Time     `json:"rejected_at,omitempty"`
}

// ProposalViewFrom builds the status view of a stored proposal.
func ProposalViewFrom(r *ProposalRecord) *ProposalView {
	return &ProposalView{
		ProposalID:  r.ID,
		ThreadID:    r.ThreadID,
		Status:      r.Status,
		Actions:     r.Actions,
		Receipt:     r.Receipt,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		ConfirmedAt: r.ConfirmedAt,
		AppliedAt:   r.AppliedAt,
		RejectedAt:  r.RejectedAt,
	}
}
