package coach

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/ashureev/coachline/internal/domain"
)

// codeInvalidIdempotencyKey is the error code the server uses for a
// malformed idempotency key.
const codeInvalidIdempotencyKey = "invalid_idempotency_key"

func actionPath(proposalID, verb string) string {
	p := "/actions/" + url.PathEscape(proposalID)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

// Confirm asks the server to apply a proposal. Calling it again with the same
// key replays the original terminal result; the server applies at most once.
// A failed application is not an error: the result carries status failed and
// the server's description, and is not retried.
func (c *Client) Confirm(ctx context.Context, proposalID, key string) (*domain.ConfirmResult, error) {
	if proposalID == "" {
		return nil, fmt.Errorf("confirm proposal: %w", ErrProposalNotFound)
	}
	if !domain.ValidIdempotencyKey(key) {
		return nil, fmt.Errorf("confirm proposal %s: %w", proposalID, ErrInvalidIdempotencyKey)
	}

	var out domain.ConfirmResult
	err := c.api.postJSON(ctx, actionPath(proposalID, "confirm"), domain.ConfirmRequest{IdempotencyKey: key}, &out)
	if err != nil {
		return nil, fmt.Errorf("confirm proposal %s: %w", proposalID, mapProposalError(proposalID, err))
	}

	c.logger.Info("Proposal confirmed",
		"proposal_id", proposalID,
		"status", out.Status,
		"idempotency_key", key,
	)
	return &out, nil
}

// Reject declines a proposal. Rejection is terminal.
func (c *Client) Reject(ctx context.Context, proposalID, reason string) (*domain.RejectResult, error) {
	if proposalID == "" {
		return nil, fmt.Errorf("reject proposal: %w", ErrProposalNotFound)
	}

	var out domain.RejectResult
	err := c.api.postJSON(ctx, actionPath(proposalID, "reject"), domain.RejectRequest{Reason: reason}, &out)
	if err != nil {
		return nil, fmt.Errorf("reject proposal %s: %w", proposalID, mapProposalError(proposalID, err))
	}

	c.logger.Info("Proposal rejected", "proposal_id", proposalID)
	return &out, nil
}

// GetProposal fetches the current state of a proposal.
func (c *Client) GetProposal(ctx context.Context, proposalID string) (*domain.ProposalView, error) {
	if proposalID == "" {
		return nil, fmt.Errorf("get proposal: %w", ErrProposalNotFound)
	}

	var out domain.ProposalView
	if err := c.api.getJSON(ctx, actionPath(proposalID, ""), &out); err != nil {
		return nil, fmt.Errorf("get proposal %s: %w", proposalID, mapProposalError(proposalID, err))
	}
	return &out, nil
}

func mapProposalError(proposalID string, err error) error {
	terr, ok := asTransportError(err)
	if !ok {
		return err
	}
	switch {
	case terr.StatusCode == http.StatusNotFound:
		return ErrProposalNotFound
	case terr.StatusCode == http.StatusConflict:
		return &ProposalConflict{ProposalID: proposalID, Status: terr.ProposalStatus, Message: terr.Message}
	case terr.StatusCode == http.StatusBadRequest && terr.Code == codeInvalidIdempotencyKey:
		return ErrInvalidIdempotencyKey
	default:
		return err
	}
}

// ConfirmAttempt is one user-intended confirmation. Every call to Confirm on
// the same attempt carries the same idempotency key, so a retry after a lost
// response can never apply the proposal twice.
type ConfirmAttempt struct {
	client     *Client
	proposalID string
	key        string

	mu     sync.Mutex
	result *domain.ConfirmResult
}

// BeginConfirm starts a confirmation with a fresh idempotency key. Use a new
// attempt for each distinct user action and reuse it for mechanical retries.
func (c *Client) BeginConfirm(proposalID string) *ConfirmAttempt {
	return &ConfirmAttempt{client: c, proposalID: proposalID, key: c.newKey()}
}

// Key returns the idempotency key of the attempt.
func (a *ConfirmAttempt) Key() string {
	return a.key
}

// ProposalID returns the proposal the attempt confirms.
func (a *ConfirmAttempt) ProposalID() string {
	return a.proposalID
}

// Confirm performs or retries the confirmation. Once a terminal result was
// observed it is returned without another request.
func (a *ConfirmAttempt) Confirm(ctx context.Context) (*domain.ConfirmResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.result != nil {
		return a.result, nil
	}
	res, err := a.client.Confirm(ctx, a.proposalID, a.key)
	if err != nil {
		return nil, err
	}
	if res.Status.IsTerminal() {
		a.result = res
	}
	return res, nil
}

// Retryable reports whether err from Confirm may be retried on the same
// attempt. Conflicts, unknown proposals and bad keys are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProposalNotFound) || errors.Is(err, ErrInvalidIdempotencyKey) || IsConflict(err) {
		return false
	}
	if terr, ok := asTransportError(err); ok {
		return terr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}
