package coach

import (
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/stream"
)

var (
	// ErrStreamingUnsupported is returned by a StreamTransport that cannot
	// deliver an incremental body. The session falls back to Exchange.
	ErrStreamingUnsupported = errors.New("coach: streaming not supported by transport")

	// ErrProposalNotFound indicates the server does not know the proposal.
	ErrProposalNotFound = errors.New("coach: proposal not found")

	// ErrInvalidIdempotencyKey indicates a malformed idempotency key.
	ErrInvalidIdempotencyKey = errors.New("coach: invalid idempotency key")

	// ErrEmptyMessage indicates a chat request without text.
	ErrEmptyMessage = errors.New("coach: message is required")
)

// TransportError is returned when the server answers with a non-success status.
type TransportError struct {
	StatusCode int
	// Message is the structured error detail, or the status line when the
	// body carried none.
	Message string
	// Code is the machine-readable error field of the body, if any.
	Code string
	// ProposalStatus is set by proposal endpoints on conflicts.
	ProposalStatus domain.ProposalStatus
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("coach: HTTP %d: %s", e.StatusCode, e.Message)
}

// TimeoutError is returned when the idle watchdog expired. A timed-out Done
// has already been dispatched when the session had not terminated.
type TimeoutError struct {
	Idle time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("coach: no data from server for %s", e.Idle)
}

func (e *TimeoutError) Unwrap() error {
	return stream.ErrIdleTimeout
}

// ProposalConflict is returned when a proposal is already terminal, or was
// confirmed under a different idempotency key.
type ProposalConflict struct {
	ProposalID string
	Status     domain.ProposalStatus
	Message    string
}

func (e *ProposalConflict) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("coach: proposal %s is %s: %s", e.ProposalID, e.Status, e.Message)
	}
	return fmt.Sprintf("coach: proposal %s conflict: %s", e.ProposalID, e.Message)
}

// IsTimeout reports whether err came from the idle watchdog.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsConflict reports whether err is a ProposalConflict.
func IsConflict(err error) bool {
	var conflict *ProposalConflict
	return errors.As(err, &conflict)
}
