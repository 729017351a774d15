// Package actions owns the server side of the proposal lifecycle: issuing
// proposals, confirming them exactly once per idempotency key, applying
// their workout patches, and rejecting them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown proposals and for proposals owned
	// by another athlete.
	ErrNotFound = errors.New("proposal not found")

	// ErrInvalidIdempotencyKey is returned for malformed keys.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")

	// ErrNoActions is returned when a proposal would change nothing.
	ErrNoActions = errors.New("proposal has no actions")
)

// ConflictError is returned when a proposal cannot take the requested
// transition from its current status.
type ConflictError struct {
	ProposalID string
	Status     domain.ProposalStatus
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("proposal %s is %s: %s", e.ProposalID, e.Status, e.Reason)
}

// Service is safe for concurrent use.
type Service struct {
	repo   store.Repository
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	// locks serializes lifecycle calls per proposal id.
	locks sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the proposal id generator.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a proposal service backed by repo.
func NewService(repo store.Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Issue persists a new proposal in the proposed state.
func (s *Service) Issue(ctx context.Context, athleteID, threadID string, patches []domain.WorkoutPatch) (*domain.Proposal, error) {
	if len(patches) == 0 {
		return nil, ErrNoActions
	}
	for i, p := range patches {
		if p.PlanID == "" || p.WorkoutID == "" {
			return nil, fmt.Errorf("issue proposal: action %d has no target workout", i)
		}
	}

	rec := &domain.ProposalRecord{
		ID:        s.newID(),
		AthleteID: athleteID,
		ThreadID:  threadID,
		Status:    domain.ProposalProposed,
		Actions:   patches,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateProposal(ctx, rec); err != nil {
		return nil, fmt.Errorf("issue proposal: %w", err)
	}

	s.logger.Info("Proposal issued",
		"proposal_id", rec.ID,
		"athlete_id", athleteID,
		"thread_id", threadID,
		"actions", len(patches),
	)
	return rec.Handle(), nil
}

// Get returns a proposal owned by athleteID.
func (s *Service) Get(ctx context.Context, athleteID, id string) (*domain.ProposalRecord, error) {
	rec, err := s.repo.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if rec == nil || rec.AthleteID != athleteID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Confirm applies a proposal. The first call with a key moves it to
// confirmed and applies it; later calls with the same key return the stored
// result. A different key on a proposal that is no longer proposed is a
// conflict. A failed apply is recorded as status failed and not retried.
func (s *Service) Confirm(ctx context.Context, athleteID, id, key string) (*domain.ProposalRecord, error) {
	if !domain.ValidIdempotencyKey(key) {
		return nil, ErrInvalidIdempotencyKey
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.Get(ctx, athleteID, id)
	if err != nil {
		return nil, err
	}

	if rec.Status == domain.ProposalProposed {
		ok, err := s.repo.MarkProposalConfirmed(ctx, id, key, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("confirm proposal: %w", err)
		}
		if ok {
			s.logger.Info("Proposal confirmed", "proposal_id", id, "idempotency_key", key)
			return s.apply(ctx, athleteID, id)
		}
		// Lost the compare-and-set to another process.
		if rec, err = s.Get(ctx, athleteID, id); err != nil {
			return nil, err
		}
	}

	if rec.IdempotencyKey != key || rec.Status == domain.ProposalRejected {
		return nil, &ConflictError{ProposalID: id, Status: rec.Status, Reason: "already " + string(rec.Status)}
	}
	if rec.Status == domain.ProposalConfirmed {
		// Confirmed under this key but never applied; finish the job.
		s.logger.Warn("Resuming interrupted apply", "proposal_id", id, "idempotency_key", key)
		return s.apply(ctx, athleteID, id)
	}

	s.logger.Info("Replaying confirm", "proposal_id", id, "status", rec.Status, "idempotency_key", key)
	return rec, nil
}

func (s *Service) apply(ctx context.Context, athleteID, id string) (*domain.ProposalRecord, error) {
	receipt, err := s.repo.ApplyProposal(ctx, id, s.now().UTC())
	if err != nil {
		s.logger.Warn("Proposal apply failed", "proposal_id", id, "error", err)
		if markErr := s.repo.MarkProposalFailed(ctx, id, failureReason(err)); markErr != nil {
			return nil, fmt.Errorf("record failed apply: %w", markErr)
		}
	} else {
		s.logger.Info("Proposal applied", "proposal_id", id, "actions_applied", receipt.ActionsApplied)
	}
	return s.Get(ctx, athleteID, id)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrWorkoutNotFound):
		return "a workout in this proposal no longer exists"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "the plan update was interrupted"
	default:
		return "the plan could not be updated"
	}
}

// Reject declines a proposed proposal. Rejecting a rejected proposal returns
// it unchanged; any other non-proposed status is a conflict.
func (s *Service) Reject(ctx context.Context, athleteID, id, reason string) (*domain.ProposalRecord, error) {
	unlock := s.lock(id)
	defer unlock()

	rec, err := s.Get(ctx, athleteID, id)
	if err != nil {
		return nil, err
	}

	if rec.Status == domain.ProposalProposed {
		ok, err := s.repo.RejectProposal(ctx, id, reason, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("reject proposal: %w", err)
		}
		if rec, err = s.Get(ctx, athleteID, id); err != nil {
			return nil, err
		}
		if ok {
			s.logger.Info("Proposal rejected", "proposal_id", id)
			return rec, nil
		}
	}

	if rec.Status == domain.ProposalRejected {
		return rec, nil
	}
	return nil, &ConflictError{ProposalID: id, Status: rec.Status, Reason: "already " + string(rec.Status)}
}
