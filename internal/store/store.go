// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/coachline/internal/domain"
)

var (
	// ErrWorkoutNotFound is returned when a patch targets an unknown workout.
	ErrWorkoutNotFound = errors.New("workout not found")

	// ErrProposalNotConfirmed is returned by ApplyProposal for a proposal
	// that is not in the confirmed state.
	ErrProposalNotConfirmed = errors.New("proposal is not confirmed")
)

// Repository defines the interface for persisting plans and proposals.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// UpsertWorkout creates or replaces a workout.
	UpsertWorkout(ctx context.Context, w *domain.Workout) error

	// GetWorkout retrieves a workout. It returns nil, nil when absent.
	GetWorkout(ctx context.Context, planID, workoutID string) (*domain.Workout, error)

	// ListWorkouts returns an athlete's workouts ordered by date.
	ListWorkouts(ctx context.Context, athleteID string) ([]*domain.Workout, error)

	// CreateProposal persists a newly issued proposal.
	CreateProposal(ctx context.Context, p *domain.ProposalRecord) error

	// GetProposal retrieves a proposal. It returns nil, nil when absent.
	GetProposal(ctx context.Context, id string) (*domain.ProposalRecord, error)

	// MarkProposalConfirmed moves a proposal from proposed to confirmed and
	// records the idempotency key. It reports false when the proposal was no
	// longer proposed (compare-and-set).
	MarkProposalConfirmed(ctx context.Context, id, key string, at time.Time) (bool, error)

	// ApplyProposal applies every action of a confirmed proposal in one
	// transaction and marks it applied. On error nothing is changed.
	ApplyProposal(ctx context.Context, id string, at time.Time) (*domain.ApplyReceipt, error)

	// ListStaleConfirmed returns proposals still in confirmed whose confirm
	// happened before cutoff, oldest first.
	ListStaleConfirmed(ctx context.Context, cutoff time.Time) ([]*domain.ProposalRecord, error)

	// MarkProposalFailed moves a confirmed proposal to failed.
	MarkProposalFailed(ctx context.Context, id, reason string) error

	// RejectProposal moves a proposal from proposed to rejected. It reports
	// false when the proposal was no longer proposed.
	RejectProposal(ctx context.Context, id, reason string, at time.Time) (bool, error)
}
