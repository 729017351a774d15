package domain

import (
	"time"
)

// ProposalStatus is the lifecycle state of a proposed plan edit.
type ProposalStatus string

const (
	ProposalProposed  ProposalStatus = "proposed"
	ProposalConfirmed ProposalStatus = "confirmed"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalApplied   ProposalStatus = "applied"
	ProposalFailed    ProposalStatus = "failed"
)

// IsTerminal returns true if no further transitions are valid.
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case ProposalApplied, ProposalFailed, ProposalRejected:
		return true
	default:
		return false
	}
}

// Valid returns true for the known statuses.
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalProposed, ProposalConfirmed, ProposalRejected, ProposalApplied, ProposalFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	switch s {
	case ProposalProposed:
		return next == ProposalConfirmed || next == ProposalRejected
	case ProposalConfirmed:
		return next == ProposalApplied || next == ProposalFailed
	default:
		return false
	}
}

// Proposal is the client-visible handle for a server-issued plan edit.
type Proposal struct {
	ID     string         `json:"id"`
	Status ProposalStatus `json:"status"`
}

// WorkoutSnapshot is a point-in-time view of one scheduled workout.
type WorkoutSnapshot struct {
	Date        string  `json:"date" yaml:"date"`
	Title       string  `json:"title" yaml:"title"`
	Kind        string  `json:"kind" yaml:"kind"`
	DistanceKm  float64 `json:"distance_km" yaml:"distance_km"`
	DurationMin int     `json:"duration_min" yaml:"duration_min"`
	Intensity   string  `json:"intensity,omitempty" yaml:"intensity"`
	Notes       string  `json:"notes,omitempty" yaml:"notes"`
}

// Workout is a scheduled workout row in a training plan.
type Workout struct {
	PlanID    string `json:"plan_id"`
	WorkoutID string `json:"workout_id"`
	AthleteID string `json:"athlete_id"`
	WorkoutSnapshot
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the immutable view of w.
func (w *Workout) Snapshot() WorkoutSnapshot {
	return w.WorkoutSnapshot
}

// WorkoutPatch changes selected fields of one workout. Nil fields are left unchanged.
type WorkoutPatch struct {
	PlanID      string   `json:"plan_id" yaml:"plan_id"`
	WorkoutID   string   `json:"workout_id" yaml:"workout_id"`
	Date        *string  `json:"date,omitempty" yaml:"date"`
	Title       *string  `json:"title,omitempty" yaml:"title"`
	Kind        *string  `json:"kind,omitempty" yaml:"kind"`
	DistanceKm  *float64 `json:"distance_km,omitempty" yaml:"distance_km"`
	DurationMin *int     `json:"duration_min,omitempty" yaml:"duration_min"`
	Intensity   *string  `json:"intensity,omitempty" yaml:"intensity"`
	Notes       *string  `json:"notes,omitempty" yaml:"notes"`
}

// Apply returns a copy of s with the patch fields applied.
func (p WorkoutPatch) Apply(s WorkoutSnapshot) WorkoutSnapshot {
	if p.Date != nil {
		s.Date = *p.Date
	}
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Kind != nil {
		s.Kind = *p.Kind
	}
	if p.DistanceKm != nil {
		s.DistanceKm = *p.DistanceKm
	}
	if p.DurationMin != nil {
		s.DurationMin = *p.DurationMin
	}
	if p.Intensity != nil {
		s.Intensity = *p.Intensity
	}
	if p.Notes != nil {
		s.Notes = *p.Notes
	}
	return s
}

// DiffPreviewEntry is the before/after record of one changed workout.
type DiffPreviewEntry struct {
	PlanID    string          `json:"plan_id"`
	WorkoutID string          `json:"workout_id"`
	Before    WorkoutSnapshot `json:"before"`
	After     WorkoutSnapshot `json:"after"`
}

// ApplyReceipt is produced when a confirmed proposal is applied.
type ApplyReceipt struct {
	ActionsApplied int                `json:"actions_applied"`
	Changes        []DiffPreviewEntry `json:"changes"`
}

// ProposalRecord is the server-side persisted proposal.
type ProposalRecord struct {
	ID             string
	AthleteID      string
	ThreadID       string
	Status         ProposalStatus
	Actions        []WorkoutPatch
	IdempotencyKey string
	Receipt        *ApplyReceipt
	Error          string
	RejectReason   string
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
	AppliedAt      *time.Time
	RejectedAt     *time.Time
}

// Handle returns the client-visible proposal.
func (r *ProposalRecord) Handle() *Proposal {
	return &Proposal{ID: r.ID, Status: r.Status}
}
