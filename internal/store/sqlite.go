package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/ashureev/coachline/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions take the write lock
	// up front so an apply never upgrades mid-transaction.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS workouts (
		plan_id TEXT NOT NULL,
		workout_id TEXT NOT NULL,
		athlete_id TEXT NOT NULL,
		date TEXT NOT NULL,
		title TEXT NOT NULL,
		kind TEXT NOT NULL,
		distance_km REAL NOT NULL DEFAULT 0,
		duration_min INTEGER NOT NULL DEFAULT 0,
		intensity TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (plan_id, workout_id)
	);
	CREATE INDEX IF NOT EXISTS idx_workouts_athlete ON workouts(athlete_id, date);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		athlete_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		actions_json TEXT NOT NULL,
		idempotency_key TEXT,
		receipt_json TEXT,
		error TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		confirmed_at INTEGER,
		applied_at INTEGER,
		rejected_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_thread ON proposals(thread_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertWorkout creates or replaces a workout.
func (s *SQLiteStore) UpsertWorkout(ctx context.Context, w *domain.Workout) error {
	query := `
	INSERT INTO workouts (plan_id, workout_id, athlete_id, date, title, kind,
		distance_km, duration_min, intensity, notes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(plan_id, workout_id) DO UPDATE SET
		athlete_id = excluded.athlete_id,
		date = excluded.date,
		title = excluded.title,
		kind = excluded.kind,
		distance_km = excluded.distance_km,
		duration_min = excluded.duration_min,
		intensity = excluded.intensity,
		notes = excluded.notes,
		updated_at = excluded.updated_at`

	updatedAt := w.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return shared.RetrySQLite(ctx, shared.DefaultRetryPolicy, "upsert workout", func() error {
		_, err := s.db.ExecContext(ctx, query,
			w.PlanID, w.WorkoutID, w.AthleteID, w.Date, w.Title, w.Kind,
			w.DistanceKm, w.DurationMin, w.Intensity, w.Notes, updatedAt.UnixMilli(),
		)
		return err
	})
}

const workoutColumns = `plan_id, workout_id, athlete_id, date, title, kind,
	distance_km, duration_min, intensity, notes, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkout(row rowScanner) (*domain.Workout, error) {
	var w domain.Workout
	var updatedAt int64
	if err := row.Scan(
		&w.PlanID, &w.WorkoutID, &w.AthleteID, &w.Date, &w.Title, &w.Kind,
		&w.DistanceKm, &w.DurationMin, &w.Intensity, &w.Notes, &updatedAt,
	); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.UnixMilli(updatedAt)
	return &w, nil
}

// GetWorkout retrieves a workout by plan and workout id.
func (s *SQLiteStore) GetWorkout(ctx context.Context, planID, workoutID string) (*domain.Workout, error) {
	query := `SELECT ` + workoutColumns + ` FROM workouts WHERE plan_id = ? AND workout_id = ?`
	w, err := scanWorkout(s.db.QueryRowContext(ctx, query, planID, workoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan workout row: %w", err)
	}
	return w, nil
}

// ListWorkouts returns an athlete's workouts ordered by date.
func (s *SQLiteStore) ListWorkouts(ctx context.Context, athleteID string) ([]*domain.Workout, error) {
	query := `SELECT ` + workoutColumns + ` FROM workouts WHERE athlete_id = ? ORDER BY date, plan_id, workout_id`
	rows, err := s.db.QueryContext(ctx, query, athleteID)
	if err != nil {
		return nil, fmt.Errorf("query workouts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close workout rows", "error", closeErr)
		}
	}()

	var out []*domain.Workout
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workout row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workouts: %w", err)
	}
	return out, nil
}

// CreateProposal persists a newly issued proposal.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *domain.ProposalRecord) error {
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("marshal proposal actions: %w", err)
	}
	status := p.Status
	if status == "" {
		status = domain.ProposalProposed
	}

	query := `
	INSERT INTO proposals (id, athlete_id, thread_id, status, actions_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetrySQLite(ctx, shared.DefaultRetryPolicy, "create proposal", func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.ID, p.AthleteID, p.ThreadID, string(status), string(actions), p.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// GetProposal retrieves a proposal by id.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*domain.ProposalRecord, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = ?`

	rec, err := scanProposal(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal row: %w", err)
	}
	return rec, nil
}

const proposalColumns = `id, athlete_id, thread_id, status, actions_json, idempotency_key,
	receipt_json, error, reject_reason, created_at, confirmed_at, applied_at, rejected_at`

// ListStaleConfirmed returns proposals stuck between confirm and apply.
func (s *SQLiteStore) ListStaleConfirmed(ctx context.Context, cutoff time.Time) ([]*domain.ProposalRecord, error) {
	query := `SELECT ` + proposalColumns + `
		FROM proposals
		WHERE status = ? AND confirmed_at < ?
		ORDER BY confirmed_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(domain.ProposalConfirmed), cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stale proposals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close proposal rows", "error", closeErr)
		}
	}()

	var out []*domain.ProposalRecord
	for rows.Next() {
		rec, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale proposals: %w", err)
	}
	return out, nil
}

func scanProposal(row rowScanner) (*domain.ProposalRecord, error) {
	var rec domain.ProposalRecord
	var status, actionsJSON string
	var key, receiptJSON sql.NullString
	var createdAt int64
	var confirmedAt, appliedAt, rejectedAt sql.NullInt64

	if err := row.Scan(
		&rec.ID, &rec.AthleteID, &rec.ThreadID, &status, &actionsJSON, &key,
		&receiptJSON, &rec.Error, &rec.RejectReason, &createdAt, &confirmedAt,
		&appliedAt, &rejectedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = domain.ProposalStatus(status)
	rec.IdempotencyKey = key.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ConfirmedAt = nullTime(confirmedAt)
	rec.AppliedAt = nullTime(appliedAt)
	rec.RejectedAt = nullTime(rejectedAt)

	if err := json.Unmarshal([]byte(actionsJSON), &rec.Actions); err != nil {
		return nil, fmt.Errorf("decode proposal actions: %w", err)
	}
	if receiptJSON.Valid {
		var receipt domain.ApplyReceipt
		if err := json.Unmarshal([]byte(receiptJSON.String), &receipt); err != nil {
			return nil, fmt.Errorf("decode proposal receipt: %w", err)
		}
		rec.Receipt = &receipt
	}
	return &rec, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// MarkProposalConfirmed moves a proposal from proposed to confirmed.
func (s *SQLiteStore) MarkProposalConfirmed(ctx context.Context, id, key string, at time.Time) (bool, error) {
	query := `
	UPDATE proposals SET status = ?, idempotency_key = ?, confirmed_at = ?
	WHERE id = ? AND status = ?`

	var rows int64
	err := shared.RetrySQLite(ctx, shared.DefaultRetryPolicy, "confirm proposal", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(domain.ProposalConfirmed), key, at.UnixMilli(), id, string(domain.ProposalProposed),
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	if rows == 0 {
		slog.Debug("MarkProposalConfirmed affected 0 rows", "proposal_id", id)
	}
	return rows == 1, nil
}

// ApplyProposal applies every action of a confirmed proposal in one
// transaction and marks it applied.
func (s *SQLiteStore) ApplyProposal(ctx context.Context, id string, at time.Time) (*domain.ApplyReceipt, error) {
	var receipt *domain.ApplyReceipt
	err := shared.RetrySQLite(ctx, shared.DefaultRetryPolicy, "apply proposal", func() error {
		var err error
		receipt, err = s.applyProposalOnce(ctx, id, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *SQLiteStore) applyProposalOnce(ctx context.Context, id string, at time.Time) (receipt *domain.ApplyReceipt, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back apply", "proposal_id", id, "error", rbErr)
			}
		}
	}()

	var athleteID, status, actionsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT athlete_id, status, actions_json FROM proposals WHERE id = ?`, id,
	).Scan(&athleteID, &status, &actionsJSON)
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	if domain.ProposalStatus(status) != domain.ProposalConfirmed {
		return nil, fmt.Errorf("%w: status is %s", ErrProposalNotConfirmed, status)
	}
	var actions []domain.WorkoutPatch
	if err = json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return nil, fmt.Errorf("decode proposal actions: %w", err)
	}

	receipt = &domain.ApplyReceipt{Changes: make([]domain.DiffPreviewEntry, 0, len(actions))}
	selectQuery := `SELECT ` + workoutColumns + ` FROM workouts WHERE plan_id = ? AND workout_id = ? AND athlete_id = ?`
	updateQuery := `
	UPDATE workouts SET date = ?, title = ?, kind = ?, distance_km = ?,
		duration_min = ?, intensity = ?, notes = ?, updated_at = ?
	WHERE plan_id = ? AND workout_id = ?`

	for _, patch := range actions {
		var w *domain.Workout
		w, err = scanWorkout(tx.QueryRowContext(ctx, selectQuery, patch.PlanID, patch.WorkoutID, athleteID))
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s/%s", ErrWorkoutNotFound, patch.PlanID, patch.WorkoutID)
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("load workout: %w", err)
		}

		before := w.Snapshot()
		after := patch.Apply(before)
		if _, err = tx.ExecContext(ctx, updateQuery,
			after.Date, after.Title, after.Kind, after.DistanceKm,
			after.DurationMin, after.Intensity, after.Notes, at.UnixMilli(),
			patch.PlanID, patch.WorkoutID,
		); err != nil {
			return nil, fmt.Errorf("update workout: %w", err)
		}

		receipt.Changes = append(receipt.Changes, domain.DiffPreviewEntry{
			PlanID:    patch.PlanID,
			WorkoutID: patch.WorkoutID,
			Before:    before,
			After:     after,
		})
		receipt.ActionsApplied++
	}

	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE proposals SET status = ?, applied_at = ?, receipt_json = ? WHERE id = ? AND status = ?`,
		string(domain.ProposalApplied), at.UnixMilli(), string(receiptJSON), id, string(domain.ProposalConfirmed),
	); err != nil {
		return nil, fmt.Errorf("mark proposal applied: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply: %w", err)
	}
	return receipt, nil
}

// MarkProposalFailed moves a confirmed proposal to failed.
func (s *SQLiteStore) MarkProposalFailed(ctx context.Context, id, reason string) error {
	query := `UPDATE proposals SET status = ?, error = ? WHERE id = ? AND status = ?`
	return shared.RetrySQLite(ctx, shared.DefaultRetryPolicy, "mark proposal failed", func() error {
		_, err := s.db.ExecContext(ctx, query,
			string(domain.ProposalFailed), reason, id, string(domain.ProposalConfirmed),
		)
		return err
	})
}

// RejectProposal moves a proposal from proposed to rejected.
func (s *SQLiteStore) RejectProposal(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	query := `
	UPDATE proposals SET status = ?, reject_reason = ?, rejected_at = ?
	WHERE id = ? AND status = ?`

	var rows int64
	err := shared.RetrySQLite(ctx, shared.DefaultRetryPolicy, "reject proposal", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(domain.ProposalRejected), reason, at.UnixMilli(), id, string(domain.ProposalProposed),
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
