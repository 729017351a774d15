package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/coachline/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "coach.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedWorkouts(t *testing.T, repo Repository) {
	t.Helper()
	workouts := []*domain.Workout{
		{PlanID: "plan-1", WorkoutID: "w-1", AthleteID: "ath-1", WorkoutSnapshot: domain.WorkoutSnapshot{
			Date: "2026-03-02", Title: "Easy run", Kind: "run", DistanceKm: 8, DurationMin: 45, Intensity: "easy",
		}},
		{PlanID: "plan-1", WorkoutID: "w-2", AthleteID: "ath-1", WorkoutSnapshot: domain.WorkoutSnapshot{
			Date: "2026-03-04", Title: "Intervals", Kind: "run", DistanceKm: 10, DurationMin: 60, Intensity: "hard",
		}},
		{PlanID: "plan-1", WorkoutID: "w-3", AthleteID: "ath-1", WorkoutSnapshot: domain.WorkoutSnapshot{
			Date: "2026-03-07", Title: "Long run", Kind: "run", DistanceKm: 24, DurationMin: 140, Intensity: "steady",
		}},
	}
	for _, w := range workouts {
		if err := repo.UpsertWorkout(context.Background(), w); err != nil {
			t.Fatalf("UpsertWorkout(%s) error = %v", w.WorkoutID, err)
		}
	}
}

func ptr[T any](v T) *T { return &v }

func createProposal(t *testing.T, repo Repository, id string, actions ...domain.WorkoutPatch) {
	t.Helper()
	err := repo.CreateProposal(context.Background(), &domain.ProposalRecord{
		ID:        id,
		AthleteID: "ath-1",
		ThreadID:  "thread-1",
		Actions:   actions,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
}

func TestWorkoutRoundTripAndList(t *testing.T) {
	repo := newTestStore(t)
	seedWorkouts(t, repo)
	ctx := context.Background()

	w, err := repo.GetWorkout(ctx, "plan-1", "w-2")
	if err != nil {
		t.Fatalf("GetWorkout() error = %v", err)
	}
	if w == nil || w.Title != "Intervals" || w.DistanceKm != 10 {
		t.Fatalf("GetWorkout() = %+v", w)
	}

	missing, err := repo.GetWorkout(ctx, "plan-1", "nope")
	if err != nil || missing != nil {
		t.Fatalf("GetWorkout(missing) = %+v, %v; want nil, nil", missing, err)
	}

	list, err := repo.ListWorkouts(ctx, "ath-1")
	if err != nil {
		t.Fatalf("ListWorkouts() error = %v", err)
	}
	if len(list) != 3 || list[0].WorkoutID != "w-1" || list[2].WorkoutID != "w-3" {
		t.Fatalf("ListWorkouts() order wrong: %+v", list)
	}
}

func TestProposalNotFound(t *testing.T) {
	repo := newTestStore(t)
	rec, err := repo.GetProposal(context.Background(), "missing")
	if err != nil || rec != nil {
		t.Fatalf("GetProposal(missing) = %+v, %v; want nil, nil", rec, err)
	}
}

func TestConfirmIsCompareAndSet(t *testing.T) {
	repo := newTestStore(t)
	seedWorkouts(t, repo)
	createProposal(t, repo, "p-1", domain.WorkoutPatch{PlanID: "plan-1", WorkoutID: "w-1", DistanceKm: ptr(6.0)})
	ctx := context.Background()
	now := time.Now()

	ok, err := repo.MarkProposalConfirmed(ctx, "p-1", "key-00000001", now)
	if err != nil || !ok {
		t.Fatalf("first MarkProposalConfirmed() = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.MarkProposalConfirmed(ctx, "p-1", "key-00000002", now)
	if err != nil || ok {
		t.Fatalf("second MarkProposalConfirmed() = %v, %v; want false, nil", ok, err)
	}

	rec, err := repo.GetProposal(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if rec.Status != domain.ProposalConfirmed || rec.IdempotencyKey != "key-00000001" || rec.ConfirmedAt == nil {
		t.Fatalf("proposal after confirm = %+v", rec)
	}
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	repo := newTestStore(t)
	createProposal(t, repo, "p-1")
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "key-concurrent-" + string(rune('a'+i))
			ok, err := repo.MarkProposalConfirmed(ctx, "p-1", key, time.Now())
			if err != nil {
				t.Errorf("MarkProposalConfirmed() error = %v", err)
				return
			}
			if ok {
				wins <- key
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for k := range wins {
		winners = append(winners, k)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v; want exactly one", winners)
	}
	rec, _ := repo.GetProposal(ctx, "p-1")
	if rec.IdempotencyKey != winners[0] {
		t.Fatalf("stored key = %q; want %q", rec.IdempotencyKey, winners[0])
	}
}

func TestApplyProposalProducesReceipt(t *testing.T) {
	repo := newTestStore(t)
	seedWorkouts(t, repo)
	createProposal(t, repo, "p-1",
		domain.WorkoutPatch{PlanID: "plan-1", WorkoutID: "w-1", DistanceKm: ptr(6.0)},
		domain.WorkoutPatch{PlanID: "plan-1", WorkoutID: "w-2", Intensity: ptr("moderate"), Title: ptr("Tempo")},
		domain.WorkoutPatch{PlanID: "plan-1", WorkoutID: "w-3", DurationMin: ptr(120)},
	)
	ctx := context.Background()
	now := time.Now()

	if ok, err := repo.MarkProposalConfirmed(ctx, "p-1", "key-00000001", now); err != nil || !ok {
		t.Fatalf("MarkProposalConfirmed() = %v, %v", ok, err)
	}
	receipt, err := repo.ApplyProposal(ctx, "p-1", now)
	if err != nil {
		t.Fatalf("ApplyProposal() error = %v", err)
	}
	if receipt.ActionsApplied != 3 || len(receipt.Changes) != 3 {
		t.Fatalf("receipt = %+v; want 3 actions", receipt)
	}
	first := receipt.Changes[0]
	if first.Before.DistanceKm != 8 || first.After.DistanceKm != 6 || first.After.Title != "Easy run" {
		t.Fatalf("first change = %+v", first)
	}

	w, _ := repo.GetWorkout(ctx, "plan-1", "w-2")
	if w.Title != "Tempo" || w.Intensity != "moderate" {
		t.Fatalf("workout not patched: %+v", w)
	}

	rec, _ := repo.GetProposal(ctx, "p-1")
	if rec.Status != domain.ProposalApplied || rec.AppliedAt == nil || rec.Receipt == nil {
		t.Fatalf("proposal after apply = %+v", rec)
	}
	if rec.Receipt.ActionsApplied != 3 {
		t.Fatalf("stored receipt = %+v", rec.Receipt)
	}

	if _, err := repo.ApplyProposal(ctx, "p-1", now); !errors.Is(err, ErrProposalNotConfirmed) {
		t.Fatalf("second ApplyProposal() error = %v; want ErrProposalNotConfirmed", err)
	}
}

func TestApplyProposalRollsBackOnMissingWorkout(t *testing.T) {
	repo := newTestStore(t)
	seedWorkouts(t, repo)
	createProposal(t, repo, "p-1",
		domain.WorkoutPatch{PlanID: "plan-1", WorkoutID: "w-1", DistanceKm: ptr(3.0)},
		domain.WorkoutPatch{PlanID: "plan-1", WorkoutID: "w-404", DistanceKm: ptr(3.0)},
	)
	ctx := context.Background()

	if _, err := repo.MarkProposalConfirmed(ctx, "p-1", "key-00000001", time.Now()); err != nil {
		t.Fatalf("MarkProposalConfirmed() error = %v", err)
	}
	_, err := repo.ApplyProposal(ctx, "p-1", time.Now())
	if !errors.Is(err, ErrWorkoutNotFound) {
		t.Fatalf("ApplyProposal() error = %v; want ErrWorkoutNotFound", err)
	}

	w, _ := repo.GetWorkout(ctx, "plan-1", "w-1")
	if w.DistanceKm != 8 {
		t.Fatalf("w-1 distance = %v; want unchanged 8", w.DistanceKm)
	}

	if err := repo.MarkProposalFailed(ctx, "p-1", err.Error()); err != nil {
		t.Fatalf("MarkProposalFailed() error = %v", err)
	}
	rec, _ := repo.GetProposal(ctx, "p-1")
	if rec.Status != domain.ProposalFailed || rec.Error == "" || rec.Receipt != nil {
		t.Fatalf("proposal after failure = %+v", rec)
	}
}

func TestApplyProposalIgnoresOtherAthletesWorkouts(t *testing.T) {
	repo := newTestStore(t)
	seedWorkouts(t, repo)
	ctx := context.Background()
	err := repo.CreateProposal(ctx, &domain.ProposalRecord{
		ID:        "p-x",
		AthleteID: "ath-2",
		ThreadID:  "thread-2",
		Actions:   []domain.WorkoutPatch{{PlanID: "plan-1", WorkoutID: "w-1", DistanceKm: ptr(1.0)}},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	if _, err := repo.MarkProposalConfirmed(ctx, "p-x", "key-00000001", time.Now()); err != nil {
		t.Fatalf("MarkProposalConfirmed() error = %v", err)
	}
	if _, err := repo.ApplyProposal(ctx, "p-x", time.Now()); !errors.Is(err, ErrWorkoutNotFound) {
		t.Fatalf("ApplyProposal() error = %v; want ErrWorkoutNotFound", err)
	}
}

func TestRejectProposal(t *testing.T) {
	repo := newTestStore(t)
	createProposal(t, repo, "p-1")
	ctx := context.Background()

	ok, err := repo.RejectProposal(ctx, "p-1", "too much", time.Now())
	if err != nil || !ok {
		t.Fatalf("RejectProposal() = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.RejectProposal(ctx, "p-1", "again", time.Now())
	if err != nil || ok {
		t.Fatalf("second RejectProposal() = %v, %v; want false, nil", ok, err)
	}
	ok, err = repo.MarkProposalConfirmed(ctx, "p-1", "key-00000001", time.Now())
	if err != nil || ok {
		t.Fatalf("MarkProposalConfirmed(rejected) = %v, %v; want false, nil", ok, err)
	}

	rec, _ := repo.GetProposal(ctx, "p-1")
	if rec.Status != domain.ProposalRejected || rec.RejectReason != "too much" || rec.RejectedAt == nil {
		t.Fatalf("proposal after reject = %+v", rec)
	}
}

func TestListStaleConfirmed(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createProposal(t, repo, "p-old")
	createProposal(t, repo, "p-new")
	createProposal(t, repo, "p-open")
	if _, err := repo.MarkProposalConfirmed(ctx, "p-old", "key-00000001", now.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkProposalConfirmed() error = %v", err)
	}
	if _, err := repo.MarkProposalConfirmed(ctx, "p-new", "key-00000002", now); err != nil {
		t.Fatalf("MarkProposalConfirmed() error = %v", err)
	}

	stale, err := repo.ListStaleConfirmed(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStaleConfirmed() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "p-old" || stale[0].IdempotencyKey != "key-00000001" {
		t.Fatalf("ListStaleConfirmed() = %+v; want only p-old", stale)
	}
}
