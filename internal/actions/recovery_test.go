package actions

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/coachline/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestRecoverStaleFinishesInterruptedApply(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	now := svc.now()

	stuck, err := svc.Issue(ctx, "ath-1", "t-1", threePatches()[:1])
	require.NoError(t, err)
	fresh, err := svc.Issue(ctx, "ath-1", "t-1", threePatches()[1:2])
	require.NoError(t, err)

	// Simulate a crash between the confirm CAS and the apply.
	ok, err := repo.MarkProposalConfirmed(ctx, stuck.ID, "stuck-key-0001", now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkProposalConfirmed(ctx, fresh.ID, "fresh-key-0001", now)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 1, svc.RecoverStale(ctx, DefaultRecoveryGrace))

	rec, err := svc.Get(ctx, "ath-1", stuck.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProposalApplied, rec.Status)
	require.Equal(t, 1, rec.Receipt.ActionsApplied)

	rec, err = svc.Get(ctx, "ath-1", fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProposalConfirmed, rec.Status, "within grace period")

	// The original client retrying its confirm gets the recovered result.
	replay, err := svc.Confirm(ctx, "ath-1", stuck.ID, "stuck-key-0001")
	require.NoError(t, err)
	require.Equal(t, domain.ProposalApplied, replay.Status)

	require.Zero(t, svc.RecoverStale(ctx, DefaultRecoveryGrace))
}

func TestStartRecoveryWorkerStopsWithContext(t *testing.T) {
	svc, repo := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := svc.Issue(ctx, "ath-1", "t-1", threePatches()[:1])
	require.NoError(t, err)
	_, err = repo.MarkProposalConfirmed(ctx, p.ID, "stuck-key-0001", svc.now().Add(-time.Hour))
	require.NoError(t, err)

	StartRecoveryWorker(ctx, svc, 10*time.Millisecond, time.Minute)

	require.Eventually(t, func() bool {
		rec, err := svc.Get(context.Background(), "ath-1", p.ID)
		return err == nil && rec.Status == domain.ProposalApplied
	}, 2*time.Second, 10*time.Millisecond)
}
