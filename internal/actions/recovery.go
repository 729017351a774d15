package actions

import (
	"context"
	"time"

	"github.com/ashureev/coachline/internal/domain"
)

const (
	// DefaultRecoveryInterval is how often the worker looks for stuck proposals.
	DefaultRecoveryInterval = time.Minute

	// DefaultRecoveryGrace is how long a proposal may sit in confirmed before
	// the worker assumes its apply was interrupted.
	DefaultRecoveryGrace = 2 * time.Minute
)

// StartRecoveryWorker runs a background goroutine that periodically finishes
// applies interrupted between confirm and apply, for example by a crash.
func StartRecoveryWorker(ctx context.Context, svc *Service, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		svc.logger.Info("Proposal recovery worker started", "interval", interval, "grace", grace)

		for {
			select {
			case <-ticker.C:
				svc.RecoverStale(ctx, grace)
			case <-ctx.Done():
				svc.logger.Info("Proposal recovery worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// RecoverStale applies every proposal confirmed more than grace ago that is
// still not applied. It returns the number of proposals it finished.
func (s *Service) RecoverStale(ctx context.Context, grace time.Duration) int {
	stale, err := s.repo.ListStaleConfirmed(ctx, s.now().UTC().Add(-grace))
	if err != nil {
		s.logger.Error("Recovery worker failed to list stale proposals", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	s.logger.Info("Recovery worker found stale proposals", "count", len(stale))

	recovered := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			return recovered
		}
		if s.recoverOne(ctx, rec) {
			recovered++
		}
	}
	return recovered
}

func (s *Service) recoverOne(ctx context.Context, stale *domain.ProposalRecord) bool {
	unlock := s.lock(stale.ID)
	defer unlock()

	// A confirm retry may have finished it since the listing.
	rec, err := s.Get(ctx, stale.AthleteID, stale.ID)
	if err != nil {
		s.logger.Warn("Recovery worker could not reload proposal", "proposal_id", stale.ID, "error", err)
		return false
	}
	if rec.Status != domain.ProposalConfirmed {
		return false
	}

	rec, err = s.apply(ctx, rec.AthleteID, rec.ID)
	if err != nil {
		s.logger.Error("Recovery worker failed to finish proposal", "proposal_id", stale.ID, "error", err)
		return false
	}
	s.logger.Info("Recovered interrupted proposal", "proposal_id", rec.ID, "status", rec.Status)
	return true
}
