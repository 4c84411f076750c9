package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AdvanceDeadlines moves every challenge whose deadline has passed to its
// next state. It is idempotent and safe to run concurrently with command
// handlers; every transition is state-guarded, so a racing caller simply
// turns one of the steps into a no-op. Errors on individual challenges are
// logged and skipped so one bad row cannot stall the sweep.
func (e *Engine) AdvanceDeadlines(ctx context.Context) {
	e.sweepExpiredDeposits(ctx)
	e.sweepSubmissionDeadlines(ctx)
	e.sweepJudgingDeadlines(ctx)
	e.sweepDisputeWindows(ctx)
	e.sweepStaleDisputes(ctx)
}

// sweepExpiredDeposits cancels challenges whose deposit never arrived.
func (e *Engine) sweepExpiredDeposits(ctx context.Context) {
	challenges, err := e.store.ListChallengesByStatus(ctx, StatusPending)
	if err != nil {
		e.logger.Error("listing pending challenges", "error", err)
		return
	}
	now := e.now()
	for _, ch := range challenges {
		if !now.After(ch.DepositDeadline) {
			continue
		}
		if err := e.expireDeposit(ctx, ch); err != nil {
			e.logger.Error("expiring deposit", "challenge_id", ch.ID, "error", err)
		}
	}
}

func (e *Engine) expireDeposit(ctx context.Context, ch Challenge) error {
	unlockT, unlockC, ch, err := e.lockChallengePair(ctx, ch.ID)
	if err != nil {
		return err
	}
	defer unlockT()
	defer unlockC()

	if ch.Status != StatusPending {
		return nil
	}
	ok, err := e.store.TransitionChallenge(ctx, ch.ID, StatusPending, StatusCancelled)
	if err != nil || !ok {
		return err
	}
	if err := e.refundDeposits(ctx, ch); err != nil {
		return err
	}
	if err := e.releaseTerritorySlot(ctx, ch.TerritoryID); err != nil {
		return err
	}
	e.logger.Info("challenge cancelled, deposit deadline passed", "challenge_id", ch.ID)
	return nil
}

// sweepSubmissionDeadlines closes submission windows that have elapsed.
func (e *Engine) sweepSubmissionDeadlines(ctx context.Context) {
	challenges, err := e.store.ListChallengesByStatus(ctx, StatusSubmissionOpen)
	if err != nil {
		e.logger.Error("listing open challenges", "error", err)
		return
	}
	now := e.now()
	for _, ch := range challenges {
		if !now.After(ch.SubmissionDeadline) {
			continue
		}
		if err := e.closeSubmissions(ctx, ch); err != nil {
			e.logger.Error("closing submissions", "challenge_id", ch.ID, "error", err)
		}
	}
}

func (e *Engine) closeSubmissions(ctx context.Context, ch Challenge) error {
	unlock := e.challengeLocks.lock(ch.ID)
	defer unlock()

	ok, err := e.store.TransitionChallenge(ctx, ch.ID, StatusSubmissionOpen, StatusJudging)
	if err != nil || !ok {
		return err
	}
	e.logger.Info("submission window closed", "challenge_id", ch.ID)
	return e.afterTransition(ctx, ch.ID, OnSubmissionClosed, WinnerNone)
}

// sweepJudgingDeadlines settles challenges whose judging deadline has passed,
// using whatever votes exist. Zero votes is a draw.
func (e *Engine) sweepJudgingDeadlines(ctx context.Context) {
	challenges, err := e.store.ListChallengesByStatus(ctx, StatusJudging)
	if err != nil {
		e.logger.Error("listing judging challenges", "error", err)
		return
	}
	now := e.now()
	for _, ch := range challenges {
		if !now.After(ch.JudgingDeadline) {
			continue
		}
		if err := e.settleAtDeadline(ctx, ch); err != nil {
			e.logger.Error("settling at deadline", "challenge_id", ch.ID, "error", err)
		}
	}
}

func (e *Engine) settleAtDeadline(ctx context.Context, ch Challenge) error {
	unlock := e.challengeLocks.lock(ch.ID)
	defer unlock()

	ch, err := e.store.GetChallenge(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}
	if ch.Status != StatusJudging {
		return nil
	}
	return e.settle(ctx, ch)
}

// sweepDisputeWindows archives settled challenges whose dispute window has
// elapsed without a dispute.
func (e *Engine) sweepDisputeWindows(ctx context.Context) {
	challenges, err := e.store.ListChallengesByStatus(ctx, StatusSettled)
	if err != nil {
		e.logger.Error("listing settled challenges", "error", err)
		return
	}
	now := e.now()
	for _, ch := range challenges {
		window, err := e.disputeWindow(ctx, ch.ID)
		if err != nil {
			e.logger.Error("loading dispute window", "challenge_id", ch.ID, "error", err)
			continue
		}
		if !now.After(ch.SettledAt.Add(window)) {
			continue
		}
		if err := e.archiveSettled(ctx, ch); err != nil {
			e.logger.Error("archiving challenge", "challenge_id", ch.ID, "error", err)
		}
	}
}

// disputeWindow returns the contract's window, or zero when the challenge
// has no escrow and nothing can be disputed.
func (e *Engine) disputeWindow(ctx context.Context, challengeID string) (time.Duration, error) {
	ec, err := e.store.GetEscrowByChallenge(ctx, challengeID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ec.Conditions.DisputeWindow(), nil
}

func (e *Engine) archiveSettled(ctx context.Context, ch Challenge) error {
	unlockT, unlockC, ch, err := e.lockChallengePair(ctx, ch.ID)
	if err != nil {
		return err
	}
	defer unlockT()
	defer unlockC()

	if ch.Status != StatusSettled {
		return nil
	}
	return e.archive(ctx, ch)
}

// sweepStaleDisputes default-resolves disputes whose own window has elapsed
// without a verdict from the panel. The original settlement stands.
func (e *Engine) sweepStaleDisputes(ctx context.Context) {
	disputes, err := e.store.ListPendingDisputes(ctx)
	if err != nil {
		e.logger.Error("listing pending disputes", "error", err)
		return
	}
	now := e.now()
	for _, d := range disputes {
		if err := e.expireDispute(ctx, d, now); err != nil {
			e.logger.Error("expiring dispute", "dispute_id", d.ID, "error", err)
		}
	}
}

func (e *Engine) expireDispute(ctx context.Context, d Dispute, now time.Time) error {
	ec, err := e.store.GetEscrowByChallenge(ctx, d.ChallengeID)
	if err != nil {
		return fmt.Errorf("loading escrow: %w", err)
	}
	if !now.After(d.OpenedAt.Add(ec.Conditions.DisputeWindow())) {
		return nil
	}

	unlockT, unlockC, ch, err := e.lockChallengePair(ctx, d.ChallengeID)
	if err != nil {
		return err
	}
	defer unlockT()
	defer unlockC()

	d, err = e.store.GetDispute(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("loading dispute: %w", err)
	}
	if d.Resolution != ResolutionPending {
		return nil
	}
	e.logger.Info("dispute expired without a panel verdict", "dispute_id", d.ID)
	return e.resolveLocked(ctx, d, ch, ec, ResolutionUpheld)
}
