package engine

import (
	"context"
	"errors"
	"fmt"
)

// The settlement coordinator binds milestone payouts to challenge
// transitions: a milestone completes when its trigger transition happens and
// is released either automatically (autoRelease contracts, winner known) or
// manually with the signature quorum. The final milestone's trigger is the
// archive transition, so the big payout can never precede a still-open
// dispute window.

// settle computes the verdict and moves the challenge from judging to
// settled. Safe to call from both the quorum path and the deadline sweep;
// whichever runs first wins and the other is a no-op.
//
// Callers must hold the challenge lock.
func (e *Engine) settle(ctx context.Context, ch Challenge) error {
	subs, err := e.store.ListSubmissions(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("loading submissions: %w", err)
	}
	judges, err := e.store.ListAssignedJudges(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("loading judges: %w", err)
	}
	votes, err := e.store.ListVotes(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("loading votes: %w", err)
	}

	winner, scores := computeVerdict(ch, subs, judges, votes)

	ok, err := e.store.SettleChallenge(ctx, ch.ID, StatusJudging, winner, e.now())
	if err != nil {
		return fmt.Errorf("settling challenge: %w", err)
	}
	if !ok {
		return nil // already settled by the racing path
	}

	e.logger.Info("challenge settled",
		"challenge_id", ch.ID,
		"winner", winner,
		"votes", len(votes),
		"scores", fmt.Sprint(scores),
	)
	e.broker.Publish(Event{
		Type:        EventChallengeSettled,
		ChallengeID: ch.ID,
		TerritoryID: ch.TerritoryID,
		TeamID:      winner,
	})

	return e.afterTransition(ctx, ch.ID, OnSettled, winner)
}

// afterTransition completes the milestones bound to the transition that just
// happened and runs the auto-release check. A draw refunds the undistributed
// remainder instead.
func (e *Engine) afterTransition(ctx context.Context, challengeID string, trigger MilestoneTrigger, winner string) error {
	ec, err := e.store.GetEscrowByChallenge(ctx, challengeID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading escrow: %w", err)
	}

	unlock := e.escrowLocks.lock(ec.ID)
	defer unlock()

	n, err := e.store.CompleteMilestones(ctx, ec.ID, trigger, e.now())
	if err != nil {
		return fmt.Errorf("completing milestones: %w", err)
	}
	if n > 0 {
		e.logger.Info("milestones completed", "escrow_id", ec.ID, "trigger", trigger, "count", n)
	}

	if trigger == OnSubmissionClosed {
		// No winner exists yet; payouts wait for settlement.
		return nil
	}
	if winner == WinnerNone {
		return e.refundRemainder(ctx, ec)
	}
	return e.autoReleaseCheck(ctx, ec, winner)
}

// autoReleaseCheck releases every completed milestone to the winner when the
// contract opted into auto-release. Signature quorum is bypassed by design;
// a contested (disputed) challenge blocks the release path upstream.
//
// Callers must hold the escrow lock.
func (e *Engine) autoReleaseCheck(ctx context.Context, ec EscrowContract, winner string) error {
	if !ec.Conditions.AutoRelease || winner == WinnerNone {
		return nil
	}
	if ec.Frozen {
		return nil
	}

	milestones, err := e.store.ListMilestones(ctx, ec.ID)
	if err != nil {
		return fmt.Errorf("loading milestones: %w", err)
	}
	for _, m := range milestones {
		if m.Status != MilestoneCompleted {
			continue
		}
		if _, err := e.releaseCompleted(ctx, ec, m, winner); err != nil {
			return err
		}
	}
	return nil
}

// refundRemainder sends whatever is still held back to the sponsor. No-op
// when nothing remains.
//
// Callers must hold the escrow lock.
func (e *Engine) refundRemainder(ctx context.Context, ec EscrowContract) error {
	if ec.Frozen {
		return ErrEscrowFrozen
	}
	deposited, released, refunded, err := e.store.EscrowAmounts(ctx, ec.ID)
	if err != nil {
		return fmt.Errorf("summing ledger: %w", err)
	}
	remainder := deposited - released - refunded
	if remainder <= 0 {
		return nil
	}

	if _, err := e.store.AppendTransaction(ctx, Transaction{
		EscrowID:  ec.ID,
		Type:      TxRefund,
		Amount:    remainder,
		Recipient: ec.SponsorID,
		Status:    TxPending,
	}); err != nil {
		return fmt.Errorf("appending refund: %w", err)
	}
	if err := e.checkInvariants(ctx, ec); err != nil {
		return err
	}
	e.logger.Info("remainder refunded", "escrow_id", ec.ID, "amount", remainder, "recipient", ec.SponsorID)
	return nil
}

// archive finalizes a settled challenge once its dispute window has elapsed
// clean: the final milestone completes and pays out, and territory control
// changes hands.
//
// Callers must hold the territory and challenge locks.
func (e *Engine) archive(ctx context.Context, ch Challenge) error {
	ok, err := e.store.TransitionChallenge(ctx, ch.ID, StatusSettled, StatusArchived)
	if err != nil {
		return fmt.Errorf("archiving challenge: %w", err)
	}
	if !ok {
		return nil
	}

	if err := e.afterTransition(ctx, ch.ID, OnArchived, ch.WinnerTeamID); err != nil {
		return err
	}
	if err := e.applySettlement(ctx, ch.TerritoryID, ch.WinnerTeamID); err != nil {
		return err
	}
	e.logger.Info("challenge archived", "challenge_id", ch.ID, "winner", ch.WinnerTeamID)
	return nil
}
