package engine

import (
	"context"
	"errors"
	"fmt"
)

// GetChallenge returns one challenge.
func (e *Engine) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	return e.store.GetChallenge(ctx, id)
}

// SubmitEntry records a team's submission. Resubmitting before the deadline
// replaces the prior entry; the submission is rejected once the window closes.
func (e *Engine) SubmitEntry(ctx context.Context, challengeID, teamID string, artifacts []Artifact) error {
	if teamID == "" {
		return validationf("teamId", "required")
	}
	if len(artifacts) == 0 {
		return validationf("artifacts", "at least one artifact is required")
	}
	for i, a := range artifacts {
		switch a.Type {
		case "github", "url", "file", "demo":
		default:
			return validationf("artifacts", "entry %d has unknown type %q", i, a.Type)
		}
	}

	unlock := e.challengeLocks.lock(challengeID)
	defer unlock()

	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}
	if !ch.IsParticipant(teamID) {
		return conflictf("team %s is not a participant in this challenge", teamID)
	}
	if ch.Status != StatusSubmissionOpen {
		return conflictf("submissions are not open (challenge is %s)", ch.Status)
	}
	now := e.now()
	if now.After(ch.SubmissionDeadline) {
		return conflictf("submission window closed at %s", ch.SubmissionDeadline.Format("2006-01-02T15:04:05Z"))
	}

	if err := e.store.UpsertSubmission(ctx, challengeID, teamID, artifacts, now); err != nil {
		return fmt.Errorf("storing submission: %w", err)
	}
	e.logger.Info("submission recorded", "challenge_id", challengeID, "team_id", teamID, "artifacts", len(artifacts))
	return nil
}

// AssignJudges adds judges to the challenge panel. Allowed until judging
// closes; quorum means every assigned judge has voted.
func (e *Engine) AssignJudges(ctx context.Context, challengeID string, judgeIDs []string) error {
	if len(judgeIDs) == 0 {
		return validationf("judgeIds", "required")
	}

	unlock := e.challengeLocks.lock(challengeID)
	defer unlock()

	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}
	switch ch.Status {
	case StatusPending, StatusActive, StatusSubmissionOpen, StatusJudging:
	default:
		return conflictf("cannot assign judges while challenge is %s", ch.Status)
	}

	for _, id := range judgeIDs {
		if _, err := e.store.GetJudge(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return validationf("judgeIds", "unknown judge %s", id)
			}
			return fmt.Errorf("loading judge: %w", err)
		}
		if err := e.store.AssignJudge(ctx, challengeID, id); err != nil {
			return fmt.Errorf("assigning judge: %w", err)
		}
	}
	e.logger.Info("judges assigned", "challenge_id", challengeID, "count", len(judgeIDs))
	return nil
}

// CancelChallenge aborts a challenge that has not reached judging. Funds
// already deposited are refunded to the sponsor; the territory slot is freed.
// Post-judging the only remedy is the dispute path.
func (e *Engine) CancelChallenge(ctx context.Context, challengeID, reason string) error {
	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}

	unlockT := e.territoryLocks.lock(ch.TerritoryID)
	defer unlockT()
	unlockC := e.challengeLocks.lock(challengeID)
	defer unlockC()

	// Re-read under the locks; the state may have advanced.
	ch, err = e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}
	if ch.Status != StatusPending && ch.Status != StatusActive {
		return conflictf("cannot cancel a challenge in %s status", ch.Status)
	}

	ok, err := e.store.TransitionChallenge(ctx, challengeID, ch.Status, StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancelling challenge: %w", err)
	}
	if !ok {
		return conflictf("challenge state changed, retry")
	}

	if err := e.refundDeposits(ctx, ch); err != nil {
		return err
	}
	if err := e.releaseTerritorySlot(ctx, ch.TerritoryID); err != nil {
		return err
	}

	e.logger.Info("challenge cancelled", "challenge_id", challengeID, "reason", reason)
	return nil
}

// refundDeposits refunds the undistributed remainder to the sponsor, if an
// escrow contract exists and money has been deposited.
//
// Callers must hold the challenge lock.
func (e *Engine) refundDeposits(ctx context.Context, ch Challenge) error {
	ec, err := e.store.GetEscrowByChallenge(ctx, ch.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading escrow: %w", err)
	}

	unlock := e.escrowLocks.lock(ec.ID)
	defer unlock()
	return e.refundRemainder(ctx, ec)
}
