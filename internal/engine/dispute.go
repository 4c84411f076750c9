package engine

import (
	"context"
	"errors"
	"fmt"
)

// OpenDispute contests a settled verdict. Only a participant may raise one,
// only inside the contract's dispute window, and only once per challenge.
// While the dispute is pending every milestone release is blocked.
func (e *Engine) OpenDispute(ctx context.Context, challengeID, raisedBy string) (Dispute, error) {
	if raisedBy == "" {
		return Dispute{}, validationf("raisedBy", "required")
	}

	unlock := e.challengeLocks.lock(challengeID)
	defer unlock()

	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return Dispute{}, fmt.Errorf("loading challenge: %w", err)
	}
	if !ch.IsParticipant(raisedBy) {
		return Dispute{}, conflictf("team %s is not a participant in this challenge", raisedBy)
	}
	switch ch.Status {
	case StatusSettled:
	case StatusDisputed:
		return Dispute{}, ErrAlreadyDisputed
	case StatusArchived:
		return Dispute{}, ErrWindowClosed
	default:
		return Dispute{}, conflictf("cannot dispute a challenge in %s status", ch.Status)
	}
	if _, err := e.store.GetDisputeByChallenge(ctx, challengeID); err == nil {
		return Dispute{}, ErrAlreadyDisputed
	} else if !errors.Is(err, ErrNotFound) {
		return Dispute{}, fmt.Errorf("loading dispute: %w", err)
	}

	ec, err := e.store.GetEscrowByChallenge(ctx, challengeID)
	if errors.Is(err, ErrNotFound) {
		return Dispute{}, conflictf("challenge has no escrow contract to arbitrate")
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("loading escrow: %w", err)
	}
	now := e.now()
	if now.After(ch.SettledAt.Add(ec.Conditions.DisputeWindow())) {
		return Dispute{}, ErrWindowClosed
	}

	d, err := e.store.CreateDispute(ctx, challengeID, raisedBy, now)
	if err != nil {
		return Dispute{}, fmt.Errorf("creating dispute: %w", err)
	}
	if _, err := e.store.TransitionChallenge(ctx, challengeID, StatusSettled, StatusDisputed); err != nil {
		return Dispute{}, fmt.Errorf("marking challenge disputed: %w", err)
	}

	e.logger.Info("dispute opened", "dispute_id", d.ID, "challenge_id", challengeID, "raised_by", raisedBy)
	e.broker.Publish(Event{
		Type:        EventDisputeOpened,
		ChallengeID: challengeID,
		DisputeID:   d.ID,
		TeamID:      raisedBy,
	})
	return d, nil
}

// CastArbitratorVote records one arbitrator's decision. The dispute resolves
// as soon as a strict majority agrees; if every arbitrator has voted with no
// majority, the original verdict stands.
func (e *Engine) CastArbitratorVote(ctx context.Context, disputeID, arbitratorID string, decision ArbitratorDecision) error {
	switch decision {
	case DecisionUphold, DecisionOverturn:
	default:
		return validationf("decision", "must be %s or %s", DecisionUphold, DecisionOverturn)
	}

	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return fmt.Errorf("loading dispute: %w", err)
	}

	unlockT, unlockC, ch, err := e.lockChallengePair(ctx, d.ChallengeID)
	if err != nil {
		return err
	}
	defer unlockT()
	defer unlockC()

	// Re-read; the sweep may have default-resolved the dispute.
	d, err = e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return fmt.Errorf("loading dispute: %w", err)
	}
	if d.Resolution != ResolutionPending {
		return conflictf("dispute already resolved as %s", d.Resolution)
	}

	ec, err := e.store.GetEscrowByChallenge(ctx, d.ChallengeID)
	if err != nil {
		return fmt.Errorf("loading escrow: %w", err)
	}
	if !ec.Conditions.IsArbitrator(arbitratorID) {
		return ErrNotAnArbitrator
	}

	if err := e.store.UpsertArbitratorVote(ctx, disputeID, arbitratorID, decision, e.now()); err != nil {
		return fmt.Errorf("storing arbitrator vote: %w", err)
	}

	uphold, overturn, err := e.store.TallyArbitratorVotes(ctx, disputeID)
	if err != nil {
		return fmt.Errorf("tallying votes: %w", err)
	}
	n := len(ec.Conditions.Arbitrators)
	e.logger.Info("arbitrator vote cast",
		"dispute_id", disputeID,
		"arbitrator_id", arbitratorID,
		"uphold", uphold,
		"overturn", overturn,
		"panel", n,
	)

	switch {
	case overturn > n/2:
		return e.resolveLocked(ctx, d, ch, ec, ResolutionOverturned)
	case uphold > n/2:
		return e.resolveLocked(ctx, d, ch, ec, ResolutionUpheld)
	case uphold+overturn == n:
		// Full panel, no majority. The original verdict stands.
		return e.resolveLocked(ctx, d, ch, ec, ResolutionUpheld)
	}
	return nil
}

// GetDispute returns one dispute.
func (e *Engine) GetDispute(ctx context.Context, id string) (Dispute, error) {
	return e.store.GetDispute(ctx, id)
}

// lockChallengePair takes the territory and challenge locks in order and
// returns the challenge as read under them.
func (e *Engine) lockChallengePair(ctx context.Context, challengeID string) (unlockT, unlockC func(), ch Challenge, err error) {
	ch, err = e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, nil, Challenge{}, fmt.Errorf("loading challenge: %w", err)
	}
	unlockT = e.territoryLocks.lock(ch.TerritoryID)
	unlockC = e.challengeLocks.lock(challengeID)
	ch, err = e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		unlockC()
		unlockT()
		return nil, nil, Challenge{}, fmt.Errorf("loading challenge: %w", err)
	}
	return unlockT, unlockC, ch, nil
}

// resolveLocked applies a dispute resolution. Upholding restores the settled
// status with the verdict intact. Overturning flips the winner to the
// opposing submitter (or to a draw when no opposing submission exists);
// released funds are never clawed back, the amount is flagged on the ledger
// instead and future payouts follow the corrected winner.
//
// Callers must hold the territory and challenge locks.
func (e *Engine) resolveLocked(ctx context.Context, d Dispute, ch Challenge, ec EscrowContract, resolution DisputeResolution) error {
	ok, err := e.store.ResolveDispute(ctx, d.ID, resolution, e.now())
	if err != nil {
		return fmt.Errorf("resolving dispute: %w", err)
	}
	if !ok {
		return nil
	}

	winner := ch.WinnerTeamID
	if resolution == ResolutionOverturned {
		winner, err = e.overturnWinner(ctx, ch, d)
		if err != nil {
			return err
		}
		if err := e.flagReleasedFunds(ctx, ec, ch.WinnerTeamID); err != nil {
			return err
		}
	}

	if _, err := e.store.SettleChallenge(ctx, ch.ID, StatusDisputed, winner, e.now()); err != nil {
		return fmt.Errorf("restoring settled status: %w", err)
	}

	e.logger.Info("dispute resolved",
		"dispute_id", d.ID,
		"challenge_id", ch.ID,
		"resolution", resolution,
		"winner", winner,
	)
	e.broker.Publish(Event{
		Type:        EventDisputeResolved,
		ChallengeID: ch.ID,
		DisputeID:   d.ID,
		TeamID:      winner,
		Resolution:  string(resolution),
	})

	if resolution == ResolutionOverturned {
		unlock := e.escrowLocks.lock(ec.ID)
		defer unlock()
		if winner == WinnerNone {
			return e.refundRemainder(ctx, ec)
		}
		return e.autoReleaseCheck(ctx, ec, winner)
	}
	return nil
}

// overturnWinner picks the corrected winner: the opposing participant if
// they submitted, otherwise the disputing team for an overturned draw,
// otherwise no winner.
func (e *Engine) overturnWinner(ctx context.Context, ch Challenge, d Dispute) (string, error) {
	subs, err := e.store.ListSubmissions(ctx, ch.ID)
	if err != nil {
		return WinnerNone, fmt.Errorf("loading submissions: %w", err)
	}
	submitted := make(map[string]bool, len(subs))
	for _, s := range subs {
		submitted[s.TeamID] = true
	}

	if ch.WinnerTeamID == WinnerNone {
		if submitted[d.RaisedBy] {
			return d.RaisedBy, nil
		}
		return WinnerNone, nil
	}
	for _, team := range ch.Participants() {
		if team != ch.WinnerTeamID && submitted[team] {
			return team, nil
		}
	}
	return WinnerNone, nil
}

// flagReleasedFunds appends a confirmed dispute_hold entry covering every
// release already paid to the overturned winner. The money is not moved.
func (e *Engine) flagReleasedFunds(ctx context.Context, ec EscrowContract, oldWinner string) error {
	if oldWinner == WinnerNone {
		return nil
	}
	unlock := e.escrowLocks.lock(ec.ID)
	defer unlock()

	held, err := e.store.ReleasedAmountTo(ctx, ec.ID, oldWinner)
	if err != nil {
		return fmt.Errorf("summing released funds: %w", err)
	}
	if held <= 0 {
		return nil
	}
	if _, err := e.store.AppendTransaction(ctx, Transaction{
		EscrowID:  ec.ID,
		Type:      TxDisputeHold,
		Amount:    held,
		Recipient: oldWinner,
		Status:    TxConfirmed,
	}); err != nil {
		return fmt.Errorf("appending dispute hold: %w", err)
	}
	e.logger.Warn("released funds flagged after overturn",
		"escrow_id", ec.ID,
		"recipient", oldWinner,
		"amount", held,
	)
	return nil
}
