package engine

import (
	"context"
	"errors"
	"fmt"
)

// CastVote records a judge's vote. A judge may overwrite their vote until the
// judging window closes. Reaching quorum (every assigned judge voted) settles
// the challenge immediately; the deadline sweep settles otherwise.
func (e *Engine) CastVote(ctx context.Context, challengeID, judgeID, selectedTeamID string, score float64, feedback string) error {
	if score < 0 || score > 10 {
		return validationf("score", "must be between 0 and 10")
	}

	unlock := e.challengeLocks.lock(challengeID)
	defer unlock()

	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}
	if ch.Status != StatusJudging {
		return conflictf("judging is not open (challenge is %s)", ch.Status)
	}
	now := e.now()
	if now.After(ch.JudgingDeadline) {
		return conflictf("judging window closed")
	}
	if !ch.IsParticipant(selectedTeamID) {
		return validationf("selectedTeamId", "team %s is not a participant", selectedTeamID)
	}

	judges, err := e.store.ListAssignedJudges(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading judges: %w", err)
	}
	assigned := false
	for _, j := range judges {
		if j.ID == judgeID {
			assigned = true
			break
		}
	}
	if !assigned {
		return conflictf("judge %s is not assigned to this challenge", judgeID)
	}

	err = e.store.UpsertVote(ctx, Vote{
		ChallengeID:    challengeID,
		JudgeID:        judgeID,
		SelectedTeamID: selectedTeamID,
		Score:          score,
		Feedback:       feedback,
		CastAt:         now,
	})
	if err != nil {
		return fmt.Errorf("storing vote: %w", err)
	}

	votes, err := e.store.ListVotes(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("loading votes: %w", err)
	}
	e.logger.Info("vote cast",
		"challenge_id", challengeID,
		"judge_id", judgeID,
		"votes", len(votes),
		"panel", len(judges),
	)

	// Quorum: all assigned judges voted. The deadline sweep and this check
	// both settle under the challenge lock, so whichever observes its
	// condition first wins and the other is a no-op.
	if len(votes) >= len(judges) {
		return e.settle(ctx, ch)
	}
	return nil
}

// computeVerdict derives the winner from the recorded votes.
//
// weightedScore(team) = sum over votes for the team of score*weight, divided
// by the total weight of all voting judges. A team with no submission scores
// -1 (a guaranteed loss, never a tie). Equal scores mean a draw; ties are
// never broken arbitrarily. Zero votes force a draw regardless of
// submissions.
func computeVerdict(ch Challenge, subs []Submission, judges []Judge, votes []Vote) (winner string, scores map[string]float64) {
	scores = make(map[string]float64)

	submitted := make(map[string]bool, len(subs))
	for _, s := range subs {
		submitted[s.TeamID] = true
	}
	weightByJudge := make(map[string]float64, len(judges))
	for _, j := range judges {
		weightByJudge[j.ID] = j.ReputationWeight
	}

	var totalWeight float64
	for _, v := range votes {
		totalWeight += weightByJudge[v.JudgeID]
	}

	for _, team := range ch.Participants() {
		if !submitted[team] {
			scores[team] = -1
			continue
		}
		var sum float64
		for _, v := range votes {
			if v.SelectedTeamID == team {
				sum += v.Score * weightByJudge[v.JudgeID]
			}
		}
		if totalWeight > 0 {
			scores[team] = sum / totalWeight
		}
	}

	if len(votes) == 0 {
		return WinnerNone, scores
	}

	winner = WinnerNone
	var best float64
	for i, team := range ch.Participants() {
		score := scores[team]
		switch {
		case i == 0 || score > best:
			winner, best = team, score
		case score == best:
			winner = WinnerNone // identical scores are a draw, never a coin flip
		}
	}
	// A winner needs a submission; -1 marks its absence.
	if winner != WinnerNone && scores[winner] < 0 {
		winner = WinnerNone
	}
	return winner, scores
}

// ListVotes returns the votes recorded for a challenge.
func (e *Engine) ListVotes(ctx context.Context, challengeID string) ([]Vote, error) {
	votes, err := e.store.ListVotes(ctx, challengeID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return votes, err
}
