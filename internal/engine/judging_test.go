package engine

import (
	"context"
	"testing"
)

func TestComputeVerdict(t *testing.T) {
	duel := Challenge{ChallengerTeamID: "team-a", DefenderTeamID: "team-b"}
	judges := []Judge{
		{ID: "j1", ReputationWeight: 0.95},
		{ID: "j2", ReputationWeight: 0.88},
		{ID: "j3", ReputationWeight: 0.92},
	}
	bothSubmitted := []Submission{{TeamID: "team-a"}, {TeamID: "team-b"}}

	cases := []struct {
		name  string
		subs  []Submission
		votes []Vote
		want  string
	}{
		{
			name: "weighted majority wins",
			subs: bothSubmitted,
			votes: []Vote{
				{JudgeID: "j1", SelectedTeamID: "team-a", Score: 8},
				{JudgeID: "j2", SelectedTeamID: "team-b", Score: 9},
				{JudgeID: "j3", SelectedTeamID: "team-a", Score: 7},
			},
			// team-a: 8*0.95 + 7*0.92 = 14.04; team-b: 9*0.88 = 7.92.
			want: "team-a",
		},
		{
			name: "heavier judge outweighs score",
			subs: bothSubmitted,
			votes: []Vote{
				{JudgeID: "j1", SelectedTeamID: "team-b", Score: 10},
				{JudgeID: "j2", SelectedTeamID: "team-a", Score: 10},
			},
			// team-b: 10*0.95 = 9.5; team-a: 10*0.88 = 8.8.
			want: "team-b",
		},
		{
			name: "no submission is a guaranteed loss",
			subs: []Submission{{TeamID: "team-b"}},
			votes: []Vote{
				{JudgeID: "j1", SelectedTeamID: "team-b", Score: 2},
			},
			want: "team-b",
		},
		{
			name: "votes for a non-submitter cannot crown it",
			subs: []Submission{{TeamID: "team-b"}},
			votes: []Vote{
				{JudgeID: "j1", SelectedTeamID: "team-a", Score: 10},
				{JudgeID: "j2", SelectedTeamID: "team-a", Score: 10},
			},
			want: "team-b",
		},
		{
			name:  "zero votes is a draw",
			subs:  bothSubmitted,
			votes: nil,
			want:  WinnerNone,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, scores := computeVerdict(duel, tc.subs, judges, tc.votes)
			if got != tc.want {
				t.Errorf("winner = %q, want %q (scores %v)", got, tc.want, scores)
			}
		})
	}
}

func TestComputeVerdictTieIsDraw(t *testing.T) {
	duel := Challenge{ChallengerTeamID: "team-a", DefenderTeamID: "team-b"}
	judges := []Judge{
		{ID: "j1", ReputationWeight: 1},
		{ID: "j2", ReputationWeight: 1},
	}
	subs := []Submission{{TeamID: "team-a"}, {TeamID: "team-b"}}
	votes := []Vote{
		{JudgeID: "j1", SelectedTeamID: "team-a", Score: 8},
		{JudgeID: "j2", SelectedTeamID: "team-b", Score: 8},
	}

	got, _ := computeVerdict(duel, subs, judges, votes)
	if got != WinnerNone {
		t.Errorf("winner = %q, want a draw for identical scores", got)
	}
}

func TestComputeVerdictNeitherSubmitted(t *testing.T) {
	duel := Challenge{ChallengerTeamID: "team-a", DefenderTeamID: "team-b"}
	judges := []Judge{{ID: "j1", ReputationWeight: 1}}
	votes := []Vote{{JudgeID: "j1", SelectedTeamID: "team-a", Score: 5}}

	got, _ := computeVerdict(duel, nil, judges, votes)
	if got != WinnerNone {
		t.Errorf("winner = %q, want draw when nobody submitted", got)
	}
}

func TestQuorumSettlesChallenge(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Quorum Field", "team-a")

	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeDuel,
		ChallengerTeamID: "team-b",
	})
	mustFund(t, e, ch.ID, Conditions{AutoRelease: true, DisputePeriodDays: 7},
		MilestoneSpec{Description: "on verdict", Amount: 40, CompleteOn: OnSettled},
		MilestoneSpec{Description: "final", Amount: 60, CompleteOn: OnArchived})

	j1 := mustJudge(t, e, "Judge One", 0.95)
	j2 := mustJudge(t, e, "Judge Two", 0.88)
	j3 := mustJudge(t, e, "Judge Three", 0.92)
	if err := e.AssignJudges(ctx, ch.ID, []string{j1.ID, j2.ID, j3.ID}); err != nil {
		t.Fatalf("assigning judges: %v", err)
	}

	mustSubmit(t, e, ch.ID, "team-a")
	mustSubmit(t, e, ch.ID, "team-b")
	closeSubmissions(t, e, clock, ch)

	if err := e.CastVote(ctx, ch.ID, j1.ID, "team-b", 9, "strong demo"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := e.CastVote(ctx, ch.ID, j2.ID, "team-a", 7, ""); err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if got := challengeStatus(t, e, ch.ID); got != StatusJudging {
		t.Fatalf("settled before quorum: status = %s", got)
	}

	if err := e.CastVote(ctx, ch.ID, j3.ID, "team-b", 8, ""); err != nil {
		t.Fatalf("third vote: %v", err)
	}

	got, err := e.GetChallenge(ctx, ch.ID)
	if err != nil {
		t.Fatalf("reloading challenge: %v", err)
	}
	if got.Status != StatusSettled {
		t.Errorf("status = %s, want %s", got.Status, StatusSettled)
	}
	if got.WinnerTeamID != "team-b" {
		t.Errorf("winner = %q, want team-b", got.WinnerTeamID)
	}
	if got.SettledAt.IsZero() {
		t.Error("settledAt not recorded")
	}

	// The on-settled milestone auto-released to the winner.
	ec, err := e.store.GetEscrowByChallenge(ctx, ch.ID)
	if err != nil {
		t.Fatalf("loading escrow: %v", err)
	}
	amounts, err := e.EscrowAmounts(ctx, ec.ID)
	if err != nil {
		t.Fatalf("loading amounts: %v", err)
	}
	if amounts.Released != 40 {
		t.Errorf("released = %d, want 40", amounts.Released)
	}
}

func TestCastVoteValidation(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Strict Court", "")

	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeCapture,
		ChallengerTeamID: "team-a",
	})
	mustFund(t, e, ch.ID, Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "all", Amount: 100, CompleteOn: OnArchived})

	j1 := mustJudge(t, e, "Assigned", 0.9)
	j2 := mustJudge(t, e, "Bystander", 0.9)
	if err := e.AssignJudges(ctx, ch.ID, []string{j1.ID}); err != nil {
		t.Fatalf("assigning judge: %v", err)
	}
	mustSubmit(t, e, ch.ID, "team-a")
	closeSubmissions(t, e, clock, ch)

	if err := e.CastVote(ctx, ch.ID, j1.ID, "team-a", 11, ""); err == nil {
		t.Error("score above 10 accepted")
	}
	if err := e.CastVote(ctx, ch.ID, j1.ID, "team-z", 5, ""); err == nil {
		t.Error("vote for a non-participant accepted")
	}
	if err := e.CastVote(ctx, ch.ID, j2.ID, "team-a", 5, ""); err == nil {
		t.Error("vote from an unassigned judge accepted")
	}
}

func TestVoteOverwriteBeforeQuorum(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Second Thoughts", "team-a")

	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeDuel,
		ChallengerTeamID: "team-b",
	})
	mustFund(t, e, ch.ID, Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "all", Amount: 100, CompleteOn: OnArchived})

	j1 := mustJudge(t, e, "Judge One", 1)
	j2 := mustJudge(t, e, "Judge Two", 1)
	if err := e.AssignJudges(ctx, ch.ID, []string{j1.ID, j2.ID}); err != nil {
		t.Fatalf("assigning judges: %v", err)
	}
	mustSubmit(t, e, ch.ID, "team-a")
	mustSubmit(t, e, ch.ID, "team-b")
	closeSubmissions(t, e, clock, ch)

	if err := e.CastVote(ctx, ch.ID, j1.ID, "team-a", 3, ""); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := e.CastVote(ctx, ch.ID, j1.ID, "team-b", 9, "changed my mind"); err != nil {
		t.Fatalf("overwriting vote: %v", err)
	}

	votes, err := e.ListVotes(ctx, ch.ID)
	if err != nil {
		t.Fatalf("listing votes: %v", err)
	}
	if len(votes) != 1 {
		t.Fatalf("got %d votes, want 1", len(votes))
	}
	if votes[0].SelectedTeamID != "team-b" || votes[0].Score != 9 {
		t.Errorf("vote = %s/%v, want team-b/9", votes[0].SelectedTeamID, votes[0].Score)
	}
}
