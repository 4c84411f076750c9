package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/riseprotocol/stronghold/internal/database"
	"github.com/riseprotocol/stronghold/internal/migrations"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()

	db, err := database.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(NewSQLiteStore(db), NewBroker(), logger, 24*time.Hour)
	e.now = clock.Now
	return e, clock
}

func mustTerritory(t *testing.T, e *Engine, name, controller string) Territory {
	t.Helper()
	territory, err := e.store.CreateTerritory(context.Background(), name, 50, controller)
	if err != nil {
		t.Fatalf("creating territory: %v", err)
	}
	return territory
}

func mustJudge(t *testing.T, e *Engine, name string, weight float64) Judge {
	t.Helper()
	j, err := e.store.CreateJudge(context.Background(), name, "general", weight)
	if err != nil {
		t.Fatalf("creating judge: %v", err)
	}
	return j
}

func mustOpen(t *testing.T, e *Engine, clock *testClock, p OpenChallengeParams) Challenge {
	t.Helper()
	if p.SubmissionDeadline.IsZero() {
		p.SubmissionDeadline = clock.Now().Add(1 * time.Hour)
	}
	if p.JudgingDeadline.IsZero() {
		p.JudgingDeadline = clock.Now().Add(2 * time.Hour)
	}
	ch, err := e.OpenChallenge(context.Background(), p)
	if err != nil {
		t.Fatalf("opening challenge: %v", err)
	}
	return ch
}

// mustFund creates an escrow contract for the challenge and confirms the
// sponsor's deposit, leaving the challenge open for submissions.
func mustFund(t *testing.T, e *Engine, challengeID string, conds Conditions, milestones ...MilestoneSpec) EscrowContract {
	t.Helper()
	ctx := context.Background()

	var total int64
	for _, m := range milestones {
		total += m.Amount
	}
	ec, err := e.CreateEscrow(ctx, CreateEscrowParams{
		ChallengeID: challengeID,
		SponsorID:   "sponsor-1",
		Currency:    CurrencyUSDC,
		TotalAmount: total,
		Milestones:  milestones,
		Conditions:  conds,
	})
	if err != nil {
		t.Fatalf("creating escrow: %v", err)
	}
	tx, err := e.Deposit(ctx, ec.ID, total, "")
	if err != nil {
		t.Fatalf("depositing: %v", err)
	}
	if err := e.OnTransactionConfirmed(ctx, tx.TxRef, TxConfirmed); err != nil {
		t.Fatalf("confirming deposit: %v", err)
	}
	return ec
}

func mustSubmit(t *testing.T, e *Engine, challengeID, teamID string) {
	t.Helper()
	err := e.SubmitEntry(context.Background(), challengeID, teamID, []Artifact{
		{Type: "github", Title: "repo", URL: "https://github.com/" + teamID + "/entry"},
	})
	if err != nil {
		t.Fatalf("submitting for %s: %v", teamID, err)
	}
}

// closeSubmissions advances the clock past the submission deadline and runs
// the sweep, leaving the challenge in judging.
func closeSubmissions(t *testing.T, e *Engine, clock *testClock, ch Challenge) {
	t.Helper()
	clock.now = ch.SubmissionDeadline.Add(time.Minute)
	e.AdvanceDeadlines(context.Background())
	got, err := e.GetChallenge(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("reloading challenge: %v", err)
	}
	if got.Status != StatusJudging {
		t.Fatalf("challenge status = %s, want %s", got.Status, StatusJudging)
	}
}

func challengeStatus(t *testing.T, e *Engine, id string) ChallengeStatus {
	t.Helper()
	ch, err := e.GetChallenge(context.Background(), id)
	if err != nil {
		t.Fatalf("loading challenge: %v", err)
	}
	return ch.Status
}
