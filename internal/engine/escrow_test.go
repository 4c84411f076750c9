package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateEscrowValidation(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Strict Vault", "")
	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeCapture,
		ChallengerTeamID: "team-a",
	})

	base := CreateEscrowParams{
		ChallengeID: ch.ID,
		SponsorID:   "sponsor-1",
		Currency:    CurrencyUSD,
		TotalAmount: 100,
		Milestones: []MilestoneSpec{
			{Description: "all", Amount: 100, CompleteOn: OnArchived},
		},
		Conditions: Conditions{DisputePeriodDays: 7},
	}

	t.Run("milestones must sum to total", func(t *testing.T) {
		p := base
		p.Milestones = []MilestoneSpec{{Description: "short", Amount: 90, CompleteOn: OnArchived}}
		if _, err := e.CreateEscrow(ctx, p); err == nil {
			t.Error("mismatched milestone sum accepted")
		}
	})
	t.Run("too many milestones", func(t *testing.T) {
		p := base
		p.TotalAmount = 11
		p.Milestones = nil
		for i := 0; i < 11; i++ {
			p.Milestones = append(p.Milestones, MilestoneSpec{Description: "m", Amount: 1, CompleteOn: OnArchived})
		}
		if _, err := e.CreateEscrow(ctx, p); err == nil {
			t.Error("11 milestones accepted")
		}
	})
	t.Run("unknown currency", func(t *testing.T) {
		p := base
		p.Currency = "EUR"
		if _, err := e.CreateEscrow(ctx, p); err == nil {
			t.Error("unknown currency accepted")
		}
	})
	t.Run("duplicate arbitrators", func(t *testing.T) {
		p := base
		p.Conditions.Arbitrators = []string{"arb-1", "arb-1"}
		if _, err := e.CreateEscrow(ctx, p); err == nil {
			t.Error("duplicate arbitrators accepted")
		}
	})
	t.Run("one contract per challenge", func(t *testing.T) {
		if _, err := e.CreateEscrow(ctx, base); err != nil {
			t.Fatalf("first contract: %v", err)
		}
		if _, err := e.CreateEscrow(ctx, base); err == nil {
			t.Error("second contract for the same challenge accepted")
		}
	})
}

func TestDepositMismatch(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Exact Change", "")
	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeCapture,
		ChallengerTeamID: "team-a",
	})
	ec, err := e.CreateEscrow(ctx, CreateEscrowParams{
		ChallengeID: ch.ID,
		SponsorID:   "sponsor-1",
		Currency:    CurrencySOL,
		TotalAmount: 100,
		Milestones:  []MilestoneSpec{{Description: "all", Amount: 100, CompleteOn: OnArchived}},
		Conditions:  Conditions{DisputePeriodDays: 7},
	})
	if err != nil {
		t.Fatalf("creating escrow: %v", err)
	}

	if _, err := e.Deposit(ctx, ec.ID, 99, ""); !errors.Is(err, ErrDepositMismatch) {
		t.Errorf("underfunded deposit: err = %v, want ErrDepositMismatch", err)
	}
	if _, err := e.Deposit(ctx, ec.ID, 101, ""); !errors.Is(err, ErrDepositMismatch) {
		t.Errorf("overfunded deposit: err = %v, want ErrDepositMismatch", err)
	}
}

func TestDepositConfirmationActivates(t *testing.T) {
	e, clock := newTestEngine(t)
	territory := mustTerritory(t, e, "Activation Grounds", "")
	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeCapture,
		ChallengerTeamID: "team-a",
	})
	mustFund(t, e, ch.ID, Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "all", Amount: 100, CompleteOn: OnArchived})

	if got := challengeStatus(t, e, ch.ID); got != StatusSubmissionOpen {
		t.Errorf("status = %s, want %s", got, StatusSubmissionOpen)
	}
}

func TestDepositFailureCancels(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Bounced Cheque", "")
	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeCapture,
		ChallengerTeamID: "team-a",
	})
	ec, err := e.CreateEscrow(ctx, CreateEscrowParams{
		ChallengeID: ch.ID,
		SponsorID:   "sponsor-1",
		Currency:    CurrencyUSDC,
		TotalAmount: 100,
		Milestones:  []MilestoneSpec{{Description: "all", Amount: 100, CompleteOn: OnArchived}},
		Conditions:  Conditions{DisputePeriodDays: 7},
	})
	if err != nil {
		t.Fatalf("creating escrow: %v", err)
	}
	tx, err := e.Deposit(ctx, ec.ID, 100, "")
	if err != nil {
		t.Fatalf("depositing: %v", err)
	}

	if err := e.OnTransactionConfirmed(ctx, tx.TxRef, TxFailed); err != nil {
		t.Fatalf("failing deposit: %v", err)
	}
	if got := challengeStatus(t, e, ch.ID); got != StatusCancelled {
		t.Errorf("status = %s, want %s", got, StatusCancelled)
	}
	got, err := e.GetTerritory(ctx, territory.ID)
	if err != nil {
		t.Fatalf("loading territory: %v", err)
	}
	if got.Status != TerritoryNeutral {
		t.Errorf("territory status = %s, want %s", got.Status, TerritoryNeutral)
	}

	// A fresh deposit may be staged after the failed one.
	if _, err := e.Deposit(ctx, ec.ID, 100, ""); err != nil {
		t.Errorf("redepositing after failure: %v", err)
	}
}

// settledChallenge walks a duel to a settled verdict for team-b and returns
// the challenge and its contract.
func settledChallenge(t *testing.T, e *Engine, clock *testClock, conds Conditions, milestones ...MilestoneSpec) (Challenge, EscrowContract) {
	t.Helper()
	ctx := context.Background()
	territory := mustTerritory(t, e, "Proving Grounds", "team-a")

	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:      territory.ID,
		Type:             ChallengeDuel,
		ChallengerTeamID: "team-b",
	})
	ec := mustFund(t, e, ch.ID, conds, milestones...)

	j1 := mustJudge(t, e, "Judge One", 0.95)
	if err := e.AssignJudges(ctx, ch.ID, []string{j1.ID}); err != nil {
		t.Fatalf("assigning judge: %v", err)
	}
	mustSubmit(t, e, ch.ID, "team-a")
	mustSubmit(t, e, ch.ID, "team-b")
	closeSubmissions(t, e, clock, ch)

	if err := e.CastVote(ctx, ch.ID, j1.ID, "team-b", 9, ""); err != nil {
		t.Fatalf("casting vote: %v", err)
	}
	if got := challengeStatus(t, e, ch.ID); got != StatusSettled {
		t.Fatalf("status = %s, want %s", got, StatusSettled)
	}
	ch, err := e.GetChallenge(ctx, ch.ID)
	if err != nil {
		t.Fatalf("reloading challenge: %v", err)
	}
	return ch, ec
}

func TestReleaseRequiresSignatures(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, ec := settledChallenge(t, e, clock,
		Conditions{RequiredSignatures: 2, DisputePeriodDays: 7},
		MilestoneSpec{Description: "on verdict", Amount: 100, CompleteOn: OnSettled})

	milestones, err := e.ListMilestones(ctx, ec.ID)
	if err != nil {
		t.Fatalf("listing milestones: %v", err)
	}
	m := milestones[0]
	if m.Status != MilestoneCompleted {
		t.Fatalf("milestone status = %s, want %s", m.Status, MilestoneCompleted)
	}

	if _, err := e.ReleaseMilestone(ctx, m.ID, "team-b"); !errors.Is(err, ErrInsufficientSignatures) {
		t.Fatalf("release without approvals: err = %v, want ErrInsufficientSignatures", err)
	}
	if err := e.ApproveRelease(ctx, m.ID, "signer-1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	// Same signer approving twice still counts once.
	if err := e.ApproveRelease(ctx, m.ID, "signer-1"); err != nil {
		t.Fatalf("repeated approval: %v", err)
	}
	if _, err := e.ReleaseMilestone(ctx, m.ID, "team-b"); !errors.Is(err, ErrInsufficientSignatures) {
		t.Fatalf("release with one approval: err = %v, want ErrInsufficientSignatures", err)
	}
	if err := e.ApproveRelease(ctx, m.ID, "signer-2"); err != nil {
		t.Fatalf("second approval: %v", err)
	}

	tx, err := e.ReleaseMilestone(ctx, m.ID, "team-b")
	if err != nil {
		t.Fatalf("release with quorum: %v", err)
	}
	if tx.Amount != 100 || tx.Recipient != "team-b" {
		t.Errorf("release tx = %d to %s, want 100 to team-b", tx.Amount, tx.Recipient)
	}
}

func TestReleaseMilestoneExactlyOnce(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, ec := settledChallenge(t, e, clock,
		Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "on verdict", Amount: 100, CompleteOn: OnSettled})

	milestones, err := e.ListMilestones(ctx, ec.ID)
	if err != nil {
		t.Fatalf("listing milestones: %v", err)
	}
	m := milestones[0]

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := e.ReleaseMilestone(ctx, m.ID, "team-b")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = tx.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got tx %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}

	txs, err := e.ListTransactions(ctx, ec.ID)
	if err != nil {
		t.Fatalf("listing transactions: %v", err)
	}
	releases := 0
	for _, tx := range txs {
		if tx.Type == TxRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Errorf("ledger holds %d release entries, want 1", releases)
	}
}

func TestFailedReleaseReopensMilestone(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, ec := settledChallenge(t, e, clock,
		Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "on verdict", Amount: 100, CompleteOn: OnSettled})

	milestones, err := e.ListMilestones(ctx, ec.ID)
	if err != nil {
		t.Fatalf("listing milestones: %v", err)
	}
	m := milestones[0]

	tx, err := e.ReleaseMilestone(ctx, m.ID, "team-b")
	if err != nil {
		t.Fatalf("releasing: %v", err)
	}
	if err := e.OnTransactionConfirmed(ctx, tx.TxRef, TxFailed); err != nil {
		t.Fatalf("failing release: %v", err)
	}

	m, err = e.store.GetMilestone(ctx, m.ID)
	if err != nil {
		t.Fatalf("reloading milestone: %v", err)
	}
	if m.Status != MilestoneCompleted {
		t.Errorf("milestone status = %s, want %s after failed release", m.Status, MilestoneCompleted)
	}

	// A retry appends a fresh ledger entry.
	tx2, err := e.ReleaseMilestone(ctx, m.ID, "team-b")
	if err != nil {
		t.Fatalf("retrying release: %v", err)
	}
	if tx2.ID == tx.ID {
		t.Error("retry reused the failed ledger entry")
	}
}

func TestRefundRequiresDrawOrCancellation(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, ec := settledChallenge(t, e, clock,
		Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "final", Amount: 100, CompleteOn: OnArchived})

	// Settled with a winner: no refund.
	if _, err := e.Refund(ctx, ec.ID); err == nil {
		t.Fatal("refund accepted for a settled challenge with a winner")
	}
}

func TestInvariantViolationFreezesContract(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, ec := settledChallenge(t, e, clock,
		Conditions{DisputePeriodDays: 7},
		MilestoneSpec{Description: "on verdict", Amount: 100, CompleteOn: OnSettled})

	// Forge a release entry that no milestone backs. The next balance check
	// must freeze the contract instead of paying out.
	if _, err := e.store.AppendTransaction(ctx, Transaction{
		EscrowID:  ec.ID,
		Type:      TxRelease,
		Amount:    30,
		Recipient: "team-evil",
		Status:    TxConfirmed,
	}); err != nil {
		t.Fatalf("forging transaction: %v", err)
	}

	milestones, err := e.ListMilestones(ctx, ec.ID)
	if err != nil {
		t.Fatalf("listing milestones: %v", err)
	}
	_, err = e.ReleaseMilestone(ctx, milestones[0].ID, "team-b")
	var violation *InvariantViolation
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want InvariantViolation", err)
	}

	frozen, err := e.store.GetEscrow(ctx, ec.ID)
	if err != nil {
		t.Fatalf("reloading escrow: %v", err)
	}
	if !frozen.Frozen {
		t.Fatal("contract not frozen after invariant violation")
	}

	// Frozen contracts refuse all money movement.
	if _, err := e.ReleaseMilestone(ctx, milestones[0].ID, "team-b"); !errors.Is(err, ErrEscrowFrozen) {
		t.Errorf("release on frozen contract: err = %v, want ErrEscrowFrozen", err)
	}
	if _, err := e.Refund(ctx, ec.ID); !errors.Is(err, ErrEscrowFrozen) {
		t.Errorf("refund on frozen contract: err = %v, want ErrEscrowFrozen", err)
	}
}

func TestLateDepositConfirmationRefunds(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	territory := mustTerritory(t, e, "Slow Rail", "")
	ch := mustOpen(t, e, clock, OpenChallengeParams{
		TerritoryID:        territory.ID,
		Type:               ChallengeCapture,
		ChallengerTeamID:   "team-a",
		SubmissionDeadline: clock.Now().Add(48 * time.Hour),
		JudgingDeadline:    clock.Now().Add(72 * time.Hour),
	})
	ec, err := e.CreateEscrow(ctx, CreateEscrowParams{
		ChallengeID: ch.ID,
		SponsorID:   "sponsor-1",
		Currency:    CurrencyUSDC,
		TotalAmount: 100,
		Milestones:  []MilestoneSpec{{Description: "all", Amount: 100, CompleteOn: OnArchived}},
		Conditions:  Conditions{DisputePeriodDays: 7},
	})
	if err != nil {
		t.Fatalf("creating escrow: %v", err)
	}
	tx, err := e.Deposit(ctx, ec.ID, 100, "")
	if err != nil {
		t.Fatalf("depositing: %v", err)
	}

	// The deposit deadline passes before the rail confirms.
	clock.Advance(25 * time.Hour)
	e.AdvanceDeadlines(ctx)
	if got := challengeStatus(t, e, ch.ID); got != StatusCancelled {
		t.Fatalf("status = %s, want %s", got, StatusCancelled)
	}

	if err := e.OnTransactionConfirmed(ctx, tx.TxRef, TxConfirmed); err != nil {
		t.Fatalf("late confirmation: %v", err)
	}

	amounts, err := e.EscrowAmounts(ctx, ec.ID)
	if err != nil {
		t.Fatalf("loading amounts: %v", err)
	}
	if amounts.Refunded != 100 {
		t.Errorf("refunded = %d, want 100 after late confirmation", amounts.Refunded)
	}
	if amounts.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", amounts.Remaining)
	}
}
