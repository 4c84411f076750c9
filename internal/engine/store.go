package engine

import (
	"context"
	"time"
)

// Store is the persistence boundary for all engine aggregates. Conditional
// updates report whether they applied so callers can resolve races without
// read-modify-write cycles.
type Store interface {
	// Territories.
	CreateTerritory(ctx context.Context, name string, defenseStrength int, controllerTeamID string) (Territory, error)
	GetTerritory(ctx context.Context, id string) (Territory, error)
	CountTerritories(ctx context.Context) (int, error)
	SetTerritoryStatus(ctx context.Context, id string, status TerritoryStatus, controllerTeamID string) error
	ActiveChallengeCount(ctx context.Context, territoryID string) (int, error)

	// Judges.
	CreateJudge(ctx context.Context, name, expertiseTag string, reputationWeight float64) (Judge, error)
	GetJudge(ctx context.Context, id string) (Judge, error)
	AssignJudge(ctx context.Context, challengeID, judgeID string) error
	ListAssignedJudges(ctx context.Context, challengeID string) ([]Judge, error)

	// Challenges.
	CreateChallenge(ctx context.Context, ch Challenge) (Challenge, error)
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	ListChallengesByStatus(ctx context.Context, status ChallengeStatus) ([]Challenge, error)
	// TransitionChallenge flips status from -> to; reports false if the
	// challenge was not in the from status.
	TransitionChallenge(ctx context.Context, id string, from, to ChallengeStatus) (bool, error)
	// SettleChallenge is TransitionChallenge(from -> settled) plus recording
	// the winner and settlement time in the same statement.
	SettleChallenge(ctx context.Context, id string, from ChallengeStatus, winnerTeamID string, at time.Time) (bool, error)

	// Submissions.
	UpsertSubmission(ctx context.Context, challengeID, teamID string, artifacts []Artifact, at time.Time) error
	ListSubmissions(ctx context.Context, challengeID string) ([]Submission, error)

	// Votes.
	UpsertVote(ctx context.Context, v Vote) error
	ListVotes(ctx context.Context, challengeID string) ([]Vote, error)

	// Escrow contracts and milestones.
	CreateEscrow(ctx context.Context, ec EscrowContract, milestones []Milestone) (EscrowContract, error)
	GetEscrow(ctx context.Context, id string) (EscrowContract, error)
	GetEscrowByChallenge(ctx context.Context, challengeID string) (EscrowContract, error)
	FreezeEscrow(ctx context.Context, id string) error
	ListMilestones(ctx context.Context, escrowID string) ([]Milestone, error)
	GetMilestone(ctx context.Context, id string) (Milestone, error)
	// CompleteMilestones flips pending -> completed for every milestone of
	// the contract bound to the given trigger.
	CompleteMilestones(ctx context.Context, escrowID string, trigger MilestoneTrigger, at time.Time) (int, error)
	// ReleaseMilestone is the compare-and-swap completed -> released; reports
	// false if the milestone was not in completed status.
	ReleaseMilestone(ctx context.Context, milestoneID string, at time.Time) (bool, error)
	// RevertMilestoneRelease undoes released -> completed after the payment
	// rail reports a failed release.
	RevertMilestoneRelease(ctx context.Context, milestoneID string) error
	AddReleaseApproval(ctx context.Context, milestoneID, approverID string) error
	CountReleaseApprovals(ctx context.Context, milestoneID string) (int, error)

	// Ledger. Transactions are append-only; only their external settlement
	// status ever changes, and only pending -> confirmed/failed.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransactionByRef(ctx context.Context, txRef string) (Transaction, error)
	SetTransactionStatus(ctx context.Context, txRef string, from, to TxStatus) (bool, error)
	ListTransactions(ctx context.Context, escrowID string) ([]Transaction, error)
	// ReleaseTransactionForMilestone returns the non-failed release entry for
	// a milestone, for idempotent ReleaseMilestone retries.
	ReleaseTransactionForMilestone(ctx context.Context, milestoneID string) (Transaction, error)
	// EscrowAmounts sums the ledger: confirmed deposits, non-failed releases,
	// non-failed refunds.
	EscrowAmounts(ctx context.Context, escrowID string) (deposited, released, refunded int64, err error)
	// ReleasedAmountTo sums non-failed releases paid to one recipient.
	ReleasedAmountTo(ctx context.Context, escrowID, recipient string) (int64, error)

	// Disputes.
	CreateDispute(ctx context.Context, challengeID, raisedBy string, at time.Time) (Dispute, error)
	GetDispute(ctx context.Context, id string) (Dispute, error)
	GetDisputeByChallenge(ctx context.Context, challengeID string) (Dispute, error)
	ListPendingDisputes(ctx context.Context) ([]Dispute, error)
	UpsertArbitratorVote(ctx context.Context, disputeID, arbitratorID string, decision ArbitratorDecision, at time.Time) error
	TallyArbitratorVotes(ctx context.Context, disputeID string) (uphold, overturn int, err error)
	// ResolveDispute flips pending -> resolution; reports false if already
	// resolved.
	ResolveDispute(ctx context.Context, disputeID string, resolution DisputeResolution, at time.Time) (bool, error)
}
