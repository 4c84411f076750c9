package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SQLiteStore persists engine aggregates in a single SQLite database. Nested
// value lists (requirements, stakes, artifacts, arbitrators) are stored as
// JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqlTimeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SQLiteStore) CreateTerritory(ctx context.Context, name string, defenseStrength int, controllerTeamID string) (Territory, error) {
	t := Territory{
		Name:             name,
		ControllerTeamID: controllerTeamID,
		DefenseStrength:  defenseStrength,
		Status:           TerritoryNeutral,
	}
	if controllerTeamID != "" {
		t.Status = TerritoryControlled
	}

	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO territories (name, controller_team_id, defense_strength, status)
		VALUES (?, NULLIF(?, ''), ?, ?)
		RETURNING id, created_at
	`, name, controllerTeamID, defenseStrength, t.Status).Scan(&t.ID, &createdAt)
	if err != nil {
		return Territory{}, err
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func (s *SQLiteStore) GetTerritory(ctx context.Context, id string) (Territory, error) {
	var t Territory
	var controller sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, controller_team_id, defense_strength, status, created_at
		FROM territories WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &controller, &t.DefenseStrength, &t.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ControllerTeamID = controller.String
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func (s *SQLiteStore) CountTerritories(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM territories`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) SetTerritoryStatus(ctx context.Context, id string, status TerritoryStatus, controllerTeamID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE territories SET status = ?, controller_team_id = NULLIF(?, '')
		WHERE id = ?
	`, status, controllerTeamID, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ActiveChallengeCount(ctx context.Context, territoryID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM challenges
		WHERE territory_id = ? AND status NOT IN ('archived', 'cancelled')
	`, territoryID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) CreateJudge(ctx context.Context, name, expertiseTag string, reputationWeight float64) (Judge, error) {
	j := Judge{Name: name, ExpertiseTag: expertiseTag, ReputationWeight: reputationWeight}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO judges (name, expertise_tag, reputation_weight)
		VALUES (?, ?, ?)
		RETURNING id
	`, name, expertiseTag, reputationWeight).Scan(&j.ID)
	return j, err
}

func (s *SQLiteStore) GetJudge(ctx context.Context, id string) (Judge, error) {
	var j Judge
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, expertise_tag, reputation_weight FROM judges WHERE id = ?
	`, id).Scan(&j.ID, &j.Name, &j.ExpertiseTag, &j.ReputationWeight)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) AssignJudge(ctx context.Context, challengeID, judgeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenge_judges (challenge_id, judge_id)
		VALUES (?, ?)
		ON CONFLICT (challenge_id, judge_id) DO NOTHING
	`, challengeID, judgeID)
	return err
}

func (s *SQLiteStore) ListAssignedJudges(ctx context.Context, challengeID string) ([]Judge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.name, j.expertise_tag, j.reputation_weight
		FROM challenge_judges cj
		JOIN judges j ON j.id = cj.judge_id
		WHERE cj.challenge_id = ?
		ORDER BY j.id
	`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var judges []Judge
	for rows.Next() {
		var j Judge
		if err := rows.Scan(&j.ID, &j.Name, &j.ExpertiseTag, &j.ReputationWeight); err != nil {
			return nil, err
		}
		judges = append(judges, j)
	}
	return judges, rows.Err()
}

func (s *SQLiteStore) CreateChallenge(ctx context.Context, ch Challenge) (Challenge, error) {
	requirements, _ := json.Marshal(ch.Requirements)
	stakes, _ := json.Marshal(ch.Stakes)

	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO challenges (territory_id, type, challenger_team_id, defender_team_id,
			title, description, requirements, stakes, status,
			deposit_deadline, submission_deadline, judging_deadline)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at
	`, ch.TerritoryID, ch.Type, ch.ChallengerTeamID, ch.DefenderTeamID,
		ch.Title, ch.Description, string(requirements), string(stakes), StatusPending,
		fmtTime(ch.DepositDeadline), fmtTime(ch.SubmissionDeadline), fmtTime(ch.JudgingDeadline),
	).Scan(&ch.ID, &createdAt)
	if err != nil {
		return Challenge{}, err
	}
	ch.Status = StatusPending
	ch.CreatedAt = parseTime(createdAt)
	return ch, nil
}

func (s *SQLiteStore) scanChallenge(row interface{ Scan(...any) error }) (Challenge, error) {
	var ch Challenge
	var defender, winner, settledAt sql.NullString
	var requirements, stakes string
	var depositDL, submissionDL, judgingDL, createdAt string
	err := row.Scan(&ch.ID, &ch.TerritoryID, &ch.Type, &ch.ChallengerTeamID, &defender,
		&ch.Title, &ch.Description, &requirements, &stakes, &ch.Status, &winner,
		&depositDL, &submissionDL, &judgingDL, &settledAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ch, ErrNotFound
	}
	if err != nil {
		return ch, err
	}
	ch.DefenderTeamID = defender.String
	ch.WinnerTeamID = winner.String
	json.Unmarshal([]byte(requirements), &ch.Requirements)
	json.Unmarshal([]byte(stakes), &ch.Stakes)
	ch.DepositDeadline = parseTime(depositDL)
	ch.SubmissionDeadline = parseTime(submissionDL)
	ch.JudgingDeadline = parseTime(judgingDL)
	ch.SettledAt = parseTime(settledAt.String)
	ch.CreatedAt = parseTime(createdAt)
	return ch, nil
}

const challengeColumns = `id, territory_id, type, challenger_team_id, defender_team_id,
	title, description, requirements, stakes, status, winner_team_id,
	deposit_deadline, submission_deadline, judging_deadline, settled_at, created_at`

func (s *SQLiteStore) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = ?`, id)
	return s.scanChallenge(row)
}

func (s *SQLiteStore) ListChallengesByStatus(ctx context.Context, status ChallengeStatus) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges WHERE status = ? ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []Challenge
	for rows.Next() {
		ch, err := s.scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, ch)
	}
	return challenges, rows.Err()
}

func (s *SQLiteStore) TransitionChallenge(ctx context.Context, id string, from, to ChallengeStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SettleChallenge(ctx context.Context, id string, from ChallengeStatus, winnerTeamID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE challenges
		SET status = 'settled', winner_team_id = NULLIF(?, ''), settled_at = COALESCE(settled_at, ?)
		WHERE id = ? AND status = ?
	`, winnerTeamID, fmtTime(at), id, from)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpsertSubmission(ctx context.Context, challengeID, teamID string, artifacts []Artifact, at time.Time) error {
	data, _ := json.Marshal(artifacts)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (challenge_id, team_id, artifacts, submitted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (challenge_id, team_id)
		DO UPDATE SET artifacts = excluded.artifacts, submitted_at = excluded.submitted_at
	`, challengeID, teamID, string(data), fmtTime(at))
	return err
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, challengeID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT challenge_id, team_id, artifacts, submitted_at
		FROM submissions WHERE challenge_id = ? ORDER BY submitted_at
	`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var sub Submission
		var artifacts, submittedAt string
		if err := rows.Scan(&sub.ChallengeID, &sub.TeamID, &artifacts, &submittedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(artifacts), &sub.Artifacts)
		sub.SubmittedAt = parseTime(submittedAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) UpsertVote(ctx context.Context, v Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (challenge_id, judge_id, selected_team_id, score, feedback, cast_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (challenge_id, judge_id)
		DO UPDATE SET selected_team_id = excluded.selected_team_id,
			score = excluded.score, feedback = excluded.feedback, cast_at = excluded.cast_at
	`, v.ChallengeID, v.JudgeID, v.SelectedTeamID, v.Score, v.Feedback, fmtTime(v.CastAt))
	return err
}

func (s *SQLiteStore) ListVotes(ctx context.Context, challengeID string) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT challenge_id, judge_id, selected_team_id, score, feedback, cast_at
		FROM votes WHERE challenge_id = ? ORDER BY judge_id
	`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var v Vote
		var castAt string
		if err := rows.Scan(&v.ChallengeID, &v.JudgeID, &v.SelectedTeamID, &v.Score, &v.Feedback, &castAt); err != nil {
			return nil, err
		}
		v.CastAt = parseTime(castAt)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *SQLiteStore) CreateEscrow(ctx context.Context, ec EscrowContract, milestones []Milestone) (EscrowContract, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EscrowContract{}, err
	}
	defer tx.Rollback()

	arbitrators, _ := json.Marshal(ec.Conditions.Arbitrators)

	var createdAt string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO escrow_contracts (challenge_id, sponsor_id, currency, total_amount,
			auto_release, dispute_period_days, required_signatures, arbitrators)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at
	`, ec.ChallengeID, ec.SponsorID, ec.Currency, ec.TotalAmount,
		ec.Conditions.AutoRelease, ec.Conditions.DisputePeriodDays,
		ec.Conditions.RequiredSignatures, string(arbitrators),
	).Scan(&ec.ID, &createdAt)
	if err != nil {
		return EscrowContract{}, err
	}
	ec.CreatedAt = parseTime(createdAt)

	for i, m := range milestones {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (escrow_id, position, description, amount, complete_on)
			VALUES (?, ?, ?, ?, ?)
		`, ec.ID, i+1, m.Description, m.Amount, m.CompleteOn)
		if err != nil {
			return EscrowContract{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return EscrowContract{}, err
	}
	return ec, nil
}

func (s *SQLiteStore) scanEscrow(row interface{ Scan(...any) error }) (EscrowContract, error) {
	var ec EscrowContract
	var arbitrators, createdAt string
	err := row.Scan(&ec.ID, &ec.ChallengeID, &ec.SponsorID, &ec.Currency, &ec.TotalAmount,
		&ec.Conditions.AutoRelease, &ec.Conditions.DisputePeriodDays,
		&ec.Conditions.RequiredSignatures, &arbitrators, &ec.Frozen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ec, ErrNotFound
	}
	if err != nil {
		return ec, err
	}
	json.Unmarshal([]byte(arbitrators), &ec.Conditions.Arbitrators)
	ec.CreatedAt = parseTime(createdAt)
	return ec, nil
}

const escrowColumns = `id, challenge_id, sponsor_id, currency, total_amount,
	auto_release, dispute_period_days, required_signatures, arbitrators, frozen, created_at`

func (s *SQLiteStore) GetEscrow(ctx context.Context, id string) (EscrowContract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_contracts WHERE id = ?`, id)
	return s.scanEscrow(row)
}

func (s *SQLiteStore) GetEscrowByChallenge(ctx context.Context, challengeID string) (EscrowContract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_contracts WHERE challenge_id = ?`, challengeID)
	return s.scanEscrow(row)
}

func (s *SQLiteStore) FreezeEscrow(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escrow_contracts SET frozen = 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListMilestones(ctx context.Context, escrowID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, position, description, amount, complete_on, status,
			COALESCE(completed_at, ''), COALESCE(released_at, '')
		FROM milestones WHERE escrow_id = ? ORDER BY position
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var milestones []Milestone
	for rows.Next() {
		var m Milestone
		var completedAt, releasedAt string
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Position, &m.Description, &m.Amount,
			&m.CompleteOn, &m.Status, &completedAt, &releasedAt); err != nil {
			return nil, err
		}
		m.CompletedAt = parseTime(completedAt)
		m.ReleasedAt = parseTime(releasedAt)
		milestones = append(milestones, m)
	}
	return milestones, rows.Err()
}

func (s *SQLiteStore) GetMilestone(ctx context.Context, id string) (Milestone, error) {
	var m Milestone
	var completedAt, releasedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, position, description, amount, complete_on, status,
			COALESCE(completed_at, ''), COALESCE(released_at, '')
		FROM milestones WHERE id = ?
	`, id).Scan(&m.ID, &m.EscrowID, &m.Position, &m.Description, &m.Amount,
		&m.CompleteOn, &m.Status, &completedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.CompletedAt = parseTime(completedAt)
	m.ReleasedAt = parseTime(releasedAt)
	return m, nil
}

func (s *SQLiteStore) CompleteMilestones(ctx context.Context, escrowID string, trigger MilestoneTrigger, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE milestones SET status = 'completed', completed_at = ?
		WHERE escrow_id = ? AND complete_on = ? AND status = 'pending'
	`, fmtTime(at), escrowID, trigger)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ReleaseMilestone(ctx context.Context, milestoneID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE milestones SET status = 'released', released_at = ?
		WHERE id = ? AND status = 'completed'
	`, fmtTime(at), milestoneID)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) RevertMilestoneRelease(ctx context.Context, milestoneID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE milestones SET status = 'completed', released_at = NULL
		WHERE id = ? AND status = 'released'
	`, milestoneID)
	return err
}

func (s *SQLiteStore) AddReleaseApproval(ctx context.Context, milestoneID, approverID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO release_approvals (milestone_id, approver_id)
		VALUES (?, ?)
		ON CONFLICT (milestone_id, approver_id) DO NOTHING
	`, milestoneID, approverID)
	return err
}

func (s *SQLiteStore) CountReleaseApprovals(ctx context.Context, milestoneID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM release_approvals WHERE milestone_id = ?
	`, milestoneID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (escrow_id, milestone_id, type, amount, recipient, tx_ref, status)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), COALESCE(NULLIF(?, ''), lower(hex(randomblob(16)))), ?)
		RETURNING id, tx_ref, created_at
	`, tx.EscrowID, tx.MilestoneID, tx.Type, tx.Amount, tx.Recipient, tx.TxRef, tx.Status,
	).Scan(&tx.ID, &tx.TxRef, &createdAt)
	if err != nil {
		return Transaction{}, err
	}
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

func (s *SQLiteStore) scanTransaction(row interface{ Scan(...any) error }) (Transaction, error) {
	var tx Transaction
	var milestoneID, recipient sql.NullString
	var createdAt string
	err := row.Scan(&tx.ID, &tx.EscrowID, &milestoneID, &tx.Type, &tx.Amount,
		&recipient, &tx.TxRef, &tx.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tx, ErrNotFound
	}
	if err != nil {
		return tx, err
	}
	tx.MilestoneID = milestoneID.String
	tx.Recipient = recipient.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

const transactionColumns = `id, escrow_id, milestone_id, type, amount, recipient, tx_ref, status, created_at`

func (s *SQLiteStore) GetTransactionByRef(ctx context.Context, txRef string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE tx_ref = ?`, txRef)
	return s.scanTransaction(row)
}

func (s *SQLiteStore) SetTransactionStatus(ctx context.Context, txRef string, from, to TxStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = ? WHERE tx_ref = ? AND status = ?
	`, to, txRef, from)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, escrowID string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE escrow_id = ? ORDER BY created_at, id
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) ReleaseTransactionForMilestone(ctx context.Context, milestoneID string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE milestone_id = ? AND type = 'release' AND status != 'failed'
		ORDER BY created_at DESC LIMIT 1
	`, milestoneID)
	return s.scanTransaction(row)
}

func (s *SQLiteStore) EscrowAmounts(ctx context.Context, escrowID string) (deposited, released, refunded int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'deposit' AND status = 'confirmed' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN type = 'release' AND status != 'failed' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN type = 'refund' AND status != 'failed' THEN amount END), 0)
		FROM transactions WHERE escrow_id = ?
	`, escrowID).Scan(&deposited, &released, &refunded)
	return deposited, released, refunded, err
}

func (s *SQLiteStore) ReleasedAmountTo(ctx context.Context, escrowID, recipient string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE escrow_id = ? AND type = 'release' AND status != 'failed' AND recipient = ?
	`, escrowID, recipient).Scan(&sum)
	return sum, err
}

func (s *SQLiteStore) CreateDispute(ctx context.Context, challengeID, raisedBy string, at time.Time) (Dispute, error) {
	d := Dispute{ChallengeID: challengeID, RaisedBy: raisedBy, OpenedAt: at, Resolution: ResolutionPending}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO disputes (challenge_id, raised_by, opened_at)
		VALUES (?, ?, ?)
		RETURNING id
	`, challengeID, raisedBy, fmtTime(at)).Scan(&d.ID)
	return d, err
}

func (s *SQLiteStore) scanDispute(row interface{ Scan(...any) error }) (Dispute, error) {
	var d Dispute
	var openedAt, resolvedAt string
	err := row.Scan(&d.ID, &d.ChallengeID, &d.RaisedBy, &openedAt, &d.Resolution, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.OpenedAt = parseTime(openedAt)
	d.ResolvedAt = parseTime(resolvedAt)
	return d, nil
}

func (s *SQLiteStore) GetDispute(ctx context.Context, id string) (Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, challenge_id, raised_by, opened_at, resolution, COALESCE(resolved_at, '')
		FROM disputes WHERE id = ?
	`, id)
	return s.scanDispute(row)
}

func (s *SQLiteStore) GetDisputeByChallenge(ctx context.Context, challengeID string) (Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, challenge_id, raised_by, opened_at, resolution, COALESCE(resolved_at, '')
		FROM disputes WHERE challenge_id = ?
	`, challengeID)
	return s.scanDispute(row)
}

func (s *SQLiteStore) ListPendingDisputes(ctx context.Context) ([]Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, challenge_id, raised_by, opened_at, resolution, COALESCE(resolved_at, '')
		FROM disputes WHERE resolution = 'pending' ORDER BY opened_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []Dispute
	for rows.Next() {
		d, err := s.scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

func (s *SQLiteStore) UpsertArbitratorVote(ctx context.Context, disputeID, arbitratorID string, decision ArbitratorDecision, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arbitrator_votes (dispute_id, arbitrator_id, decision, cast_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dispute_id, arbitrator_id)
		DO UPDATE SET decision = excluded.decision, cast_at = excluded.cast_at
	`, disputeID, arbitratorID, decision, fmtTime(at))
	return err
}

func (s *SQLiteStore) TallyArbitratorVotes(ctx context.Context, disputeID string) (uphold, overturn int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN decision = 'uphold' THEN 1 END), 0),
			COALESCE(SUM(CASE WHEN decision = 'overturn' THEN 1 END), 0)
		FROM arbitrator_votes WHERE dispute_id = ?
	`, disputeID).Scan(&uphold, &overturn)
	return uphold, overturn, err
}

func (s *SQLiteStore) ResolveDispute(ctx context.Context, disputeID string, resolution DisputeResolution, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET resolution = ?, resolved_at = ?
		WHERE id = ? AND resolution = 'pending'
	`, resolution, fmtTime(at), disputeID)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
