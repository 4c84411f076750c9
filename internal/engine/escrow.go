package engine

import (
	"context"
	"errors"
	"fmt"
)

type MilestoneSpec struct {
	Description string
	Amount      int64
	CompleteOn  MilestoneTrigger
}

type CreateEscrowParams struct {
	ChallengeID string
	SponsorID   string
	Currency    Currency
	TotalAmount int64
	Milestones  []MilestoneSpec
	Conditions  Conditions
}

// CreateEscrow funds a challenge with an escrow contract. One contract per
// challenge; milestone amounts must sum to the contract total.
func (e *Engine) CreateEscrow(ctx context.Context, p CreateEscrowParams) (EscrowContract, error) {
	switch {
	case p.SponsorID == "":
		return EscrowContract{}, validationf("sponsorId", "required")
	case p.Currency != CurrencyUSD && p.Currency != CurrencySOL && p.Currency != CurrencyUSDC:
		return EscrowContract{}, validationf("currency", "unknown currency %q", p.Currency)
	case p.TotalAmount <= 0:
		return EscrowContract{}, validationf("totalAmount", "must be positive")
	case len(p.Milestones) == 0:
		return EscrowContract{}, validationf("milestones", "at least one milestone is required")
	case len(p.Milestones) > maxMilestones:
		return EscrowContract{}, validationf("milestones", "at most %d milestones", maxMilestones)
	case p.Conditions.DisputePeriodDays < 0:
		return EscrowContract{}, validationf("conditions.disputePeriodDays", "must not be negative")
	case p.Conditions.RequiredSignatures < 0:
		return EscrowContract{}, validationf("conditions.requiredSignatures", "must not be negative")
	}

	var sum int64
	for i, m := range p.Milestones {
		if m.Amount <= 0 {
			return EscrowContract{}, validationf("milestones", "milestone %d amount must be positive", i+1)
		}
		switch m.CompleteOn {
		case OnSubmissionClosed, OnSettled, OnArchived:
		default:
			return EscrowContract{}, validationf("milestones", "milestone %d has unknown trigger %q", i+1, m.CompleteOn)
		}
		sum += m.Amount
	}
	if sum != p.TotalAmount {
		return EscrowContract{}, validationf("milestones", "amounts sum to %d, want totalAmount %d", sum, p.TotalAmount)
	}

	seen := make(map[string]bool, len(p.Conditions.Arbitrators))
	for _, a := range p.Conditions.Arbitrators {
		if seen[a] {
			return EscrowContract{}, validationf("conditions.arbitrators", "duplicate arbitrator %s", a)
		}
		seen[a] = true
	}

	unlock := e.challengeLocks.lock(p.ChallengeID)
	defer unlock()

	ch, err := e.store.GetChallenge(ctx, p.ChallengeID)
	if err != nil {
		return EscrowContract{}, fmt.Errorf("loading challenge: %w", err)
	}
	if ch.Status != StatusPending {
		return EscrowContract{}, conflictf("challenge is already %s", ch.Status)
	}
	if _, err := e.store.GetEscrowByChallenge(ctx, p.ChallengeID); err == nil {
		return EscrowContract{}, conflictf("challenge is already funded")
	} else if !errors.Is(err, ErrNotFound) {
		return EscrowContract{}, fmt.Errorf("checking existing escrow: %w", err)
	}

	milestones := make([]Milestone, len(p.Milestones))
	for i, m := range p.Milestones {
		milestones[i] = Milestone{Description: m.Description, Amount: m.Amount, CompleteOn: m.CompleteOn}
	}

	ec, err := e.store.CreateEscrow(ctx, EscrowContract{
		ChallengeID: p.ChallengeID,
		SponsorID:   p.SponsorID,
		Currency:    p.Currency,
		TotalAmount: p.TotalAmount,
		Conditions:  p.Conditions,
	}, milestones)
	if err != nil {
		return EscrowContract{}, fmt.Errorf("creating escrow: %w", err)
	}

	e.logger.Info("escrow created",
		"escrow_id", ec.ID,
		"challenge_id", p.ChallengeID,
		"total", p.TotalAmount,
		"currency", p.Currency,
		"milestones", len(milestones),
	)
	return ec, nil
}

// Deposit stages the sponsor's stake as a pending ledger entry. The payment
// rail later confirms or fails it through OnTransactionConfirmed; the
// challenge activates only on confirmation.
func (e *Engine) Deposit(ctx context.Context, escrowID string, amount int64, txRef string) (Transaction, error) {
	unlock := e.escrowLocks.lock(escrowID)
	defer unlock()

	ec, err := e.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading escrow: %w", err)
	}
	if ec.Frozen {
		return Transaction{}, ErrEscrowFrozen
	}
	if amount != ec.TotalAmount {
		return Transaction{}, ErrDepositMismatch
	}

	txs, err := e.store.ListTransactions(ctx, escrowID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading ledger: %w", err)
	}
	for _, tx := range txs {
		if tx.Type == TxDeposit && tx.Status != TxFailed {
			return Transaction{}, conflictf("a deposit is already %s", tx.Status)
		}
	}

	tx, err := e.store.AppendTransaction(ctx, Transaction{
		EscrowID: escrowID,
		Type:     TxDeposit,
		Amount:   amount,
		TxRef:    txRef,
		Status:   TxPending,
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("appending deposit: %w", err)
	}
	e.logger.Info("deposit staged", "escrow_id", escrowID, "amount", amount, "tx_ref", tx.TxRef)
	return tx, nil
}

// OnTransactionConfirmed is the payment rail's callback boundary. It flips a
// pending ledger entry to its final status and reacts: a confirmed deposit
// activates the challenge, a failed deposit cancels it, a failed release
// reopens the milestone. Redundant callbacks are no-ops.
func (e *Engine) OnTransactionConfirmed(ctx context.Context, txRef string, status TxStatus) error {
	if status != TxConfirmed && status != TxFailed {
		return validationf("status", "must be confirmed or failed, got %q", status)
	}

	tx, err := e.store.GetTransactionByRef(ctx, txRef)
	if err != nil {
		return fmt.Errorf("loading transaction: %w", err)
	}

	if tx.Type == TxDeposit {
		return e.onDepositResult(ctx, tx, status)
	}

	unlock := e.escrowLocks.lock(tx.EscrowID)
	defer unlock()

	ok, err := e.store.SetTransactionStatus(ctx, txRef, TxPending, status)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if !ok {
		return nil // already processed
	}

	if tx.Type == TxRelease && status == TxFailed {
		// The rail bounced the payout; reopen the milestone so a retry
		// appends a fresh release entry.
		if err := e.store.RevertMilestoneRelease(ctx, tx.MilestoneID); err != nil {
			return fmt.Errorf("reopening milestone: %w", err)
		}
		e.logger.Warn("release failed, milestone reopened",
			"escrow_id", tx.EscrowID, "milestone_id", tx.MilestoneID, "tx_ref", txRef)
	}
	return nil
}

func (e *Engine) onDepositResult(ctx context.Context, tx Transaction, status TxStatus) error {
	ec, err := e.store.GetEscrow(ctx, tx.EscrowID)
	if err != nil {
		return fmt.Errorf("loading escrow: %w", err)
	}
	ch, err := e.store.GetChallenge(ctx, ec.ChallengeID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}

	unlockT := e.territoryLocks.lock(ch.TerritoryID)
	defer unlockT()
	unlockC := e.challengeLocks.lock(ch.ID)
	defer unlockC()
	unlockE := e.escrowLocks.lock(ec.ID)
	defer unlockE()

	ok, err := e.store.SetTransactionStatus(ctx, tx.TxRef, TxPending, status)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if !ok {
		return nil // already processed
	}

	ch, err = e.store.GetChallenge(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("loading challenge: %w", err)
	}

	if status == TxFailed {
		ok, err := e.store.TransitionChallenge(ctx, ch.ID, StatusPending, StatusCancelled)
		if err != nil {
			return fmt.Errorf("cancelling challenge: %w", err)
		}
		if ok {
			if err := e.releaseTerritorySlot(ctx, ch.TerritoryID); err != nil {
				return err
			}
			e.logger.Warn("deposit failed, challenge cancelled", "challenge_id", ch.ID, "tx_ref", tx.TxRef)
		}
		return nil
	}

	if err := e.checkInvariants(ctx, ec); err != nil {
		return err
	}

	if ch.Status != StatusPending {
		// Deposit confirmed after the challenge was already cancelled by the
		// deadline sweep: bounce the funds straight back.
		if ch.Status == StatusCancelled {
			e.logger.Warn("deposit confirmed after cancellation, refunding", "challenge_id", ch.ID)
			return e.refundRemainder(ctx, ec)
		}
		return nil
	}

	if ok, err := e.store.TransitionChallenge(ctx, ch.ID, StatusPending, StatusActive); err != nil || !ok {
		return err
	}
	// Activation opens the submission window immediately.
	if _, err := e.store.TransitionChallenge(ctx, ch.ID, StatusActive, StatusSubmissionOpen); err != nil {
		return err
	}
	e.logger.Info("challenge funded and open for submissions",
		"challenge_id", ch.ID, "escrow_id", ec.ID, "amount", tx.Amount)
	return nil
}

// ApproveRelease records one signer's approval for manually releasing a
// milestone. Approvals are idempotent per signer.
func (e *Engine) ApproveRelease(ctx context.Context, milestoneID, approverID string) error {
	if approverID == "" {
		return validationf("approverId", "required")
	}
	m, err := e.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return fmt.Errorf("loading milestone: %w", err)
	}

	unlock := e.escrowLocks.lock(m.EscrowID)
	defer unlock()

	if err := e.store.AddReleaseApproval(ctx, milestoneID, approverID); err != nil {
		return fmt.Errorf("recording approval: %w", err)
	}
	e.logger.Info("release approved", "milestone_id", milestoneID, "approver", approverID)
	return nil
}

// ReleaseMilestone pays out one completed milestone. The release is
// exactly-once: a concurrent or repeated call observes the released status
// and returns the existing ledger entry instead of double-paying. Manual
// release requires the contract's signature quorum.
func (e *Engine) ReleaseMilestone(ctx context.Context, milestoneID, recipient string) (Transaction, error) {
	if recipient == "" {
		return Transaction{}, validationf("recipient", "required")
	}
	m, err := e.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading milestone: %w", err)
	}

	unlock := e.escrowLocks.lock(m.EscrowID)
	defer unlock()

	ec, err := e.store.GetEscrow(ctx, m.EscrowID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading escrow: %w", err)
	}
	if ec.Frozen {
		return Transaction{}, ErrEscrowFrozen
	}

	m, err = e.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading milestone: %w", err)
	}
	if m.Status == MilestoneReleased {
		return e.store.ReleaseTransactionForMilestone(ctx, milestoneID)
	}
	if m.Status != MilestoneCompleted {
		return Transaction{}, ErrMilestoneNotCompleted
	}

	ch, err := e.store.GetChallenge(ctx, ec.ChallengeID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading challenge: %w", err)
	}
	if ch.Status == StatusDisputed {
		return Transaction{}, conflictf("challenge is under dispute")
	}

	approvals, err := e.store.CountReleaseApprovals(ctx, milestoneID)
	if err != nil {
		return Transaction{}, fmt.Errorf("counting approvals: %w", err)
	}
	if approvals < ec.Conditions.RequiredSignatures {
		return Transaction{}, ErrInsufficientSignatures
	}

	return e.releaseCompleted(ctx, ec, m, recipient)
}

// releaseCompleted performs the completed -> released compare-and-swap and
// appends the release ledger entry. Signature checks are the caller's
// responsibility (auto-release skips them by design).
//
// Callers must hold the escrow lock.
func (e *Engine) releaseCompleted(ctx context.Context, ec EscrowContract, m Milestone, recipient string) (Transaction, error) {
	ok, err := e.store.ReleaseMilestone(ctx, m.ID, e.now())
	if err != nil {
		return Transaction{}, fmt.Errorf("releasing milestone: %w", err)
	}
	if !ok {
		// Lost the race; the other releaser's entry is authoritative.
		return e.store.ReleaseTransactionForMilestone(ctx, m.ID)
	}

	tx, err := e.store.AppendTransaction(ctx, Transaction{
		EscrowID:    ec.ID,
		MilestoneID: m.ID,
		Type:        TxRelease,
		Amount:      m.Amount,
		Recipient:   recipient,
		Status:      TxPending,
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("appending release: %w", err)
	}

	if err := e.checkInvariants(ctx, ec); err != nil {
		return Transaction{}, err
	}

	e.logger.Info("milestone released",
		"escrow_id", ec.ID,
		"milestone_id", m.ID,
		"amount", m.Amount,
		"recipient", recipient,
	)
	e.broker.Publish(Event{
		Type:        EventMilestoneReleased,
		ChallengeID: ec.ChallengeID,
		MilestoneID: m.ID,
		TeamID:      recipient,
		Amount:      m.Amount,
	})
	return tx, nil
}

// Refund returns the undistributed remainder to the sponsor. Permitted only
// for cancelled challenges and draws (including disputes overturned to no
// winner).
func (e *Engine) Refund(ctx context.Context, escrowID string) (Transaction, error) {
	unlock := e.escrowLocks.lock(escrowID)
	defer unlock()

	ec, err := e.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading escrow: %w", err)
	}
	if ec.Frozen {
		return Transaction{}, ErrEscrowFrozen
	}
	ch, err := e.store.GetChallenge(ctx, ec.ChallengeID)
	if err != nil {
		return Transaction{}, fmt.Errorf("loading challenge: %w", err)
	}

	refundable := ch.Status == StatusCancelled ||
		((ch.Status == StatusSettled || ch.Status == StatusArchived) && ch.WinnerTeamID == WinnerNone)
	if !refundable {
		return Transaction{}, conflictf("refund requires a cancelled challenge or a draw")
	}

	deposited, released, refunded, err := e.store.EscrowAmounts(ctx, escrowID)
	if err != nil {
		return Transaction{}, fmt.Errorf("summing ledger: %w", err)
	}
	remainder := deposited - released - refunded
	if remainder <= 0 {
		return Transaction{}, conflictf("nothing left to refund")
	}

	tx, err := e.store.AppendTransaction(ctx, Transaction{
		EscrowID:  escrowID,
		Type:      TxRefund,
		Amount:    remainder,
		Recipient: ec.SponsorID,
		Status:    TxPending,
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("appending refund: %w", err)
	}
	if err := e.checkInvariants(ctx, ec); err != nil {
		return Transaction{}, err
	}
	e.logger.Info("refund staged", "escrow_id", escrowID, "amount", remainder, "recipient", ec.SponsorID)
	return tx, nil
}

// GetEscrow returns one escrow contract.
func (e *Engine) GetEscrow(ctx context.Context, id string) (EscrowContract, error) {
	return e.store.GetEscrow(ctx, id)
}

// EscrowAmounts returns the derived balance view of a contract.
func (e *Engine) EscrowAmounts(ctx context.Context, escrowID string) (Amounts, error) {
	ec, err := e.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return Amounts{}, err
	}
	deposited, released, refunded, err := e.store.EscrowAmounts(ctx, escrowID)
	if err != nil {
		return Amounts{}, err
	}
	return Amounts{
		Total:     ec.TotalAmount,
		Deposited: deposited,
		Released:  released,
		Refunded:  refunded,
		Remaining: deposited - released - refunded,
	}, nil
}

// ListTransactions returns the contract's full ledger, oldest first.
func (e *Engine) ListTransactions(ctx context.Context, escrowID string) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, escrowID)
}

// ListMilestones returns the contract's milestones in order.
func (e *Engine) ListMilestones(ctx context.Context, escrowID string) ([]Milestone, error) {
	return e.store.ListMilestones(ctx, escrowID)
}
