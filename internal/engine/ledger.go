package engine

import (
	"context"
	"fmt"
)

// checkInvariants verifies the contract's ledger balance after every write:
// milestone amounts sum to the total, released milestone value matches the
// release ledger, and released+refunded never exceed confirmed deposits,
// which never exceed the total. On violation the contract is frozen and the
// error surfaces for operator intervention; nothing is silently corrected.
//
// Callers must hold the escrow lock.
func (e *Engine) checkInvariants(ctx context.Context, ec EscrowContract) error {
	milestones, err := e.store.ListMilestones(ctx, ec.ID)
	if err != nil {
		return fmt.Errorf("loading milestones: %w", err)
	}
	var milestoneSum, releasedMilestoneSum int64
	for _, m := range milestones {
		milestoneSum += m.Amount
		if m.Status == MilestoneReleased {
			releasedMilestoneSum += m.Amount
		}
	}

	deposited, released, refunded, err := e.store.EscrowAmounts(ctx, ec.ID)
	if err != nil {
		return fmt.Errorf("summing ledger: %w", err)
	}

	violation := ""
	switch {
	case milestoneSum != ec.TotalAmount:
		violation = fmt.Sprintf("milestone amounts sum to %d, contract total is %d", milestoneSum, ec.TotalAmount)
	case released != releasedMilestoneSum:
		violation = fmt.Sprintf("release ledger holds %d, released milestones hold %d", released, releasedMilestoneSum)
	case deposited > ec.TotalAmount:
		violation = fmt.Sprintf("deposited %d exceeds total %d", deposited, ec.TotalAmount)
	case released+refunded > deposited:
		violation = fmt.Sprintf("outflow %d exceeds deposited %d", released+refunded, deposited)
	}
	if violation == "" {
		return nil
	}

	if err := e.store.FreezeEscrow(ctx, ec.ID); err != nil {
		e.logger.Error("freezing escrow failed", "escrow_id", ec.ID, "error", err)
	}
	e.logger.Error("escrow invariant violated, contract frozen",
		"escrow_id", ec.ID,
		"challenge_id", ec.ChallengeID,
		"violation", violation,
	)
	return &InvariantViolation{EscrowID: ec.ID, Reason: violation}
}
