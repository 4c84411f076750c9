package engine

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed command before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// ConflictError rejects a command against the current aggregate state. The
// caller may retry after reloading.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// InvariantViolation means the ledger no longer balances. The contract is
// frozen and surfaced for operator intervention; it is never auto-corrected.
type InvariantViolation struct {
	EscrowID string
	Reason   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("escrow %s invariant violated: %s", e.EscrowID, e.Reason)
}

var (
	ErrTerritoryBusy          = &ConflictError{Reason: "territory already has an active challenge"}
	ErrInvalidChallengeType   = &ConflictError{Reason: "challenge type does not match territory control"}
	ErrDepositMismatch        = &ValidationError{Field: "amount", Reason: "deposit must equal the contract total"}
	ErrMilestoneNotCompleted  = &ConflictError{Reason: "milestone is not completed"}
	ErrInsufficientSignatures = &ConflictError{Reason: "not enough release approvals"}
	ErrWindowClosed           = &ConflictError{Reason: "dispute window has closed"}
	ErrAlreadyDisputed        = &ConflictError{Reason: "challenge has already been disputed"}
	ErrNotAnArbitrator        = &ConflictError{Reason: "caller is not an arbitrator for this contract"}
	ErrEscrowFrozen           = &ConflictError{Reason: "settlement under review"}
)

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}
