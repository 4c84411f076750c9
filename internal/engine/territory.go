package engine

import (
	"context"
	"fmt"
	"time"
)

type OpenChallengeParams struct {
	TerritoryID        string
	Type               ChallengeType
	ChallengerTeamID   string
	Title              string
	Description        string
	Requirements       []string
	Stakes             *Stakes
	SubmissionDeadline time.Time
	JudgingDeadline    time.Time
}

// OpenChallenge creates a challenge for a territory after checking the
// territory's open slot. At most one non-terminal challenge may reference a
// territory; the check and the insert happen under the territory lock.
func (e *Engine) OpenChallenge(ctx context.Context, p OpenChallengeParams) (Challenge, error) {
	now := e.now()
	switch {
	case p.ChallengerTeamID == "":
		return Challenge{}, validationf("challengerTeamId", "required")
	case p.Type != ChallengeCapture && p.Type != ChallengeDefend && p.Type != ChallengeDuel:
		return Challenge{}, validationf("type", "unknown challenge type %q", p.Type)
	case !p.SubmissionDeadline.After(now):
		return Challenge{}, validationf("submissionDeadline", "must be in the future")
	case !p.JudgingDeadline.After(p.SubmissionDeadline):
		return Challenge{}, validationf("judgingDeadline", "must be after the submission deadline")
	}

	unlock := e.territoryLocks.lock(p.TerritoryID)
	defer unlock()

	territory, err := e.store.GetTerritory(ctx, p.TerritoryID)
	if err != nil {
		return Challenge{}, fmt.Errorf("loading territory: %w", err)
	}

	defender := ""
	switch p.Type {
	case ChallengeCapture:
		if territory.ControllerTeamID != "" {
			return Challenge{}, ErrInvalidChallengeType
		}
	case ChallengeDefend:
		// The controller fortifies its own territory.
		if territory.ControllerTeamID == "" || territory.ControllerTeamID != p.ChallengerTeamID {
			return Challenge{}, ErrInvalidChallengeType
		}
		defender = territory.ControllerTeamID
	case ChallengeDuel:
		if territory.ControllerTeamID == "" || territory.ControllerTeamID == p.ChallengerTeamID {
			return Challenge{}, ErrInvalidChallengeType
		}
		defender = territory.ControllerTeamID
	}

	active, err := e.store.ActiveChallengeCount(ctx, p.TerritoryID)
	if err != nil {
		return Challenge{}, fmt.Errorf("checking territory slot: %w", err)
	}
	if active > 0 {
		return Challenge{}, ErrTerritoryBusy
	}

	requirements := p.Requirements
	if len(requirements) == 0 {
		requirements = defaultRequirements[p.Type]
	}
	stakes := defaultStakes
	if p.Stakes != nil {
		stakes = *p.Stakes
	}

	ch, err := e.store.CreateChallenge(ctx, Challenge{
		TerritoryID:        p.TerritoryID,
		Type:               p.Type,
		ChallengerTeamID:   p.ChallengerTeamID,
		DefenderTeamID:     defender,
		Title:              p.Title,
		Description:        p.Description,
		Requirements:       requirements,
		Stakes:             stakes,
		DepositDeadline:    now.Add(e.depositTimeout),
		SubmissionDeadline: p.SubmissionDeadline,
		JudgingDeadline:    p.JudgingDeadline,
	})
	if err != nil {
		return Challenge{}, fmt.Errorf("creating challenge: %w", err)
	}

	if err := e.store.SetTerritoryStatus(ctx, p.TerritoryID, TerritoryContested, territory.ControllerTeamID); err != nil {
		return Challenge{}, fmt.Errorf("marking territory contested: %w", err)
	}

	e.logger.Info("challenge opened",
		"challenge_id", ch.ID,
		"territory_id", p.TerritoryID,
		"type", p.Type,
		"challenger", p.ChallengerTeamID,
		"defender", defender,
	)
	e.broker.Publish(Event{
		Type:        EventChallengeOpened,
		ChallengeID: ch.ID,
		TerritoryID: p.TerritoryID,
		TeamID:      p.ChallengerTeamID,
	})
	return ch, nil
}

// GetTerritory returns one territory.
func (e *Engine) GetTerritory(ctx context.Context, id string) (Territory, error) {
	return e.store.GetTerritory(ctx, id)
}

// applySettlement hands territory control to the final winner. Called by the
// settlement path only, after the dispute window has closed clean. A draw
// restores the territory's pre-challenge state.
//
// Callers must hold the territory lock.
func (e *Engine) applySettlement(ctx context.Context, territoryID, winnerTeamID string) error {
	territory, err := e.store.GetTerritory(ctx, territoryID)
	if err != nil {
		return fmt.Errorf("loading territory: %w", err)
	}

	controller := territory.ControllerTeamID
	status := TerritoryControlled
	if winnerTeamID != WinnerNone {
		controller = winnerTeamID
	} else if controller == "" {
		status = TerritoryNeutral
	}

	if err := e.store.SetTerritoryStatus(ctx, territoryID, status, controller); err != nil {
		return fmt.Errorf("applying settlement: %w", err)
	}
	e.logger.Info("territory settled",
		"territory_id", territoryID,
		"controller", controller,
		"status", status,
	)
	return nil
}

// releaseTerritorySlot returns a territory from contested to its pre-challenge
// state after a cancelled challenge or a draw.
//
// Callers must hold the territory lock.
func (e *Engine) releaseTerritorySlot(ctx context.Context, territoryID string) error {
	return e.applySettlement(ctx, territoryID, WinnerNone)
}
