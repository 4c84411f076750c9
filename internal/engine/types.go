package engine

import "time"

type TerritoryStatus string

const (
	TerritoryNeutral    TerritoryStatus = "neutral"
	TerritoryContested  TerritoryStatus = "contested"
	TerritoryControlled TerritoryStatus = "controlled"
)

type ChallengeType string

const (
	ChallengeCapture ChallengeType = "capture"
	ChallengeDefend  ChallengeType = "defend"
	ChallengeDuel    ChallengeType = "duel"
)

type ChallengeStatus string

const (
	StatusPending        ChallengeStatus = "pending"
	StatusActive         ChallengeStatus = "active"
	StatusSubmissionOpen ChallengeStatus = "submission_open"
	StatusJudging        ChallengeStatus = "judging"
	StatusSettled        ChallengeStatus = "settled"
	StatusDisputed       ChallengeStatus = "disputed"
	StatusArchived       ChallengeStatus = "archived"
	StatusCancelled      ChallengeStatus = "cancelled"
)

// WinnerNone marks a draw (or an unsettled challenge; check SettledAt).
const WinnerNone = ""

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneReleased  MilestoneStatus = "released"
)

// MilestoneTrigger names the challenge transition that completes a milestone.
type MilestoneTrigger string

const (
	OnSubmissionClosed MilestoneTrigger = "submission_closed"
	OnSettled          MilestoneTrigger = "settled"
	OnArchived         MilestoneTrigger = "archived"
)

type TxType string

const (
	TxDeposit     TxType = "deposit"
	TxRelease     TxType = "release"
	TxRefund      TxType = "refund"
	TxDisputeHold TxType = "dispute_hold"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

type DisputeResolution string

const (
	ResolutionPending    DisputeResolution = "pending"
	ResolutionUpheld     DisputeResolution = "upheld"
	ResolutionOverturned DisputeResolution = "overturned"
)

type ArbitratorDecision string

const (
	DecisionUphold   ArbitratorDecision = "uphold"
	DecisionOverturn ArbitratorDecision = "overturn"
)

type Currency string

const (
	CurrencyUSD  Currency = "USD"
	CurrencySOL  Currency = "SOL"
	CurrencyUSDC Currency = "USDC"
)

type Reward struct {
	XP         int `json:"xp"`
	Credits    int `json:"credits"`
	Reputation int `json:"reputation"`
}

type Stakes struct {
	Winner Reward `json:"winner"`
	Loser  Reward `json:"loser"`
}

type Artifact struct {
	Type        string `json:"type"` // github, url, file, demo
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

type Territory struct {
	ID               string
	Name             string
	ControllerTeamID string // empty when neutral
	DefenseStrength  int
	Status           TerritoryStatus
	CreatedAt        time.Time
}

type Challenge struct {
	ID                 string
	TerritoryID        string
	Type               ChallengeType
	ChallengerTeamID   string
	DefenderTeamID     string // set for defend/duel only
	Title              string
	Description        string
	Requirements       []string
	Stakes             Stakes
	Status             ChallengeStatus
	WinnerTeamID       string
	DepositDeadline    time.Time
	SubmissionDeadline time.Time
	JudgingDeadline    time.Time
	SettledAt          time.Time // zero until first settlement
	CreatedAt          time.Time
}

// Participants returns the team IDs competing in the challenge.
func (c Challenge) Participants() []string {
	if c.DefenderTeamID == "" || c.DefenderTeamID == c.ChallengerTeamID {
		return []string{c.ChallengerTeamID}
	}
	return []string{c.ChallengerTeamID, c.DefenderTeamID}
}

func (c Challenge) IsParticipant(teamID string) bool {
	return teamID != "" && (teamID == c.ChallengerTeamID || teamID == c.DefenderTeamID)
}

// Terminal reports whether the challenge can no longer change a territory's
// contested slot.
func (s ChallengeStatus) Terminal() bool {
	return s == StatusArchived || s == StatusCancelled
}

type Submission struct {
	ChallengeID string
	TeamID      string
	Artifacts   []Artifact
	SubmittedAt time.Time
}

type Judge struct {
	ID               string
	Name             string
	ExpertiseTag     string
	ReputationWeight float64
}

type Vote struct {
	ChallengeID    string
	JudgeID        string
	SelectedTeamID string
	Score          float64
	Feedback       string
	CastAt         time.Time
}

type Conditions struct {
	AutoRelease        bool     `json:"autoRelease"`
	DisputePeriodDays  int      `json:"disputePeriodDays"`
	RequiredSignatures int      `json:"requiredSignatures"`
	Arbitrators        []string `json:"arbitrators"`
}

func (c Conditions) IsArbitrator(id string) bool {
	for _, a := range c.Arbitrators {
		if a == id {
			return true
		}
	}
	return false
}

// DisputeWindow converts the configured period to a duration.
func (c Conditions) DisputeWindow() time.Duration {
	return time.Duration(c.DisputePeriodDays) * 24 * time.Hour
}

type EscrowContract struct {
	ID          string
	ChallengeID string
	SponsorID   string
	Currency    Currency
	TotalAmount int64
	Conditions  Conditions
	Frozen      bool
	CreatedAt   time.Time
}

type Milestone struct {
	ID          string
	EscrowID    string
	Position    int
	Description string
	Amount      int64
	CompleteOn  MilestoneTrigger
	Status      MilestoneStatus
	CompletedAt time.Time
	ReleasedAt  time.Time
}

// Amounts is the derived balance view of an escrow contract.
type Amounts struct {
	Total     int64 `json:"total"`
	Deposited int64 `json:"deposited"`
	Released  int64 `json:"released"`
	Refunded  int64 `json:"refunded"`
	Remaining int64 `json:"remaining"`
}

type Transaction struct {
	ID          string
	EscrowID    string
	MilestoneID string // release transactions only
	Type        TxType
	Amount      int64
	Recipient   string
	TxRef       string
	Status      TxStatus
	CreatedAt   time.Time
}

type Dispute struct {
	ID          string
	ChallengeID string
	RaisedBy    string
	OpenedAt    time.Time
	Resolution  DisputeResolution
	ResolvedAt  time.Time
}
