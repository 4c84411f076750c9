package engine

// Default stakes and per-type requirements mirror the platform's standard
// challenge terms; they apply when the opener supplies none.

var defaultStakes = Stakes{
	Winner: Reward{XP: 2500, Credits: 10000, Reputation: 500},
	Loser:  Reward{XP: 500, Credits: 2000, Reputation: -100},
}

var defaultRequirements = map[ChallengeType][]string{
	ChallengeCapture: {
		"Create a functional MVP demonstrating your solution",
		"Submit comprehensive documentation",
		"Present a go-to-market strategy",
		"Show technical implementation details",
	},
	ChallengeDefend: {
		"Enhance existing solution with new features",
		"Demonstrate measurable improvements",
		"Show scalability and robustness",
		"Provide user feedback and metrics",
	},
	ChallengeDuel: {
		"Build competing solutions to the same problem",
		"Demonstrate superior execution and strategy",
		"Present compelling business case",
		"Show innovation and creativity",
	},
}

// maxMilestones caps the milestone list per contract.
const maxMilestones = 10
