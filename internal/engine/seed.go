package engine

import (
	"context"
	"fmt"
)

// SeedDemo loads the demo territories and judge roster for local development.
// A non-empty territory table means the database is already seeded and the
// call is a no-op.
func (e *Engine) SeedDemo(ctx context.Context) error {
	n, err := e.store.CountTerritories(ctx)
	if err != nil {
		return fmt.Errorf("counting territories: %w", err)
	}
	if n > 0 {
		return nil
	}

	territories := []struct {
		name     string
		strength int
	}{
		{"Silicon Valley Hub", 85},
		{"Venture Capital Plaza", 72},
		{"AI Research District", 45},
		{"Global Markets", 60},
		{"Quantum Innovation Lab", 90},
		{"European Tech Hub", 68},
	}
	for _, t := range territories {
		if _, err := e.store.CreateTerritory(ctx, t.name, t.strength, ""); err != nil {
			return fmt.Errorf("seeding territory %q: %w", t.name, err)
		}
	}

	judges := []struct {
		name      string
		expertise string
		weight    float64
	}{
		{"Sarah Chen", "AI/ML", 0.95},
		{"Marcus Rodriguez", "Startup Founder", 0.88},
		{"Dr. Kim Park", "Technical Architect", 0.92},
	}
	for _, j := range judges {
		if _, err := e.store.CreateJudge(ctx, j.name, j.expertise, j.weight); err != nil {
			return fmt.Errorf("seeding judge %q: %w", j.name, err)
		}
	}

	e.logger.Info("demo data seeded", "territories", len(territories), "judges", len(judges))
	return nil
}
