package engine

import (
	"context"
	"testing"
)

func TestSeedDemoIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.SeedDemo(ctx); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if err := e.SeedDemo(ctx); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	n, err := e.store.CountTerritories(ctx)
	if err != nil {
		t.Fatalf("counting territories: %v", err)
	}
	if n != 6 {
		t.Errorf("got %d territories, want 6", n)
	}
}
