package engine

import (
	"log/slog"
	"time"
)

// Engine is the territory challenge and escrow settlement engine. Commands
// arrive pre-authenticated (wallet signature verification happens upstream);
// the engine validates them against aggregate state, persists transitions,
// and emits domain events. It performs no network calls of its own: the
// payment rail reports back through OnTransactionConfirmed and an external
// scheduler drives AdvanceDeadlines.
type Engine struct {
	store  Store
	broker *Broker
	logger *slog.Logger

	territoryLocks *keyedMutex
	challengeLocks *keyedMutex
	escrowLocks    *keyedMutex

	depositTimeout time.Duration

	// now is swappable for deterministic tests.
	now func() time.Time
}

func New(store Store, broker *Broker, logger *slog.Logger, depositTimeout time.Duration) *Engine {
	if depositTimeout <= 0 {
		depositTimeout = 24 * time.Hour
	}
	return &Engine{
		store:          store,
		broker:         broker,
		logger:         logger,
		territoryLocks: newKeyedMutex(),
		challengeLocks: newKeyedMutex(),
		escrowLocks:    newKeyedMutex(),
		depositTimeout: depositTimeout,
		now:            time.Now,
	}
}
