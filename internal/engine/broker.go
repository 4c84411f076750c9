package engine

import (
	"encoding/json"
	"sync"
)

const (
	EventChallengeOpened   = "challenge_opened"
	EventChallengeSettled  = "challenge_settled"
	EventMilestoneReleased = "milestone_released"
	EventDisputeOpened     = "dispute_opened"
	EventDisputeResolved   = "dispute_resolved"
)

// Event is the payload published to subscribers on engine state changes.
type Event struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challengeId,omitempty"`
	TerritoryID string `json:"territoryId,omitempty"`
	TeamID      string `json:"teamId,omitempty"`
	MilestoneID string `json:"milestoneId,omitempty"`
	DisputeID   string `json:"disputeId,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// Broker is an in-process pub/sub for domain events, keyed by challenge ID.
// The empty key is a firehose receiving every event.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel receiving JSON-encoded events for the given
// challenge.
func (b *Broker) Subscribe(challengeID string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[challengeID] == nil {
		b.subs[challengeID] = make(map[chan []byte]struct{})
	}
	b.subs[challengeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a channel receiving every event the engine emits.
func (b *Broker) SubscribeAll() chan []byte {
	return b.Subscribe("")
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (b *Broker) Unsubscribe(challengeID string, ch chan []byte) {
	b.mu.Lock()
	delete(b.subs[challengeID], ch)
	if len(b.subs[challengeID]) == 0 {
		delete(b.subs, challengeID)
	}
	b.mu.Unlock()
}

// Publish sends an event to the challenge's subscribers and the firehose.
func (b *Broker) Publish(event Event) {
	data, _ := json.Marshal(event)
	keys := []string{""}
	if event.ChallengeID != "" {
		keys = append(keys, event.ChallengeID)
	}
	b.mu.RLock()
	for _, key := range keys {
		for ch := range b.subs[key] {
			select {
			case ch <- data:
			default:
				// Drop if subscriber is slow.
			}
		}
	}
	b.mu.RUnlock()
}
