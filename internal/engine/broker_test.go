package engine

import (
	"encoding/json"
	"testing"
)

func TestBrokerKeyedDelivery(t *testing.T) {
	b := NewBroker()
	keyed := b.Subscribe("ch-1")
	other := b.Subscribe("ch-2")
	firehose := b.SubscribeAll()
	defer b.Unsubscribe("ch-1", keyed)
	defer b.Unsubscribe("ch-2", other)
	defer b.Unsubscribe("", firehose)

	b.Publish(Event{Type: EventChallengeSettled, ChallengeID: "ch-1", TeamID: "team-a"})

	select {
	case data := <-keyed:
		var got Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if got.Type != EventChallengeSettled || got.TeamID != "team-a" {
			t.Errorf("event = %+v", got)
		}
	default:
		t.Fatal("keyed subscriber got nothing")
	}

	select {
	case <-firehose:
	default:
		t.Fatal("firehose subscriber got nothing")
	}

	select {
	case <-other:
		t.Fatal("subscriber for another challenge received the event")
	default:
	}
}

func TestBrokerDropsWhenSlow(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("ch-1")
	defer b.Unsubscribe("ch-1", ch)

	// Fill the buffer and keep publishing; the broker must not block.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventChallengeOpened, ChallengeID: "ch-1"})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffer holds %d, want full at %d", len(ch), cap(ch))
	}
}
