package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	b := NewBroker(8)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Kind: KindAgentOutput, AgentID: "a1"})

	select {
	case ev := <-ch:
		if ev.Kind != KindAgentOutput {
			t.Errorf("expected kind %q, got %q", KindAgentOutput, ev.Kind)
		}
		if ev.AgentID != "a1" {
			t.Errorf("expected agent %q, got %q", "a1", ev.AgentID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected a stamped timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := NewBroker(8)
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Kind: KindStepStarted})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != KindStepStarted {
				t.Errorf("subscriber %d: expected kind %q, got %q", i, KindStepStarted, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the event", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker(8)
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	// Channel is closed on cancel; publishing must not revive it.
	b.Publish(Event{Kind: KindAgentOutput})

	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed after cancel")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := NewBroker(8)
	defer b.Close()

	_, cancel := b.Subscribe()
	cancel()
	cancel() // must not panic or close twice
}

func TestSlowSubscriberKeepsNewestEvents(t *testing.T) {
	b := NewBroker(2)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 1; i <= 3; i++ {
		b.Publish(Event{Kind: KindAgentOutput, Data: map[string]interface{}{"n": i}})
	}

	first := <-ch
	second := <-ch
	if first.Data["n"] != 2 || second.Data["n"] != 3 {
		t.Errorf("expected events 2 and 3 to survive, got %v and %v", first.Data["n"], second.Data["n"])
	}
	select {
	case ev := <-ch:
		t.Errorf("expected no more events, got %v", ev)
	default:
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := NewBroker(8)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()

	if _, ok := <-ch; ok {
		t.Error("expected a closed channel after broker close")
	}

	// Publishing and closing again are harmless.
	b.Publish(Event{Kind: KindAgentOutput})
	b.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroker(8)
	b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected an already-closed channel from a closed broker")
	}
}

func TestHelpersPopulateData(t *testing.T) {
	b := NewBroker(8)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.AgentStatusChanged("a1", "idle", "running")
	ev := <-ch
	if ev.Kind != KindAgentStatusChanged {
		t.Errorf("expected kind %q, got %q", KindAgentStatusChanged, ev.Kind)
	}
	if ev.Data["from"] != "idle" || ev.Data["to"] != "running" {
		t.Errorf("unexpected transition data: %v", ev.Data)
	}

	b.LoopDetected("a1", "identical calls", "try another file")
	ev = <-ch
	if ev.Kind != KindLoopDetected {
		t.Errorf("expected kind %q, got %q", KindLoopDetected, ev.Kind)
	}
	if ev.Data["reason"] != "identical calls" {
		t.Errorf("unexpected reason: %v", ev.Data["reason"])
	}

	b.ToolExecuted("a1", "read_file", true, 1500*time.Millisecond)
	ev = <-ch
	if ev.Data["tool"] != "read_file" || ev.Data["success"] != true {
		t.Errorf("unexpected tool data: %v", ev.Data)
	}
	if ev.Data["elapsedMs"] != int64(1500) {
		t.Errorf("expected elapsedMs 1500, got %v", ev.Data["elapsedMs"])
	}
}
