package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("gate")
	defer b.Unsubscribe(sub)

	b.Publish(TopicGateRaised, GateEvent{SessionID: "s1", Required: true, PendingID: "m2"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicGateRaised {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicGateRaised)
		}
		ge, ok := event.Payload.(GateEvent)
		if !ok {
			t.Fatalf("payload type = %T, want GateEvent", event.Payload)
		}
		if !ge.Required || ge.PendingID != "m2" {
			t.Fatalf("gate event = %+v", ge)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	gateSub := b.Subscribe("gate.")
	defer b.Unsubscribe(gateSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicGateCleared, GateEvent{SessionID: "s1"})
	b.Publish(TopicQueueFlushed, QueueFlushEvent{SessionID: "s1"})

	select {
	case event := <-gateSub.Ch():
		if event.Topic != TopicGateCleared {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicGateCleared)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for gate event")
	}

	select {
	case event := <-gateSub.Ch():
		t.Fatalf("unexpected event on gateSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("session")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicMessageAppended, MessageAppendedEvent{MessageID: "m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}

	// Double-unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(TopicQueueFlushed, QueueFlushEvent{})
			}
		}()
	}
	wg.Wait()
}
