package bus

import "testing"

func TestSendDeliversToTypeFilterInOrder(t *testing.T) {
	b := New(0)
	var order []string

	b.Subscribe("handoff", func(m Message) { order = append(order, "first") })
	b.Subscribe("handoff", func(m Message) { order = append(order, "second") })
	b.Subscribe("result", func(m Message) { order = append(order, "wrong-type") })

	b.Send(Message{Sender: "a", Type: "handoff"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected 2 ordered deliveries, got %v", order)
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	b := New(0)
	count := 0
	b.SubscribeAll(func(m Message) { count++ })

	b.Send(Message{Type: "handoff"})
	b.Send(Message{Type: "result"})
	b.Send(Message{Type: "ack"})

	if count != 3 {
		t.Fatalf("expected subscribeAll to see all 3 messages, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(0)
	count := 0
	unsub := b.Subscribe("result", func(m Message) { count++ })

	b.Send(Message{Type: "result"})
	unsub()
	b.Send(Message{Type: "result"})

	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestHistoryIsBoundedRingBuffer(t *testing.T) {
	b := New(2)
	b.Send(Message{Type: "a"})
	b.Send(Message{Type: "b"})
	b.Send(Message{Type: "c"})

	h := b.History()
	if len(h) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(h))
	}
	if h[0].Type != "b" || h[1].Type != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", h)
	}
}

func TestPanicInHandlerDoesNotBlockSiblings(t *testing.T) {
	b := New(0)
	var panicked bool
	b.OnPanic(func(r any, msg Message) { panicked = true })

	siblingCalled := false
	b.SubscribeAll(func(m Message) { panic("boom") })
	b.SubscribeAll(func(m Message) { siblingCalled = true })

	b.Send(Message{Type: "x"})

	if !panicked {
		t.Fatalf("expected OnPanic to fire")
	}
	if !siblingCalled {
		t.Fatalf("expected sibling subscriber to still run after a panic")
	}
}

func TestDestroyMakesSendANoOp(t *testing.T) {
	b := New(0)
	count := 0
	b.SubscribeAll(func(m Message) { count++ })

	b.Destroy()
	b.Send(Message{Type: "x"})

	if count != 0 {
		t.Fatalf("expected no delivery after Destroy, got %d calls", count)
	}
	if len(b.History()) != 0 {
		t.Fatalf("expected empty history after Destroy")
	}
}

func TestBroadcastExcludesTheSendersOwnAgentSubscription(t *testing.T) {
	b := New(0)
	var receivedBySelf, receivedByOther bool

	b.SubscribeAsAgent("agent-a", "", func(m Message) { receivedBySelf = true })
	b.SubscribeAsAgent("agent-b", "", func(m Message) { receivedByOther = true })

	b.Send(Message{Sender: "agent-a", Destination: Broadcast, Type: "status"})

	if receivedBySelf {
		t.Fatalf("expected broadcast to skip the sender's own agent subscription")
	}
	if !receivedByOther {
		t.Fatalf("expected broadcast to reach the other agent's subscription")
	}
}

func TestBroadcastStillReachesInfrastructureSubscribers(t *testing.T) {
	b := New(0)
	count := 0
	b.SubscribeAll(func(m Message) { count++ })
	b.Subscribe("status", func(m Message) { count++ })

	b.Send(Message{Sender: "agent-a", Destination: Broadcast, Type: "status"})

	if count != 2 {
		t.Fatalf("expected plain Subscribe/SubscribeAll subscriptions to still see a broadcast from any sender, got %d", count)
	}
}

func TestNonBroadcastDestinationIsDeliveredToEveryMatchingSubscriber(t *testing.T) {
	b := New(0)
	var delivered bool
	b.SubscribeAsAgent("agent-a", "", func(m Message) { delivered = true })

	b.Send(Message{Sender: "agent-a", Destination: "agent-a", Type: "status"})

	if !delivered {
		t.Fatalf("expected a directed (non-broadcast) message to reach its own agent subscription")
	}
}

func TestSendDefaultsTimestamp(t *testing.T) {
	b := New(0)
	b.Send(Message{Type: "x"})
	h := b.History()
	if len(h) != 1 || h[0].Timestamp.IsZero() {
		t.Fatalf("expected Send to fill in a non-zero timestamp")
	}
}
