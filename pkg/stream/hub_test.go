package stream

import "testing"

func callEvent(eventType, callID, tenantID string) Event {
	evt := NewEvent(eventType, map[string]string{"call_id": callID})
	evt.CallID = callID
	evt.TenantID = tenantID
	return evt
}

func TestPublishReachesAllUnfiltered(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4, Filter{})
	b := h.Subscribe(4, Filter{})
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(callEvent("tool_executed", "call-1", "t1"))
	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case evt := <-sub.C:
			if evt.Type != "tool_executed" || evt.CallID != "call-1" {
				t.Fatalf("subscriber %s got %+v", name, evt)
			}
		default:
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestCallFilterScopesSubscription(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(4, Filter{CallID: "call-1"})
	defer h.Unsubscribe(sub)

	h.Publish(callEvent("tool_executed", "call-2", "t1"))
	h.Publish(callEvent("tool_denied", "call-1", "t1"))

	select {
	case evt := <-sub.C:
		if evt.CallID != "call-1" || evt.Type != "tool_denied" {
			t.Fatalf("wrong event passed the filter: %+v", evt)
		}
	default:
		t.Fatal("subscriber should receive its call's event")
	}
	select {
	case evt := <-sub.C:
		t.Fatalf("event for another call leaked through: %+v", evt)
	default:
	}
}

func TestTenantFilterScopesSubscription(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(4, Filter{TenantID: "t1"})
	defer h.Unsubscribe(sub)

	h.Publish(callEvent("context_created", "call-9", "t2"))
	h.Publish(callEvent("context_created", "call-3", "t1"))

	select {
	case evt := <-sub.C:
		if evt.TenantID != "t1" {
			t.Fatalf("wrong tenant passed the filter: %+v", evt)
		}
	default:
		t.Fatal("subscriber should receive its tenant's event")
	}
	select {
	case evt := <-sub.C:
		t.Fatalf("event for another tenant leaked through: %+v", evt)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1, Filter{})
	defer h.Unsubscribe(sub)
	h.Publish(callEvent("one", "call-1", "t1"))
	h.Publish(callEvent("two", "call-1", "t1"))
	evt := <-sub.C
	if evt.Type != "one" {
		t.Fatalf("expected first event retained, got %q", evt.Type)
	}
	select {
	case evt := <-sub.C:
		t.Fatalf("second event should have been dropped, got %q", evt.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1, Filter{})
	h.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Double unsubscribe must not panic.
	h.Unsubscribe(sub)
}
