package eventbus

import "testing"

func TestSubscribeTypesFilters(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	env, unsubEnv := b.SubscribeTypes(4, EnvVisible, EnvFocus)

	b.Publish(Event{Type: SchedulesLoaded})
	b.Publish(Event{Type: EnvFocus})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(env); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	if e := <-env; e.Type != EnvFocus || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}

	unsubEnv()
	unsubEnv()
	b.Publish(Event{Type: EnvVisible})
	if _, ok := <-env; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if len(ch) != 1 {
		t.Fatalf("len = %d, want 1", len(ch))
	}
	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event kept should be a, got %s", e.Type)
	}
}
