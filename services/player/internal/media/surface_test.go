package media

import "testing"

func TestSubscribers_OrderAndUnsubscribe(t *testing.T) {
	var s Subscribers
	var got []string

	s.Add(func(ev Event) { got = append(got, "a:"+string(ev.Type)) })
	unsub := s.Add(func(ev Event) { got = append(got, "b:"+string(ev.Type)) })

	s.Emit(Event{Type: EventLoaded})
	unsub()
	s.Emit(Event{Type: EventEnded})

	want := []string{"a:loaded", "b:loaded", "a:ended"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSubscribers_EmitWithoutSubscribers(t *testing.T) {
	var s Subscribers
	s.Emit(Event{Type: EventTimeUpdate, Time: 1})
}

func TestSubscribers_SubscribeFromCallback(t *testing.T) {
	var s Subscribers
	calls := 0
	s.Add(func(Event) {
		calls++
		s.Add(func(Event) {})
	})
	s.Emit(Event{Type: EventLoaded})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
