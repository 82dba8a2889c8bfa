package bus

import (
	"errors"
	"testing"
)

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	b := New()

	var got []int
	for i := 0; i < 4; i++ {
		i := i
		b.Subscribe(TickerUpdate, func(Event) error {
			got = append(got, i)
			return nil
		})
	}

	if err := b.Publish(Event{Type: TickerUpdate}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("handler order %v, want 0..3", got)
		}
	}
}

func TestPublishStopsOnFirstError(t *testing.T) {
	t.Parallel()
	b := New()
	boom := errors.New("boom")

	ran := 0
	b.Subscribe(OrderFilled, func(Event) error { ran++; return boom })
	b.Subscribe(OrderFilled, func(Event) error { ran++; return nil })

	if err := b.Publish(Event{Type: OrderFilled}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if ran != 1 {
		t.Fatalf("ran = %d, want 1 (second handler must not run)", ran)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	b := New()
	if err := b.Publish(Event{Type: Notification, Data: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestEventDataReachesHandler(t *testing.T) {
	t.Parallel()
	b := New()

	var got any
	b.Subscribe(Notification, func(e Event) error {
		got = e.Data
		return nil
	})
	if err := b.Publish(Event{Type: Notification, Data: "msg"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != "msg" {
		t.Fatalf("data = %v, want msg", got)
	}
}
