package broadcast

import (
	"sync"
	"testing"
	"time"
)

func msg(user, status string) Message {
	return Message{UserID: user, Status: status, Timestamp: time.Now()}
}

func TestPublishFanoutPerUser(t *testing.T) {
	b := New(4, nil)
	a1 := b.Subscribe("a")
	a2 := b.Subscribe("a")
	other := b.Subscribe("b")

	if n := b.Publish(msg("a", "pending")); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	for _, s := range []*Subscription{a1, a2} {
		select {
		case m := <-s.C:
			if m.Status != "pending" {
				t.Errorf("status = %q", m.Status)
			}
		default:
			t.Error("expected a message")
		}
	}
	select {
	case m := <-other.C:
		t.Errorf("subscriber of another user got %+v", m)
	default:
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New(8, nil)
	s := b.Subscribe("u1")
	for _, st := range []string{"pending", "scanned", "ready"} {
		b.Publish(msg("u1", st))
	}
	for _, want := range []string{"pending", "scanned", "ready"} {
		if got := (<-s.C).Status; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1, nil)
	slow := b.Subscribe("u1")
	fast := b.Subscribe("u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(msg("u1", "pending"))
			<-fast.C
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
	if len(slow.C) != 1 {
		t.Errorf("slow queue length = %d, want 1", len(slow.C))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(4, nil)
	s := b.Subscribe("u1")
	b.Unsubscribe(s)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Unsubscribe")
	}
	if n := b.Publish(msg("u1", "ready")); n != 0 {
		t.Errorf("delivered = %d after unsubscribe", n)
	}
	if b.Subscribers("u1") != 0 {
		t.Error("subscription still registered")
	}
	b.Unsubscribe(s)
	b.Unsubscribe(nil)
}

func TestUnsubscribeRacesWithPublish(t *testing.T) {
	b := New(2, nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(msg("u1", "pending"))
			}
		}
	}()

	for i := 0; i < 200; i++ {
		s := b.Subscribe("u1")
		b.Unsubscribe(s)
	}
	close(stop)
	wg.Wait()
}

func TestClose(t *testing.T) {
	b := New(4, nil)
	s1 := b.Subscribe("u1")
	s2 := b.Subscribe("u2")
	b.Close()
	for _, s := range []*Subscription{s1, s2} {
		select {
		case <-s.Done():
		default:
			t.Error("Done not closed after Close")
		}
	}
	if b.Subscribers("u1") != 0 || b.Subscribers("u2") != 0 {
		t.Error("subscriptions remain after Close")
	}
}
