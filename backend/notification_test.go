package backend

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSendNotificationRequiresConnection(t *testing.T) {
	e := newTestEngine(t, "agent-a", nil)

	if err := e.SendNotification("agent-b", []byte("hello")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("send without connection: got %v, want ErrNotFound", err)
	}
}

func TestNotificationDelivery(t *testing.T) {
	a, b := pairEngines(t, nil)

	if err := a.SendNotification("agent-b", []byte("ping")); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	got := drainUntil(t, a, b, 1)
	if got[0].Agent != "agent-a" || string(got[0].Payload) != "ping" {
		t.Fatalf("unexpected notification: %+v", got[0])
	}
}

func TestNotificationsDrainTwiceEmpty(t *testing.T) {
	a, b := pairEngines(t, nil)

	if err := a.SendNotification("agent-b", []byte("once")); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	drainUntil(t, a, b, 1)

	notifs, err := b.Notifications()
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(notifs) != 0 {
		t.Fatalf("second drain returned %d notifications, want 0", len(notifs))
	}
}

func TestNotificationOrderSingleProducer(t *testing.T) {
	a, b := pairEngines(t, nil)

	const n = 16
	for i := 0; i < n; i++ {
		if err := a.SendNotification("agent-b", []byte(fmt.Sprintf("msg-%02d", i))); err != nil {
			t.Fatalf("SendNotification %d: %v", i, err)
		}
	}

	got := drainUntil(t, a, b, n)
	for i, notif := range got {
		want := fmt.Sprintf("msg-%02d", i)
		if string(notif.Payload) != want {
			t.Fatalf("notification %d = %q, want %q", i, notif.Payload, want)
		}
	}
}

func TestNotificationsExactlyOnceConcurrent(t *testing.T) {
	a, b := pairEngines(t, func(cfg *Config) {
		cfg.Params = Params{OptNumWorkers: "4"}
	})

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	errs := make(chan error, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg := fmt.Sprintf("p%d-%d", p, i)
				if err := a.SendNotification("agent-b", []byte(msg)); err != nil {
					errs <- fmt.Errorf("send %s: %w", msg, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	got := drainUntil(t, a, b, producers*perProducer)

	seen := make(map[string]int, len(got))
	for _, notif := range got {
		if notif.Agent != "agent-a" {
			t.Fatalf("unexpected sender %q", notif.Agent)
		}
		seen[string(notif.Payload)]++
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("distinct messages = %d, want %d", len(seen), producers*perProducer)
	}
	for msg, count := range seen {
		if count != 1 {
			t.Fatalf("message %q delivered %d times", msg, count)
		}
	}
}

func TestNotificationOrderConcurrentPublish(t *testing.T) {
	// Two publish sweeps racing a single producer must not land a newer
	// staging batch in the mailbox before an older one.
	const rounds = 200
	const perRound = 50

	for round := 0; round < rounds; round++ {
		svc := newNotificationService(1)
		buf := svc.buffer(0)

		var wg sync.WaitGroup
		stop := make(chan struct{})
		for p := 0; p < 2; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						svc.publish()
					}
				}
			}()
		}

		for i := 0; i < perRound; i++ {
			buf.append(Notification{Agent: "agent-a", Payload: []byte(fmt.Sprintf("%02d", i))})
		}

		close(stop)
		wg.Wait()
		svc.publish()

		got := svc.drain()
		if len(got) != perRound {
			t.Fatalf("round %d: drained %d notifications, want %d", round, len(got), perRound)
		}
		for i, notif := range got {
			want := fmt.Sprintf("%02d", i)
			if string(notif.Payload) != want {
				t.Fatalf("round %d: position %d = %q, want %q", round, i, notif.Payload, want)
			}
		}
	}
}

// drainUntil drives the sender's pump and drains the receiver until want
// notifications arrived.
func drainUntil(t *testing.T, sender, receiver *Engine, want int) []Notification {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got []Notification
	for len(got) < want && time.Now().Before(deadline) {
		if _, err := sender.Progress(); err != nil {
			t.Fatalf("Progress: %v", err)
		}
		notifs, err := receiver.Notifications()
		if err != nil {
			t.Fatalf("Notifications: %v", err)
		}
		got = append(got, notifs...)
	}
	if len(got) != want {
		t.Fatalf("received %d notifications, want %d", len(got), want)
	}
	return got
}
