package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNotifyCoalesces(t *testing.T) {
	tr := NewTrigger()
	for range 5 {
		tr.Notify()
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.C():
		t.Fatal("five notifications produced two wakeups")
	default:
	}
}

func TestNotifyWhileBusyIsKept(t *testing.T) {
	tr := NewTrigger()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-tr.C()
		// Busy: the next notification arrives before the loop receives again.
		time.Sleep(10 * time.Millisecond)
		<-tr.C()
	}()
	tr.Notify()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			tr.Notify()
		case <-deadline:
			t.Fatal("second wakeup lost")
		}
	}
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := NewTrigger().Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}
