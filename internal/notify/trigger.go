// Package notify wakes a background loop early.
package notify

import "context"

// Trigger coalesces wakeups for one consumer loop. Notify never blocks.
// Any number of calls between two receives yield a single wakeup, and a
// call made while the consumer is busy is delivered on its next receive.
type Trigger struct {
	ch chan struct{}
}

func NewTrigger() *Trigger { return &Trigger{ch: make(chan struct{}, 1)} }

// Notify records a pending wakeup.
func (t *Trigger) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C delivers pending wakeups.
func (t *Trigger) C() <-chan struct{} { return t.ch }

// Wait consumes one wakeup or returns ctx.Err().
func (t *Trigger) Wait(ctx context.Context) error {
	select {
	case <-t.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
