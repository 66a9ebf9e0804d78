// Package callgroup provides call deduplication by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function. The others wait and receive the same result,
// flagged as shared. Once the function returns, the key is forgotten and
// future calls trigger a new execution.
package callgroup

import "sync"

// Result is what a deduplicated call produced.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool // true for callers that joined an in-flight call
}

// Group deduplicates concurrent function calls by key.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Do executes fn if no call is in flight for key and waits for the result.
// Joining callers get the in-flight call's result with shared set.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, shared bool, err error) {
	r := <-g.DoChan(key, fn)
	return r.Val, r.Shared, r.Err
}

// DoChan is like Do but returns a channel that receives exactly one Result.
// The channel is never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	ch := make(chan Result[V], 1)

	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		go func() {
			<-c.done
			ch <- Result[V]{Val: c.val, Err: c.err, Shared: true}
		}()
		return ch
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn()

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()

		close(c.done)
		ch <- Result[V]{Val: c.val, Err: c.err}
	}()
	return ch
}

// InFlight reports whether a call for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
