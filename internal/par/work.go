// Package par runs independent work items with bounded parallelism.
package par

import (
	"sync"
)

// Work is a queue of items processed in parallel, each at most once.
// Items are started in the order they were added.
type Work[T comparable] struct {
	f       func(T)
	running int

	mu      sync.Mutex
	added   map[T]bool
	todo    []T
	wait    sync.Cond // signalled when todo grows or the last runner idles
	waiting int
}

// Add queues item unless it has been added before.
func (w *Work[T]) Add(item T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.added == nil {
		w.added = make(map[T]bool)
	}
	if w.added[item] {
		return
	}
	w.added[item] = true
	w.todo = append(w.todo, item)
	if w.waiting > 0 {
		w.wait.Signal()
	}
}

// Len reports how many distinct items have been added.
func (w *Work[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.added)
}

// Do calls f for every queued item with at most n calls in flight and
// returns once the queue is drained and every call has returned. f may Add
// more items. Do must be called at most once.
func (w *Work[T]) Do(n int, f func(item T)) {
	if n < 1 {
		panic("par.Work.Do: n < 1")
	}
	w.mu.Lock()
	if w.running > 0 {
		w.mu.Unlock()
		panic("par.Work.Do: already called Do")
	}
	if pending := len(w.todo); pending > 0 && n > pending {
		n = pending
	}
	w.running = n
	w.f = f
	w.wait.L = &w.mu
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runner()
		}()
	}
	w.runner()
	wg.Wait()
}

// runner takes items until the queue is empty and every runner is idle.
func (w *Work[T]) runner() {
	for {
		w.mu.Lock()
		for len(w.todo) == 0 {
			w.waiting++
			if w.waiting == w.running {
				w.wait.Broadcast()
				w.mu.Unlock()
				return
			}
			w.wait.Wait()
			w.waiting--
		}
		item := w.todo[0]
		w.todo = w.todo[1:]
		w.mu.Unlock()

		w.f(item)
	}
}
