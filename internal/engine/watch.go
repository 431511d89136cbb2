package engine

import "sync"

// Watcher receives published states. Its channel holds at most one state:
// a slow reader skips intermediate versions and always sees the latest one.
// The channel is closed when the watcher or the engine is closed.
type Watcher struct {
	e    *Engine
	c    chan State
	once sync.Once
}

// Watch registers a watcher primed with the current state. The engine applies
// and publishes every subscription event in order; coalescing happens only
// here, at the presentation boundary, where a reader that falls behind gets
// the newest state instead of each intermediate one. Code that must observe
// every change reads the store's subscriptions, not a Watcher.
func (e *Engine) Watch() *Watcher {
	w := &Watcher{e: e, c: make(chan State, 1)}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(w.c)
		return w
	}
	e.watchers[w] = struct{}{}
	w.c <- e.current
	return w
}

func (w *Watcher) C() <-chan State {
	return w.c
}

func (w *Watcher) Close() {
	w.once.Do(func() {
		w.e.mu.Lock()
		defer w.e.mu.Unlock()
		if _, ok := w.e.watchers[w]; ok {
			delete(w.e.watchers, w)
			close(w.c)
		}
	})
}

// offer replaces any unread state with s. Caller holds e.mu.
func (w *Watcher) offer(s State) {
	select {
	case <-w.c:
	default:
	}
	select {
	case w.c <- s:
	default:
	}
}
