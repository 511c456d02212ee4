package wanas

import "sync"

// Stream is a synchronous event emitter.
//
// Subscribe returns an unsubscribe function. After it returns, the handler
// is never invoked again, except for a delivery that is already running on
// another goroutine. Calling it more than once is harmless. Handlers run on
// the emitting goroutine in subscription order; a panicking handler is
// recovered and does not affect the others.
type Stream[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []streamHandler[T]
}

type streamHandler[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns its unsubscribe function.
func (s *Stream[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, streamHandler[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Stream[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of live subscriptions.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

func (s *Stream[T]) emit(v T) {
	s.mu.RLock()
	handlers := append([]streamHandler[T](nil), s.handlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		if !s.live(h.id) {
			continue
		}
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h.fn(v)
		}()
	}
}

func (s *Stream[T]) live(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

// subscriptions collects unsubscribe funcs so a component can detach at once.
type subscriptions struct {
	mu    sync.Mutex
	funcs []func()
}

func (s *subscriptions) add(fns ...func()) {
	s.mu.Lock()
	s.funcs = append(s.funcs, fns...)
	s.mu.Unlock()
}

func (s *subscriptions) release() {
	s.mu.Lock()
	funcs := s.funcs
	s.funcs = nil
	s.mu.Unlock()
	for _, f := range funcs {
		f()
	}
}
