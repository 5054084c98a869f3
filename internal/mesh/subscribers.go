package mesh

import "sync"

// Handler receives a payload from a named channel, tagged with the sending
// peer's name.
type Handler func(from string, payload []byte)

// subscribers is a registration list keyed by an arbitrary scope (a channel
// label, a lifecycle event). Registrations are independent of sessions, so
// they outlive any link they were used on.
type subscribers[F any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[string][]subscriber[F]
}

type subscriber[F any] struct {
	id uint64
	fn F
}

func newSubscribers[F any]() *subscribers[F] {
	return &subscribers[F]{entries: make(map[string][]subscriber[F])}
}

// add registers fn under scope and returns a func that removes exactly this
// registration. Calling the returned func more than once is harmless.
func (s *subscribers[F]) add(scope string, fn F) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.entries[scope] = append(s.entries[scope], subscriber[F]{id: id, fn: fn})

	return func() { s.remove(scope, id) }
}

func (s *subscribers[F]) remove(scope string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[scope]
	for i, sub := range list {
		if sub.id == id {
			s.entries[scope] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.entries[scope]) == 0 {
		delete(s.entries, scope)
	}
}

// clear drops every registration under scope.
func (s *subscribers[F]) clear(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, scope)
}

// snapshot returns the current registrations for scope in registration
// order. Callers invoke them without holding the lock.
func (s *subscribers[F]) snapshot(scope string) []F {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[scope]
	fns := make([]F, len(list))
	for i, sub := range list {
		fns[i] = sub.fn
	}
	return fns
}
