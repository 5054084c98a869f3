package mesh

import "testing"

func (s *subscribers[F]) count(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[scope])
}

func TestSubscribersAddRemove(t *testing.T) {
	s := newSubscribers[func() string]()

	s.add("chat", func() string { return "a" })
	removeB := s.add("chat", func() string { return "b" })
	s.add("state", func() string { return "c" })

	if n := s.count("chat"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	removeB()
	removeB()
	fns := s.snapshot("chat")
	if len(fns) != 1 || fns[0]() != "a" {
		t.Fatalf("after remove: %d handlers", len(fns))
	}

	s.clear("chat")
	if n := s.count("chat"); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
	if n := s.count("state"); n != 1 {
		t.Errorf("clear touched another scope: %d", n)
	}
}

func TestSubscribersSnapshotIsStable(t *testing.T) {
	s := newSubscribers[func()]()
	calls := 0
	s.add("x", func() { calls++ })

	fns := s.snapshot("x")
	s.add("x", func() { calls += 10 })
	for _, fn := range fns {
		fn()
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
