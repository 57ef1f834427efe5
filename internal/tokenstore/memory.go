package tokenstore

import "sync"

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Change)
}

func (s *subscribers) add(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Change))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// memoryBus is the shared value behind a family of MemoryStore handles.
type memoryBus struct {
	mu      sync.Mutex
	token   string
	present bool
	handles []*MemoryStore
}

// MemoryStore is an in-process Store. Each handle is one context: mutations
// through a handle notify the subscribers of every sibling handle but not its own.
type MemoryStore struct {
	bus  *memoryBus
	subs subscribers
}

// NewMemoryStore creates an empty store with a single context handle.
func NewMemoryStore() *MemoryStore {
	bus := &memoryBus{}
	m := &MemoryStore{bus: bus}
	bus.handles = append(bus.handles, m)
	return m
}

// Sibling returns a new context handle sharing the same value.
func (m *MemoryStore) Sibling() *MemoryStore {
	s := &MemoryStore{bus: m.bus}
	m.bus.mu.Lock()
	m.bus.handles = append(m.bus.handles, s)
	m.bus.mu.Unlock()
	return s
}

// Load implements Store.
func (m *MemoryStore) Load() (string, bool, error) {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	return m.bus.token, m.bus.present, nil
}

// Save implements Store.
func (m *MemoryStore) Save(token string) error {
	m.set(Change{Present: true, Token: token})
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear() error {
	m.set(Change{})
	return nil
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(fn func(Change)) func() {
	return m.subs.add(fn)
}

func (m *MemoryStore) set(c Change) {
	m.bus.mu.Lock()
	m.bus.token = c.Token
	m.bus.present = c.Present
	others := make([]*MemoryStore, 0, len(m.bus.handles))
	for _, h := range m.bus.handles {
		if h != m {
			others = append(others, h)
		}
	}
	m.bus.mu.Unlock()

	for _, h := range others {
		h.subs.notify(c)
	}
}
