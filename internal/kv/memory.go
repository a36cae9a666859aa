package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. It backs the test suites and single-host
// setups where both participants run in one process; semantics mirror the
// Store contract exactly, including subtree replay on Subscribe.
type Memory struct {
	mu     sync.Mutex
	data   map[string]json.RawMessage
	seq    uint64
	subs   map[int]*memSub
	nextID int
	closed bool
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]json.RawMessage),
		subs: make(map[int]*memSub),
	}
}

type memSub struct {
	prefix  string
	handler Handler

	mu    sync.Mutex
	cond  *sync.Cond
	queue []Event
	done  bool
}

func newMemSub(prefix string, h Handler) *memSub {
	s := &memSub{prefix: prefix, handler: h}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue appends an event; the store holds its own lock while calling this,
// which is what serializes delivery order across subscribers.
func (s *memSub) enqueue(evt Event) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memSub) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(evt)
	}
}

func (s *memSub) stop() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// Write implements Store.
func (m *Memory) Write(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}
	m.data[path] = raw
	m.notify(Event{Op: OpPut, Path: path, Value: raw})
	return nil
}

// Push implements Store. Keys are zero-padded sequence numbers, so their
// lexicographic order is insertion order.
func (m *Memory) Push(_ context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("store closed")
	}
	m.seq++
	key := fmt.Sprintf("%020d", m.seq)
	full := Join(path, key)
	m.data[full] = raw
	m.notify(Event{Op: OpPut, Path: full, Value: raw})
	return key, nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}

	var removed []string
	for k := range m.data {
		if Under(path, k) {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		delete(m.data, k)
		m.notify(Event{Op: OpRemove, Path: k})
	}
	return nil
}

// AtomicUpdate implements Store. fn returning a nil replacement removes the key.
func (m *Memory) AtomicUpdate(_ context.Context, path string, fn func(cur json.RawMessage) (any, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}

	next, err := fn(m.data[path])
	if err != nil {
		return err
	}
	if next == nil {
		if _, ok := m.data[path]; ok {
			delete(m.data, path)
			m.notify(Event{Op: OpRemove, Path: path})
		}
		return nil
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	m.data[path] = raw
	m.notify(Event{Op: OpPut, Path: path, Value: raw})
	return nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(path string, h Handler) func() {
	sub := newMemSub(path, h)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	// Replay the current subtree in key order before any live event.
	var keys []string
	for k := range m.data {
		if Under(path, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub.enqueue(Event{Op: OpPut, Path: k, Value: m.data[k]})
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()

	go sub.run()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.stop()
	}
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[int]*memSub)
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

// notify fans an event out to matching subscribers. Caller holds m.mu.
func (m *Memory) notify(evt Event) {
	for _, s := range m.subs {
		if Under(s.prefix, evt.Path) {
			s.enqueue(evt)
		}
	}
}
