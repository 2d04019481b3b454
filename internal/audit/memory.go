package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps the chain in a slice. It is meant for tests and
// single-process deployments that accept losing the log on restart.
//
// Appends hold the write lock for the whole read-tail-and-append. Readers
// only take the read lock long enough to copy the slice header: appended
// elements are never modified, so iterating the copy needs no lock.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, candidate Event, seal Seal) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidate.Seq = 1
	candidate.PrevHash = GenesisHash
	if n := len(m.events); n > 0 {
		candidate.Seq = m.events[n-1].Seq + 1
		candidate.PrevHash = m.events[n-1].Hash
	}
	seal(&candidate)

	m.events = append(m.events, candidate)
	return candidate, nil
}

func (m *MemoryStore) Tail(ctx context.Context) (Tail, error) {
	events := m.snapshot()
	if len(events) == 0 {
		return Tail{}, nil
	}
	last := events[len(events)-1]
	return Tail{Seq: last.Seq, Hash: last.Hash}, nil
}

func (m *MemoryStore) List(ctx context.Context, p ListParams) (Page, error) {
	q, err := p.compile()
	if err != nil {
		return Page{}, err
	}
	events := m.snapshot()

	start := sort.Search(len(events), func(i int) bool { return events[i].Seq >= q.from })
	c := collector{limit: q.limit}
	for _, e := range events[start:] {
		if !q.inRange(e.Seq) {
			break
		}
		if !q.match(&e) {
			continue
		}
		if !c.add(e) {
			break
		}
	}
	return c.page(), nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) snapshot() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[:len(m.events):len(m.events)]
}
