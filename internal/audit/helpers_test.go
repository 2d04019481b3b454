package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mutate rewrites a stored event in place, simulating tampering with the
// underlying storage.
func (m *MemoryStore) mutate(seq uint64, fn func(*Event)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].Seq == seq {
			fn(&m.events[i])
			return true
		}
	}
	return false
}

// remove deletes a stored event, simulating a row dropped from storage.
func (m *MemoryStore) remove(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].Seq == seq {
			m.events = append(m.events[:i:i], m.events[i+1:]...)
			return true
		}
	}
	return false
}

// fixture is a store plus the means to corrupt it behind the chain's back.
type fixture struct {
	store  Store
	tamper func(t *testing.T, seq uint64, fn func(*Event))
	remove func(t *testing.T, seq uint64)
}

func memoryFixture(t *testing.T) fixture {
	m := NewMemoryStore()
	return fixture{
		store: m,
		tamper: func(t *testing.T, seq uint64, fn func(*Event)) {
			require.True(t, m.mutate(seq, fn), "event %d not found", seq)
		},
		remove: func(t *testing.T, seq uint64) {
			require.True(t, m.remove(seq), "event %d not found", seq)
		},
	}
}

func sqliteFixture(t *testing.T) fixture {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return fixture{
		store: s,
		tamper: func(t *testing.T, seq uint64, fn func(*Event)) {
			e := getEvent(t, s, seq)
			fn(&e)
			_, err := s.db.Exec(`DROP TRIGGER IF EXISTS audit_events_no_update`)
			require.NoError(t, err)
			_, err = s.db.Exec(`UPDATE audit_events SET seq = ?, ts = ?, actor_id = ?, actor_role = ?,
				action = ?, resource_type = ?, resource_id = ?, source_ip = ?, user_agent = ?,
				request_id = ?, outcome = ?, prev_hash = ?, hash = ? WHERE seq = ?`,
				e.Seq, e.Timestamp.UTC().Format(tsLayout), e.ActorID, e.ActorRole,
				e.Action, e.ResourceType, e.ResourceID, e.SourceIP, e.UserAgent,
				e.RequestID, e.OutcomeCode, e.PrevHash, e.Hash, seq)
			require.NoError(t, err)
		},
		remove: func(t *testing.T, seq uint64) {
			_, err := s.db.Exec(`DROP TRIGGER IF EXISTS audit_events_no_delete`)
			require.NoError(t, err)
			_, err = s.db.Exec(`DELETE FROM audit_events WHERE seq = ?`, seq)
			require.NoError(t, err)
		},
	}
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteFixture(t)) })
}

func getEvent(t *testing.T, s Store, seq uint64) Event {
	t.Helper()
	page, err := s.List(context.Background(), ListParams{Range: Range{From: seq, To: seq}})
	require.NoError(t, err)
	require.Len(t, page.Events, 1, "event %d", seq)
	return page.Events[0]
}

func allEvents(t *testing.T, s Store) []Event {
	t.Helper()
	var out []Event
	require.NoError(t, Walk(context.Background(), s, ListParams{}, func(e Event) error {
		out = append(out, e)
		return nil
	}))
	return out
}

// stepClock returns a deterministic clock advancing one millisecond per
// call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func newTestChain(s Store) *Chain {
	return NewChain(s, Options{Clock: stepClock()})
}

// record appends one event per input and returns them in order.
func record(t *testing.T, c *Chain, inputs ...Input) []Event {
	t.Helper()
	out := make([]Event, 0, len(inputs))
	for _, in := range inputs {
		e, err := c.Record(context.Background(), in)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func login(actor string) Input {
	return Input{
		ActorID:      actor,
		ActorRole:    "doctor",
		Action:       "LOGIN",
		ResourceType: "session",
		SourceIP:     "10.0.0.7",
		UserAgent:    "Mozilla/5.0",
		OutcomeCode:  200,
	}
}
