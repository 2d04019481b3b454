package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Event{
		Seq:       1,
		Timestamp: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		ActorID:   "u1",
		Action:    "LOGIN",
		PrevHash:  GenesisHash,
	}

	hash1 := ComputeHash(e)
	hash2 := ComputeHash(e)

	assert.Equal(t, hash1, hash2, "same input should produce the same hash")
	assert.True(t, strings.HasPrefix(hash1, "sha256:"), "got %q", hash1)
	assert.Len(t, hash1, len("sha256:")+64)
}

func TestCanonical_Layout(t *testing.T) {
	e := &Event{
		Seq:         7,
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ActorID:     "u1",
		Action:      "LOGIN",
		OutcomeCode: 200,
		PrevHash:    "sha256:ignored",
		Hash:        "sha256:ignored",
	}

	want := "medledger-audit-v1\n" +
		"seq:1:7\n" +
		"ts:20:2026-03-01T09:00:00Z\n" +
		"actor_id:2:u1\n" +
		"actor_role:0:\n" +
		"action:5:LOGIN\n" +
		"resource_type:0:\n" +
		"resource_id:0:\n" +
		"source_ip:0:\n" +
		"user_agent:0:\n" +
		"request_id:0:\n" +
		"outcome:3:200\n"
	assert.Equal(t, want, string(Canonical(e)))
}

func TestCanonical_TimestampNormalizedToUTC(t *testing.T) {
	local := time.Date(2026, 3, 1, 11, 0, 0, 500, time.FixedZone("CEST", 2*3600))
	utc := local.UTC()

	a := &Event{Seq: 1, Timestamp: local, Action: "LOGIN"}
	b := &Event{Seq: 1, Timestamp: utc, Action: "LOGIN"}
	assert.Equal(t, Canonical(a), Canonical(b))
}

func TestCanonical_ValuesCannotBleedAcrossFields(t *testing.T) {
	a := &Event{Seq: 1, ActorID: "ab", ActorRole: "", Action: "LOGIN"}
	b := &Event{Seq: 1, ActorID: "a", ActorRole: "b", Action: "LOGIN"}
	c := &Event{Seq: 1, ActorID: "a\nactor_role:1:b", Action: "LOGIN"}

	assert.NotEqual(t, ComputeHash(a), ComputeHash(b))
	assert.NotEqual(t, ComputeHash(b), ComputeHash(c))
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Event{
		Seq:          1,
		Timestamp:    time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		ActorID:      "u1",
		ActorRole:    "doctor",
		Action:       "VIEW_RECORD",
		ResourceType: "medical_record",
		ResourceID:   "rec-1",
		SourceIP:     "10.0.0.1",
		UserAgent:    "curl/8.0",
		RequestID:    "req-1",
		OutcomeCode:  200,
		PrevHash:     "sha256:abc",
	}
	baseHash := ComputeHash(&base)

	tests := []struct {
		name   string
		modify func(e *Event)
	}{
		{"seq", func(e *Event) { e.Seq = 99 }},
		{"timestamp", func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) }},
		{"actor_id", func(e *Event) { e.ActorID = "u2" }},
		{"actor_role", func(e *Event) { e.ActorRole = "admin" }},
		{"action", func(e *Event) { e.Action = "DELETE_RECORD" }},
		{"resource_type", func(e *Event) { e.ResourceType = "document" }},
		{"resource_id", func(e *Event) { e.ResourceID = "rec-2" }},
		{"source_ip", func(e *Event) { e.SourceIP = "10.0.0.2" }},
		{"user_agent", func(e *Event) { e.UserAgent = "wget" }},
		{"request_id", func(e *Event) { e.RequestID = "req-2" }},
		{"outcome", func(e *Event) { e.OutcomeCode = 403 }},
		{"prev_hash", func(e *Event) { e.PrevHash = "sha256:xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			assert.NotEqual(t, baseHash, ComputeHash(&modified), "changing %s should change the hash", tt.name)
		})
	}
}

func TestComputeHash_IgnoresStoredHash(t *testing.T) {
	e := Event{Seq: 1, Action: "LOGIN", PrevHash: GenesisHash}
	before := ComputeHash(&e)
	e.Hash = "sha256:whatever"
	assert.Equal(t, before, ComputeHash(&e))
}

func TestChain_RecordLinksEvents(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		c := newTestChain(f.store)
		ctx := context.Background()

		e1, err := c.Record(ctx, login("u1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), e1.Seq)
		assert.Equal(t, GenesisHash, e1.PrevHash)
		assert.Equal(t, ComputeHash(&e1), e1.Hash)
		assert.False(t, e1.Timestamp.IsZero())

		e2, err := c.Record(ctx, Input{ActorID: "u1", ActorRole: "doctor", Action: "VIEW_RECORD", OutcomeCode: 200})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), e2.Seq)
		assert.Equal(t, e1.Hash, e2.PrevHash)
		assert.True(t, e2.Timestamp.After(e1.Timestamp))

		// What was stored hashes to what was returned.
		stored := getEvent(t, f.store, 2)
		assert.Equal(t, e2.Hash, stored.Hash)
		assert.Equal(t, e2.Hash, ComputeHash(&stored))
		assert.True(t, e2.Timestamp.Equal(stored.Timestamp))

		tail, err := f.store.Tail(ctx)
		require.NoError(t, err)
		assert.Equal(t, Tail{Seq: 2, Hash: e2.Hash}, tail)
	})
}

func TestChain_RecordRequiresAction(t *testing.T) {
	c := newTestChain(NewMemoryStore())
	_, err := c.Record(context.Background(), Input{ActorID: "u1"})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestChain_RecordUnauthenticated(t *testing.T) {
	s := NewMemoryStore()
	c := newTestChain(s)
	e, err := c.Record(context.Background(), Input{Action: "LOGIN", OutcomeCode: 401, SourceIP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Empty(t, e.ActorID)
	assert.Empty(t, e.ActorRole)
	assert.True(t, e.Failed())
}

func TestChain_ConcurrentRecordsAreGaplessAndLinked(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		c := newTestChain(f.store)
		const workers, perWorker = 16, 10

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					_, err := c.Record(context.Background(), Input{
						ActorID:     fmt.Sprintf("u%d", w),
						Action:      "VIEW_RECORD",
						ResourceID:  fmt.Sprintf("rec-%d-%d", w, i),
						OutcomeCode: 200,
					})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		events := allEvents(t, f.store)
		require.Len(t, events, workers*perWorker)

		prevHashes := map[string]bool{}
		prev := GenesisHash
		for i, e := range events {
			assert.Equal(t, uint64(i+1), e.Seq)
			assert.Equal(t, prev, e.PrevHash, "seq %d", e.Seq)
			assert.False(t, prevHashes[e.PrevHash], "prev hash %s shared", e.PrevHash)
			prevHashes[e.PrevHash] = true
			prev = e.Hash
		}

		res, err := NewVerifier(f.store).Verify(context.Background(), Range{})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, workers*perWorker, res.EventsChecked)
	})
}

// conflictStore reports a moved tail for the first failures appends, then
// delegates.
type conflictStore struct {
	Store
	failures int
	err      error
	attempts atomic.Int32
}

func (s *conflictStore) Append(ctx context.Context, candidate Event, seal Seal) (Event, error) {
	n := int(s.attempts.Add(1))
	if n <= s.failures {
		return Event{}, s.err
	}
	return s.Store.Append(ctx, candidate, seal)
}

func TestChain_ConflictRetriesAreBounded(t *testing.T) {
	s := &conflictStore{Store: NewMemoryStore(), failures: 1 << 30, err: fmt.Errorf("simulated: %w", ErrTailMoved)}
	c := NewChain(s, Options{MaxAttempts: 3, Backoff: time.Microsecond})

	_, err := c.Record(context.Background(), login("u1"))
	require.ErrorIs(t, err, ErrChainWriteConflict)
	assert.Equal(t, int32(3), s.attempts.Load())
}

func TestChain_ConflictRetrySucceeds(t *testing.T) {
	s := &conflictStore{Store: NewMemoryStore(), failures: 2, err: ErrTailMoved}
	c := NewChain(s, Options{MaxAttempts: 5, Backoff: time.Microsecond})

	e, err := c.Record(context.Background(), login("u1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, int32(3), s.attempts.Load())
}

func TestChain_OtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("disk full")
	s := &conflictStore{Store: NewMemoryStore(), failures: 10, err: boom}
	c := NewChain(s, Options{MaxAttempts: 5, Backoff: time.Microsecond})

	_, err := c.Record(context.Background(), login("u1"))
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrChainWriteConflict)
	assert.Equal(t, int32(1), s.attempts.Load())
}

func TestChain_RetryStopsOnCancel(t *testing.T) {
	s := &conflictStore{Store: NewMemoryStore(), failures: 1 << 30, err: ErrTailMoved}
	c := NewChain(s, Options{MaxAttempts: 1000, Backoff: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Record(ctx, login("u1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChain_OnAppend(t *testing.T) {
	var seen []uint64
	c := NewChain(NewMemoryStore(), Options{OnAppend: func(e Event) { seen = append(seen, e.Seq) }})

	record(t, c, login("u1"), login("u2"))
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestSQLiteStore_RejectsUpdateAndDelete(t *testing.T) {
	f := sqliteFixture(t)
	record(t, newTestChain(f.store), login("u1"))
	s := f.store.(*SQLiteStore)

	_, err := s.db.Exec(`UPDATE audit_events SET action = 'LOGIN_FAKE' WHERE seq = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	_, err = s.db.Exec(`DELETE FROM audit_events WHERE seq = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestSQLiteStore_SeparateWritersShareOneChain(t *testing.T) {
	// Two handles on one database file behave like two processes: they do
	// not share the in-process mutex, so only the database keeps them from
	// forking the chain.
	f := sqliteFixture(t)
	a := f.store.(*SQLiteStore)
	b, err := OpenSQLite(a.Path())
	require.NoError(t, err)
	defer b.Close()

	opts := Options{MaxAttempts: 100, Backoff: time.Millisecond}
	chains := []*Chain{NewChain(a, opts), NewChain(b, opts)}

	const perWriter = 15
	var wg sync.WaitGroup
	for i, c := range chains {
		wg.Add(1)
		go func(i int, c *Chain) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := c.Record(context.Background(), Input{ActorID: fmt.Sprintf("writer-%d", i), Action: "LOGIN"})
				assert.NoError(t, err)
			}
		}(i, c)
	}
	wg.Wait()

	events := allEvents(t, a)
	require.Len(t, events, 2*perWriter)

	res, err := NewVerifier(b).Verify(context.Background(), Range{})
	require.NoError(t, err)
	assert.True(t, res.OK, "%+v", res)
}

func TestChain_BackoffDoublesUpToCeiling(t *testing.T) {
	c := NewChain(NewMemoryStore(), Options{})
	for attempt, want := range map[int]time.Duration{
		1: 10 * time.Millisecond,
		2: 20 * time.Millisecond,
		6: 320 * time.Millisecond,
		7: 500 * time.Millisecond,
		40: 500 * time.Millisecond,
	} {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, want, "attempt %d", attempt)
		assert.Less(t, d, want+10*time.Millisecond, "attempt %d", attempt)
	}

	var total time.Duration
	for attempt := 1; attempt < defaultMaxAttempts; attempt++ {
		total += c.backoff(attempt)
	}
	assert.Greater(t, total, time.Second, "default retry budget")
}

func TestSQLiteStore_ContendedWritersWithDefaultRetries(t *testing.T) {
	// Eight writers over two handles, as when the CLI records while the
	// server is busy. The default retry budget must absorb the contention.
	f := sqliteFixture(t)
	a := f.store.(*SQLiteStore)
	b, err := OpenSQLite(a.Path())
	require.NoError(t, err)
	defer b.Close()

	chains := []*Chain{NewChain(a, Options{}), NewChain(b, Options{})}
	const writers, perWriter = 8, 25
	var failed atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			c := chains[w%len(chains)]
			for i := 0; i < perWriter; i++ {
				if _, err := c.Record(context.Background(), Input{ActorID: fmt.Sprintf("writer-%d", w), Action: "LOGIN"}); err != nil {
					assert.NotErrorIs(t, err, ErrChainWriteConflict)
					failed.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	res, err := NewVerifier(b).Verify(context.Background(), Range{})
	require.NoError(t, err)
	assert.True(t, res.OK, "%+v", res)
	assert.Equal(t, writers*perWriter, res.EventsChecked)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	f := sqliteFixture(t)
	s := f.store.(*SQLiteStore)
	events := record(t, newTestChain(s), login("u1"), login("u2"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(s.Path())
	require.NoError(t, err)
	defer reopened.Close()

	e3 := record(t, newTestChain(reopened), login("u3"))[0]
	assert.Equal(t, uint64(3), e3.Seq)
	assert.Equal(t, events[1].Hash, e3.PrevHash)
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(StoreMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = OpenStore("mongo", "")
	require.Error(t, err)
}
