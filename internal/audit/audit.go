package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

var (
	// ErrChainWriteConflict is returned by Chain.Record when the tail kept
	// moving under it for every allowed attempt.
	ErrChainWriteConflict = errors.New("audit chain write conflict: retries exhausted")

	// ErrTailMoved is returned by a Store when another writer advanced the
	// tail between reading it and inserting. Chain retries on it.
	ErrTailMoved = errors.New("audit chain tail moved during append")

	// ErrInvalidEvent is returned for inputs that cannot be recorded.
	ErrInvalidEvent = errors.New("invalid audit event")
)

// Event is a single audit record.
//
// Seq, PrevHash, Timestamp and Hash are assigned while the event is appended
// and never come from the caller. ActorID and ActorRole are empty for
// unauthenticated actions.
type Event struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"ts"`
	ActorID      string    `json:"actor_id,omitempty"`
	ActorRole    string    `json:"actor_role,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	OutcomeCode  int       `json:"outcome"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// Failed reports whether the recorded action was unsuccessful (HTTP-style
// outcome of 400 or above).
func (e Event) Failed() bool {
	return e.OutcomeCode >= 400
}

// Input is what application code supplies when recording an action.
type Input struct {
	ActorID      string
	ActorRole    string
	Action       string
	ResourceType string
	ResourceID   string
	SourceIP     string
	UserAgent    string
	RequestID    string
	OutcomeCode  int
}

func (in Input) event() Event {
	return Event{
		ActorID:      in.ActorID,
		ActorRole:    in.ActorRole,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		SourceIP:     in.SourceIP,
		UserAgent:    in.UserAgent,
		RequestID:    in.RequestID,
		OutcomeCode:  in.OutcomeCode,
	}
}

// Options tune a Chain. Zero values select the defaults.
type Options struct {
	// MaxAttempts bounds how many times Record tries to append when the
	// tail keeps moving. Default 8.
	MaxAttempts int

	// Backoff is the base delay between attempts; each retry waits
	// Backoff*2^(attempt-1), capped at MaxBackoff, plus up to Backoff of
	// jitter. Default 10ms.
	Backoff time.Duration

	// MaxBackoff caps a single wait. Default 500ms. With the defaults a
	// writer keeps retrying for about 1.2s before giving up, which outlasts
	// a burst from a second process such as the CLI.
	MaxBackoff time.Duration

	// Clock stamps events. Default time.Now.
	Clock func() time.Time

	// OnAppend, when set, is called after every successful append, outside
	// the store's critical section.
	OnAppend func(Event)
}

const (
	defaultMaxAttempts = 8
	defaultBackoff     = 10 * time.Millisecond
	defaultMaxBackoff  = 500 * time.Millisecond
)

// Chain records events into a Store, linking each one to its predecessor.
// Safe for concurrent use; ordering is decided by the store.
type Chain struct {
	store Store
	opts  Options
}

// NewChain returns a Chain appending to store.
func NewChain(store Store, opts Options) *Chain {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Chain{store: store, opts: opts}
}

// Record appends a new event built from in and returns it with Seq,
// Timestamp, PrevHash and Hash filled in.
//
// When the store reports that the tail moved, Record retries against the
// fresh tail. After MaxAttempts it fails with ErrChainWriteConflict; it
// never overwrites or forks the chain.
func (c *Chain) Record(ctx context.Context, in Input) (Event, error) {
	if in.Action == "" {
		return Event{}, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	candidate := in.event()

	for attempt := 1; ; attempt++ {
		e, err := c.store.Append(ctx, candidate, c.seal)
		if err == nil {
			if c.opts.OnAppend != nil {
				c.opts.OnAppend(e)
			}
			return e, nil
		}
		if !errors.Is(err, ErrTailMoved) {
			return Event{}, fmt.Errorf("appending audit event: %w", err)
		}
		if attempt >= c.opts.MaxAttempts {
			slog.Error("audit append gave up", "action", in.Action, "attempts", attempt)
			return Event{}, fmt.Errorf("%w (%d attempts)", ErrChainWriteConflict, attempt)
		}

		slog.Debug("audit tail moved, retrying", "action", in.Action, "attempt", attempt)
		if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
			return Event{}, err
		}
	}
}

// seal is called by the store with Seq and PrevHash already assigned.
// The timestamp is taken here so it is ordered with the sequence.
func (c *Chain) seal(e *Event) {
	e.Timestamp = c.opts.Clock().UTC()
	e.Hash = ComputeHash(e)
}

func (c *Chain) backoff(attempt int) time.Duration {
	base := c.opts.MaxBackoff
	if shift := attempt - 1; shift < 32 && c.opts.Backoff<<shift < base {
		base = c.opts.Backoff << shift
	}
	return base + rand.N(c.opts.Backoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
