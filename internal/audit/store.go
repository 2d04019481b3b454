package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gobwas/glob"
)

// ErrInvalidQuery is returned for malformed cursors, ranges or filters.
var ErrInvalidQuery = errors.New("invalid audit query")

const (
	// DefaultPageSize is used when ListParams.Limit is zero.
	DefaultPageSize = 100
	// MaxPageSize caps ListParams.Limit.
	MaxPageSize = 1000
)

// Seal finalizes a candidate event. A Store calls it inside its critical
// section once Seq and PrevHash are set; it fills in Timestamp and Hash.
type Seal func(e *Event)

// Store is append-only persistence for audit events.
type Store interface {
	// Append reads the current tail, sets candidate.Seq to tail+1 and
	// candidate.PrevHash to the tail hash (GenesisHash for an empty chain),
	// calls seal and durably writes the result, all as one atomic step.
	// If another writer advanced the tail first it returns an error
	// wrapping ErrTailMoved and writes nothing.
	Append(ctx context.Context, candidate Event, seal Seal) (Event, error)

	// Tail returns the last committed position; zero for an empty chain.
	Tail(ctx context.Context) (Tail, error)

	// List returns committed events in ascending sequence order.
	List(ctx context.Context, p ListParams) (Page, error)

	Close() error
}

// Tail is the head of the chain: the last committed sequence and hash.
type Tail struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Range bounds a listing or a verification by sequence number, inclusive.
// From 0 means from the first event; To 0 means up to the tail.
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to,omitempty"`
}

func (r Range) start() uint64 {
	if r.From == 0 {
		return 1
	}
	return r.From
}

func (r Range) validate() error {
	if r.To != 0 && r.To < r.start() {
		return fmt.Errorf("%w: range end %d before start %d", ErrInvalidQuery, r.To, r.start())
	}
	return nil
}

// Filter narrows a listing. Empty fields mean no filter.
type Filter struct {
	ActorID      string
	ActorRole    string
	Action       string // glob pattern, e.g. "LOGIN*" or "*_DOCUMENT"
	ResourceType string
	MinOutcome   int // only events with OutcomeCode >= MinOutcome
	Since        time.Time
	Until        time.Time
}

// ListParams is one page request.
type ListParams struct {
	Range  Range
	Filter Filter
	// Cursor resumes a previous listing; it is the NextCursor of the page
	// before.
	Cursor string
	Limit  int
}

// Page is one slice of a listing. NextCursor is empty once there are no
// further matching events.
type Page struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// query is the normalized form of ListParams shared by both stores.
type query struct {
	from, to uint64
	limit    int
	filter   Filter
	action   glob.Glob
	// literalAction is set when the action pattern has no wildcards, so a
	// store can match it by equality.
	literalAction bool
}

func (p ListParams) compile() (query, error) {
	if err := p.Range.validate(); err != nil {
		return query{}, err
	}
	q := query{from: p.Range.start(), to: p.Range.To, limit: p.Limit, filter: p.Filter}

	if p.Cursor != "" {
		after, err := strconv.ParseUint(p.Cursor, 10, 64)
		if err != nil {
			return query{}, fmt.Errorf("%w: cursor %q", ErrInvalidQuery, p.Cursor)
		}
		if after+1 > q.from {
			q.from = after + 1
		}
	}

	switch {
	case q.limit <= 0:
		q.limit = DefaultPageSize
	case q.limit > MaxPageSize:
		q.limit = MaxPageSize
	}

	if pat := p.Filter.Action; pat != "" {
		g, err := glob.Compile(pat)
		if err != nil {
			return query{}, fmt.Errorf("%w: action pattern %q: %v", ErrInvalidQuery, pat, err)
		}
		q.action = g
		q.literalAction = glob.QuoteMeta(pat) == pat
	}
	return q, nil
}

func (q query) inRange(seq uint64) bool {
	return seq >= q.from && (q.to == 0 || seq <= q.to)
}

func (q query) match(e *Event) bool {
	f := q.filter
	switch {
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.ActorRole != "" && e.ActorRole != f.ActorRole:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.MinOutcome != 0 && e.OutcomeCode < f.MinOutcome:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	case q.action != nil && !q.action.Match(e.Action):
		return false
	}
	return true
}

// collector accumulates up to limit matches plus one look-ahead event that
// decides whether a NextCursor is needed.
type collector struct {
	limit  int
	events []Event
	more   bool
}

// add reports whether the caller should keep feeding events.
func (c *collector) add(e Event) bool {
	if len(c.events) == c.limit {
		c.more = true
		return false
	}
	c.events = append(c.events, e)
	return true
}

func (c *collector) page() Page {
	p := Page{Events: c.events}
	if c.more && len(c.events) > 0 {
		p.NextCursor = strconv.FormatUint(c.events[len(c.events)-1].Seq, 10)
	}
	if p.Events == nil {
		p.Events = []Event{}
	}
	return p
}

// Walk calls fn for every event matching p, following cursors until the
// listing is exhausted. p.Limit sets the page size.
func Walk(ctx context.Context, s Store, p ListParams, fn func(Event) error) error {
	for {
		page, err := s.List(ctx, p)
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			if err := fn(e); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		p.Cursor = page.NextCursor
	}
}

// Store kinds accepted by OpenStore.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// OpenStore opens the store named by kind. path is ignored for the memory
// store.
func OpenStore(kind, path string) (Store, error) {
	switch kind {
	case StoreSQLite, "":
		return OpenSQLite(path)
	case StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown audit store %q (use %s or %s)", kind, StoreSQLite, StoreMemory)
	}
}
