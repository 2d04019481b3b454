package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// tsLayout is fixed width so timestamps stored as TEXT compare in time
// order. It is not the hashed representation; see formatTime.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		seq           INTEGER PRIMARY KEY,
		ts            TEXT    NOT NULL,
		actor_id      TEXT    NOT NULL DEFAULT '',
		actor_role    TEXT    NOT NULL DEFAULT '',
		action        TEXT    NOT NULL,
		resource_type TEXT    NOT NULL DEFAULT '',
		resource_id   TEXT    NOT NULL DEFAULT '',
		source_ip     TEXT    NOT NULL DEFAULT '',
		user_agent    TEXT    NOT NULL DEFAULT '',
		request_id    TEXT    NOT NULL DEFAULT '',
		outcome       INTEGER NOT NULL,
		prev_hash     TEXT    NOT NULL UNIQUE,
		hash          TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
	CREATE TRIGGER IF NOT EXISTS audit_events_no_update
		BEFORE UPDATE ON audit_events
		BEGIN SELECT RAISE(ABORT, 'audit events are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
		BEFORE DELETE ON audit_events
		BEGIN SELECT RAISE(ABORT, 'audit events are immutable'); END;
`

const eventColumns = `seq, ts, actor_id, actor_role, action, resource_type, resource_id,
	source_ip, user_agent, request_id, outcome, prev_hash, hash`

// SQLiteStore persists the chain in an SQLite database.
//
// Appends in this process are serialized by a mutex, and each one reads the
// tail and inserts inside one transaction. A writer in another process
// (the CLI recording an event while the server runs) is caught by the
// database itself: seq is the primary key and prev_hash is unique, so a
// second insert on the same tail fails and is reported as ErrTailMoved.
// Triggers reject UPDATE and DELETE.
//
// WAL mode lets List and Tail read a committed snapshot while an append is
// in progress.
type SQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit store %s: %w", path, err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("could not restrict audit database permissions", "path", path, "error", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Append(ctx context.Context, candidate Event, seal Seal) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, conflictOr(fmt.Errorf("beginning append: %w", err))
	}
	defer tx.Rollback()

	tail, err := readTail(ctx, tx)
	if err != nil {
		return Event{}, conflictOr(err)
	}
	candidate.Seq = tail.Seq + 1
	candidate.PrevHash = GenesisHash
	if tail.Seq > 0 {
		candidate.PrevHash = tail.Hash
	}
	seal(&candidate)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		candidate.Seq, candidate.Timestamp.UTC().Format(tsLayout),
		candidate.ActorID, candidate.ActorRole, candidate.Action,
		candidate.ResourceType, candidate.ResourceID,
		candidate.SourceIP, candidate.UserAgent, candidate.RequestID,
		candidate.OutcomeCode, candidate.PrevHash, candidate.Hash,
	)
	if err != nil {
		return Event{}, conflictOr(fmt.Errorf("inserting audit event %d: %w", candidate.Seq, err))
	}
	if err := tx.Commit(); err != nil {
		return Event{}, conflictOr(fmt.Errorf("committing audit event %d: %w", candidate.Seq, err))
	}
	return candidate, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readTail(ctx context.Context, q queryer) (Tail, error) {
	var t Tail
	err := q.QueryRowContext(ctx,
		`SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`,
	).Scan(&t.Seq, &t.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Tail{}, nil
	}
	if err != nil {
		return Tail{}, fmt.Errorf("reading audit tail: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Tail(ctx context.Context) (Tail, error) {
	return readTail(ctx, s.db)
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) (Page, error) {
	q, err := p.compile()
	if err != nil {
		return Page{}, err
	}

	stmt := "SELECT " + eventColumns + " FROM audit_events WHERE seq >= ?"
	args := []any{q.from}

	if q.to != 0 {
		stmt += " AND seq <= ?"
		args = append(args, q.to)
	}
	f := q.filter
	if f.ActorID != "" {
		stmt += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.ActorRole != "" {
		stmt += " AND actor_role = ?"
		args = append(args, f.ActorRole)
	}
	if f.ResourceType != "" {
		stmt += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.MinOutcome != 0 {
		stmt += " AND outcome >= ?"
		args = append(args, f.MinOutcome)
	}
	if !f.Since.IsZero() {
		stmt += " AND ts >= ?"
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	if !f.Until.IsZero() {
		stmt += " AND ts <= ?"
		args = append(args, f.Until.UTC().Format(tsLayout))
	}
	if q.literalAction {
		stmt += " AND action = ?"
		args = append(args, f.Action)
	}
	stmt += " ORDER BY seq ASC"
	// Wildcard action patterns are matched in Go, so the row count needed
	// to fill a page is unknown.
	if q.action == nil || q.literalAction {
		stmt += " LIMIT ?"
		args = append(args, q.limit+1)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Page{}, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	c := collector{limit: q.limit}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return Page{}, err
		}
		if !q.match(&e) {
			continue
		}
		if !c.add(e) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("reading audit events: %w", err)
	}
	return c.page(), nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var ts string
	err := rows.Scan(
		&e.Seq, &ts, &e.ActorID, &e.ActorRole, &e.Action,
		&e.ResourceType, &e.ResourceID, &e.SourceIP, &e.UserAgent,
		&e.RequestID, &e.OutcomeCode, &e.PrevHash, &e.Hash,
	)
	if err != nil {
		return Event{}, fmt.Errorf("scanning audit row: %w", err)
	}
	// An unparseable timestamp is left zero; the event then fails hash
	// verification instead of hiding the row from listings.
	if t, err := time.Parse(tsLayout, ts); err == nil {
		e.Timestamp = t
	} else {
		slog.Warn("malformed audit timestamp", "seq", e.Seq)
	}
	return e, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// conflictOr marks errors caused by a concurrent writer as ErrTailMoved and
// returns every other error unchanged.
func conflictOr(err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"unique constraint failed",
		"constraint failed: audit_events",
		"database is locked",
		"sqlite_busy", // also SQLITE_BUSY_SNAPSHOT
	} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", ErrTailMoved, err)
		}
	}
	return err
}
