package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/medledger/medledger/internal/audit"
)

// handleEvents returns one page of events.
// GET /admin/audit/events?cursor&limit&from&to&actor&role&action&resource_type&min_outcome&since&until
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, err := listParams(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	page, err := s.store.List(r.Context(), p)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleVerify replays the chain over a range. A broken chain is reported
// with 409 and the full result so the operator sees where it diverged.
// GET /admin/audit/verify?from&to
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rng, err := rangeParams(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	res, err := s.verifier.Verify(r.Context(), rng)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !res.OK {
		slog.Error("audit chain verification failed",
			"reason", res.Reason, "seq", res.Seq, "index", *res.FirstFailureIndex)
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport streams matching events as an attachment.
// GET /admin/audit/export?format=jsonl|json|csv plus the events filters
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := audit.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_format", err.Error())
		return
	}
	p, err := listParams(q)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	p.Cursor, p.Limit = "", audit.MaxPageSize

	// Reject a bad query while an error status can still be sent.
	if _, err := s.store.List(r.Context(), audit.ListParams{Range: p.Range, Filter: p.Filter, Limit: 1}); err != nil {
		s.storeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="audit-%s.%s"`, time.Now().UTC().Format("20060102T150405Z"), format))
	if err := audit.Export(r.Context(), s.store, w, format, p); err != nil {
		slog.Error("audit export interrupted", "format", format, "error", err)
	}
}

// handleStats summarizes matching events.
// GET /admin/audit/stats?top plus the events filters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := filterParams(q)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	top, err := intParam(q, "top")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	sum, err := audit.Summarize(r.Context(), s.store, f, top)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, audit.ErrInvalidQuery) {
		writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	slog.Error("audit store request failed", "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, "audit_store_error", "audit store error")
}

// --- Query parsing ---

func listParams(q url.Values) (audit.ListParams, error) {
	rng, err := rangeParams(q)
	if err != nil {
		return audit.ListParams{}, err
	}
	f, err := filterParams(q)
	if err != nil {
		return audit.ListParams{}, err
	}
	limit, err := intParam(q, "limit")
	if err != nil {
		return audit.ListParams{}, err
	}
	return audit.ListParams{Range: rng, Filter: f, Cursor: q.Get("cursor"), Limit: limit}, nil
}

func rangeParams(q url.Values) (audit.Range, error) {
	var rng audit.Range
	var err error
	if rng.From, err = seqParam(q, "from"); err != nil {
		return rng, err
	}
	if rng.To, err = seqParam(q, "to"); err != nil {
		return rng, err
	}
	return rng, nil
}

func filterParams(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		ActorID:      q.Get("actor"),
		ActorRole:    q.Get("role"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
	}
	var err error
	if f.MinOutcome, err = intParam(q, "min_outcome"); err != nil {
		return f, err
	}
	if f.Since, err = timeParam(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q, "until"); err != nil {
		return f, err
	}
	return f, nil
}

func seqParam(q url.Values, name string) (uint64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a sequence number", name)
	}
	return n, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func timeParam(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
