package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrChainVerification is returned at the CLI and admin boundary when a
// verification found a broken chain. Verify itself reports breakage as a
// VerificationResult value.
var ErrChainVerification = errors.New("audit chain verification failed")

// Reason classifies the first divergence found by Verify.
type Reason string

const (
	// ReasonHashMismatch: the stored hash differs from the hash recomputed
	// from the event's fields and its predecessor's hash.
	ReasonHashMismatch Reason = "HashMismatch"
	// ReasonPrevHashMismatch: the stored PrevHash does not link to the
	// predecessor's stored hash.
	ReasonPrevHashMismatch Reason = "PrevHashMismatch"
	// ReasonSequenceGap: the sequence does not increase by exactly one.
	ReasonSequenceGap Reason = "SequenceGap"
)

// VerificationResult is the outcome of Verify.
//
// FirstFailureIndex is the 0-based position of the first bad event within
// the verified range; nil when OK. Seq is the stored sequence number of that
// event.
type VerificationResult struct {
	OK                bool   `json:"ok"`
	Range             Range  `json:"range"`
	EventsChecked     int    `json:"events_checked"`
	FirstFailureIndex *int   `json:"first_failure_index,omitempty"`
	Reason            Reason `json:"reason,omitempty"`
	Seq               uint64 `json:"seq,omitempty"`
	Expected          string `json:"expected,omitempty"`
	Actual            string `json:"actual,omitempty"`
}

// Err returns nil for an intact chain and an error wrapping
// ErrChainVerification otherwise.
func (r VerificationResult) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %s at seq %d (index %d): expected %s, got %s",
		ErrChainVerification, r.Reason, r.Seq, *r.FirstFailureIndex, r.Expected, r.Actual)
}

// Verifier replays a stored chain. It only reads from the store and never
// repairs anything.
type Verifier struct {
	store    Store
	pageSize int
}

// NewVerifier returns a Verifier reading from s.
func NewVerifier(s Store) *Verifier {
	return &Verifier{store: s, pageSize: MaxPageSize}
}

// Verify checks every event in r in ascending sequence order and stops at
// the first divergence. For each event, in order:
//
//  1. Seq must be the previous Seq + 1 (the first must equal r's start);
//  2. PrevHash must equal the previous event's stored hash, GenesisHash for
//     seq 1, or the stored hash of event From-1 when the range starts later;
//  3. the hash recomputed from the event's fields and that previous hash
//     must equal the stored hash.
//
// A range that starts beyond the tail verifies as OK with no events.
func (v *Verifier) Verify(ctx context.Context, r Range) (VerificationResult, error) {
	if err := r.validate(); err != nil {
		return VerificationResult{}, err
	}
	from := r.start()
	res := VerificationResult{Range: Range{From: from, To: r.To}}

	prevHash, found, err := v.anchor(ctx, from)
	if err != nil {
		return VerificationResult{}, err
	}
	if !found {
		// The predecessor of the range is missing. That is only a break if
		// the chain continues past it.
		page, err := v.store.List(ctx, ListParams{Range: Range{From: from}, Limit: 1})
		if err != nil {
			return VerificationResult{}, fmt.Errorf("listing audit events: %w", err)
		}
		if len(page.Events) == 0 {
			res.OK = true
			return res, nil
		}
		first := page.Events[0]
		return res.fail(0, ReasonSequenceGap, first.Seq,
			strconv.FormatUint(from-1, 10), "missing"), nil
	}

	next := from
	params := ListParams{Range: Range{From: from, To: r.To}, Limit: v.pageSize}
	for {
		page, err := v.store.List(ctx, params)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("listing audit events: %w", err)
		}

		for _, e := range page.Events {
			idx := res.EventsChecked
			res.EventsChecked++

			if e.Seq != next {
				return res.fail(idx, ReasonSequenceGap, e.Seq,
					strconv.FormatUint(next, 10), strconv.FormatUint(e.Seq, 10)), nil
			}
			if e.PrevHash != prevHash {
				return res.fail(idx, ReasonPrevHashMismatch, e.Seq, prevHash, e.PrevHash), nil
			}
			if expected := ComputeHash(&e); expected != e.Hash {
				return res.fail(idx, ReasonHashMismatch, e.Seq, expected, e.Hash), nil
			}

			prevHash = e.Hash
			next++
		}

		if page.NextCursor == "" {
			break
		}
		if err := ctx.Err(); err != nil {
			return VerificationResult{}, err
		}
		params.Cursor = page.NextCursor
	}

	res.OK = true
	return res, nil
}

// anchor returns the hash the event at seq from must link to.
func (v *Verifier) anchor(ctx context.Context, from uint64) (string, bool, error) {
	if from == 1 {
		return GenesisHash, true, nil
	}
	page, err := v.store.List(ctx, ListParams{Range: Range{From: from - 1, To: from - 1}, Limit: 1})
	if err != nil {
		return "", false, fmt.Errorf("reading audit event %d: %w", from-1, err)
	}
	if len(page.Events) == 0 {
		return "", false, nil
	}
	return page.Events[0].Hash, true, nil
}

func (r VerificationResult) fail(idx int, reason Reason, seq uint64, expected, actual string) VerificationResult {
	r.OK = false
	r.FirstFailureIndex = &idx
	r.Reason = reason
	r.Seq = seq
	r.Expected = expected
	r.Actual = actual
	if r.EventsChecked == 0 {
		r.EventsChecked = idx + 1
	}
	return r
}
