package audit

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Format is an export encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// ParseFormat accepts "jsonl" (also the empty string), "json" and "csv".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSONL, "":
		return FormatJSONL, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", s)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/x-ndjson"
	}
}

var csvHeader = []string{
	"seq", "ts", "actor_id", "actor_role", "action", "resource_type",
	"resource_id", "source_ip", "user_agent", "request_id", "outcome",
	"prev_hash", "hash",
}

// Export streams every event matching p to w, page by page, so memory use
// does not grow with the size of the log. Exported events carry their
// hashes and can be re-verified offline.
func Export(ctx context.Context, s Store, w io.Writer, f Format, p ListParams) error {
	bw := bufio.NewWriter(w)

	var err error
	switch f {
	case FormatJSONL:
		enc := json.NewEncoder(bw)
		err = Walk(ctx, s, p, func(e Event) error {
			return enc.Encode(e)
		})

	case FormatJSON:
		err = exportJSON(ctx, s, bw, p)

	case FormatCSV:
		cw := csv.NewWriter(bw)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		err = Walk(ctx, s, p, func(e Event) error {
			return cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				formatTime(e.Timestamp),
				e.ActorID,
				e.ActorRole,
				e.Action,
				e.ResourceType,
				e.ResourceID,
				e.SourceIP,
				e.UserAgent,
				e.RequestID,
				strconv.Itoa(e.OutcomeCode),
				e.PrevHash,
				e.Hash,
			})
		})
		cw.Flush()
		if err == nil {
			err = cw.Error()
		}

	default:
		return fmt.Errorf("unsupported export format: %s", f)
	}

	if err != nil {
		return fmt.Errorf("exporting audit log: %w", err)
	}
	return bw.Flush()
}

// exportJSON writes a single indented JSON array without holding the
// events in memory.
func exportJSON(ctx context.Context, s Store, w *bufio.Writer, p ListParams) error {
	w.WriteString("[")
	first := true
	err := Walk(ctx, s, p, func(e Event) error {
		data, err := json.MarshalIndent(e, "  ", "  ")
		if err != nil {
			return err
		}
		if !first {
			w.WriteString(",")
		}
		first = false
		w.WriteString("\n  ")
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	if !first {
		w.WriteString("\n")
	}
	_, err = w.WriteString("]\n")
	return err
}
