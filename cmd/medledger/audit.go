package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/audit"
	"github.com/medledger/medledger/internal/fsutil"
)

// ============================================================================
// medledger audit: record, read and verify the audit chain
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Record, query and verify the audit log",
	Long: `The audit log records every privileged action on patient data: who
did it, from where, to which resource, and with what outcome. Events are
hash-chained: each event's hash covers its own fields and the previous
event's hash, so any edit, insertion or deletion is detectable.`,
}

func init() {
	auditCmd.AddCommand(auditRecordCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditStatsCmd)
}

// withAuditStore opens the configured store for the duration of fn.
func withAuditStore(fn func(s audit.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openAuditStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// --- record ---

var auditRecordInput audit.Input

var auditRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append an event to the audit chain",
	Long: `Append one event. Useful from batch jobs and maintenance scripts that
act on patient data outside the server.

Example:
  medledger audit record --actor dr-house --role clinician \
    --action VIEW_RECORD --resource-type patient --resource-id 4711`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openAuditStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		chain := audit.NewChain(store, chainOptions(cfg))
		e, err := chain.Record(cmd.Context(), auditRecordInput)
		if err != nil {
			return fmt.Errorf("recording event: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[medledger] Recorded seq=%d hash=%s\n", e.Seq, e.Hash)
		return nil
	},
}

func init() {
	f := auditRecordCmd.Flags()
	f.StringVar(&auditRecordInput.ActorID, "actor", "", "Actor ID (empty for unauthenticated)")
	f.StringVar(&auditRecordInput.ActorRole, "role", "", "Actor role")
	f.StringVar(&auditRecordInput.Action, "action", "", "Action, e.g. VIEW_RECORD")
	f.StringVar(&auditRecordInput.ResourceType, "resource-type", "", "Resource type, e.g. patient")
	f.StringVar(&auditRecordInput.ResourceID, "resource-id", "", "Resource ID")
	f.StringVar(&auditRecordInput.SourceIP, "source-ip", "", "Source IP address")
	f.StringVar(&auditRecordInput.RequestID, "request-id", "", "Correlating request ID")
	f.IntVar(&auditRecordInput.OutcomeCode, "outcome", 200, "HTTP-style outcome code")
	auditRecordCmd.MarkFlagRequired("action")
}

// --- tail ---

var (
	auditTailLimit  int
	auditFollowMode bool
)

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest audit events",
	Long:  `Show the most recent audit events. Use -f to follow new events as they are appended (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditStore(func(s audit.Store) error {
			tail, err := s.Tail(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading tail: %w", err)
			}

			from := uint64(1)
			if n := uint64(auditTailLimit); tail.Seq > n {
				from = tail.Seq - n + 1
			}
			out := cmd.OutOrStdout()
			err = audit.Walk(cmd.Context(), s, audit.ListParams{Range: audit.Range{From: from, To: tail.Seq}}, func(e audit.Event) error {
				printEvent(out, e)
				return nil
			})
			if err != nil || !auditFollowMode {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			err = audit.Follow(ctx, s, tail.Seq, 500*time.Millisecond, func(e audit.Event) {
				printEvent(out, e)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent events to show")
	auditTailCmd.Flags().BoolVarP(&auditFollowMode, "follow", "f", false, "Follow new events")
}

// --- query ---

var (
	auditFilter      filterFlags
	auditQueryLimit  int
	auditQueryCursor string
	auditQueryJSON   bool
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query the audit log. Filters combine with AND; --action accepts glob
patterns. Results are paged: pass the printed cursor to --cursor for the next
page.

Examples:
  medledger audit query --actor dr-house --since 24h
  medledger audit query --action '*_DOCUMENT' --min-outcome 400`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := auditFilter.filter()
		if err != nil {
			return err
		}
		return withAuditStore(func(s audit.Store) error {
			page, err := s.List(cmd.Context(), audit.ListParams{
				Range:  auditFilter.rng(),
				Filter: f,
				Cursor: auditQueryCursor,
				Limit:  auditQueryLimit,
			})
			if err != nil {
				return fmt.Errorf("audit query failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if auditQueryJSON {
				return printJSON(out, page)
			}
			if len(page.Events) == 0 {
				fmt.Fprintln(out, "No matching audit events found.")
				return nil
			}
			for _, e := range page.Events {
				printEvent(out, e)
			}
			fmt.Fprintf(out, "\n%d events.", len(page.Events))
			if page.NextCursor != "" {
				fmt.Fprintf(out, " More with --cursor %s", page.NextCursor)
			}
			fmt.Fprintln(out)
			return nil
		})
	},
}

func init() {
	auditFilter.register(auditQueryCmd)
	auditQueryCmd.Flags().IntVar(&auditQueryLimit, "limit", 50, "Maximum number of events per page")
	auditQueryCmd.Flags().StringVar(&auditQueryCursor, "cursor", "", "Cursor from a previous page")
	auditQueryCmd.Flags().BoolVar(&auditQueryJSON, "json", false, "Print the page as JSON")
}

// --- verify ---

var (
	auditVerifyFrom uint64
	auditVerifyTo   uint64
	auditVerifyJSON bool
)

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Replay the audit chain and check that sequence numbers are gapless,
that each event links to its predecessor's hash, and that each stored hash
matches the recomputed one. Reports the first divergence and exits non-zero
when the chain is broken. Verification never modifies the log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditStore(func(s audit.Store) error {
			res, err := audit.NewVerifier(s).Verify(cmd.Context(), audit.Range{From: auditVerifyFrom, To: auditVerifyTo})
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if auditVerifyJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
				return res.Err()
			}
			if res.OK {
				fmt.Fprintf(out, "[medledger] Hash chain VALID (%d events verified)\n", res.EventsChecked)
				return nil
			}
			fmt.Fprintf(out, "[medledger] Hash chain BROKEN at seq %d (index %d): %s\n", res.Seq, *res.FirstFailureIndex, res.Reason)
			fmt.Fprintf(out, "  Expected: %s\n", res.Expected)
			fmt.Fprintf(out, "  Actual:   %s\n", res.Actual)
			return res.Err()
		})
	},
}

func init() {
	auditVerifyCmd.Flags().Uint64Var(&auditVerifyFrom, "from", 0, "First sequence number (default: first event)")
	auditVerifyCmd.Flags().Uint64Var(&auditVerifyTo, "to", 0, "Last sequence number (default: tail)")
	auditVerifyCmd.Flags().BoolVar(&auditVerifyJSON, "json", false, "Print the result as JSON")
}

// --- export ---

var (
	auditExportFilter filterFlags
	auditExportFormat string
	auditExportOut    string
)

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events",
	Long: `Export matching events with their hashes, so the export can be
re-verified offline. Supported formats: jsonl, json, csv.

Example:
  medledger audit export --format csv --since 720h --out audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := audit.ParseFormat(auditExportFormat)
		if err != nil {
			return err
		}
		f, err := auditExportFilter.filter()
		if err != nil {
			return err
		}
		p := audit.ListParams{Range: auditExportFilter.rng(), Filter: f, Limit: audit.MaxPageSize}

		return withAuditStore(func(s audit.Store) error {
			if auditExportOut == "" || auditExportOut == "-" {
				return audit.Export(cmd.Context(), s, cmd.OutOrStdout(), format, p)
			}

			out, err := fsutil.CreatePending(auditExportOut, 0o700)
			if err != nil {
				return err
			}
			defer out.Abort()
			if err := audit.Export(cmd.Context(), s, out, format, p); err != nil {
				return fmt.Errorf("exporting: %w", err)
			}
			if err := out.Commit(0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "[medledger] Exported to %s\n", auditExportOut)
			return nil
		})
	},
}

func init() {
	auditExportFilter.register(auditExportCmd)
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	auditExportCmd.Flags().StringVarP(&auditExportOut, "out", "o", "", "Output file (default: stdout)")
}

// --- stats ---

var (
	auditStatsFilter filterFlags
	auditStatsTop    int
)

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := auditStatsFilter.filter()
		if err != nil {
			return err
		}
		return withAuditStore(func(s audit.Store) error {
			sum, err := audit.Summarize(cmd.Context(), s, f, auditStatsTop)
			if err != nil {
				return fmt.Errorf("summarizing: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), sum)
		})
	},
}

func init() {
	auditStatsFilter.register(auditStatsCmd)
	auditStatsCmd.Flags().IntVar(&auditStatsTop, "top", audit.DefaultTopActors, "Number of most active actors to list")
}

// ============================================================================
// Shared flags and output
// ============================================================================

// filterFlags are the query flags shared by query, export and stats.
type filterFlags struct {
	from, to     uint64
	actor, role  string
	action       string
	resourceType string
	minOutcome   int
	since        string
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64Var(&ff.from, "from", 0, "First sequence number")
	f.Uint64Var(&ff.to, "to", 0, "Last sequence number")
	f.StringVar(&ff.actor, "actor", "", "Filter by actor ID")
	f.StringVar(&ff.role, "role", "", "Filter by actor role")
	f.StringVar(&ff.action, "action", "", "Filter by action (glob, e.g. 'LOGIN*')")
	f.StringVar(&ff.resourceType, "resource-type", "", "Filter by resource type")
	f.IntVar(&ff.minOutcome, "min-outcome", 0, "Only events with outcome >= this code")
	f.StringVar(&ff.since, "since", "", "Only events newer than this duration (e.g. 1h, 30m, 24h)")
}

func (ff *filterFlags) rng() audit.Range {
	return audit.Range{From: ff.from, To: ff.to}
}

func (ff *filterFlags) filter() (audit.Filter, error) {
	f := audit.Filter{
		ActorID:      ff.actor,
		ActorRole:    ff.role,
		Action:       ff.action,
		ResourceType: ff.resourceType,
		MinOutcome:   ff.minOutcome,
	}
	if ff.since != "" {
		d, err := time.ParseDuration(ff.since)
		if err != nil {
			return f, fmt.Errorf("invalid --since %q: %w", ff.since, err)
		}
		f.Since = time.Now().Add(-d)
	}
	return f, nil
}

// printEvent prints one event per line for terminals.
func printEvent(w io.Writer, e audit.Event) {
	actor := e.ActorID
	if actor == "" {
		actor = "-"
	}
	fmt.Fprintf(w, "#%-6d [%s] actor=%-12s role=%-10s action=%-20s resource=%s/%s outcome=%d\n",
		e.Seq, e.Timestamp.UTC().Format(time.RFC3339), actor, e.ActorRole, e.Action,
		e.ResourceType, e.ResourceID, e.OutcomeCode)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext cancels on SIGINT/SIGTERM so long file operations clean up
// their partial output.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
