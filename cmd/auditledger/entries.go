package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/factoryos/auditledger/internal/audit"
	"github.com/factoryos/auditledger/internal/config"
)

// errIntegrity makes verify exit non-zero without printing usage.
var errIntegrity = errors.New("audit chain integrity violation detected")

// ============================================================================
// auditledger append
// ============================================================================

var (
	appendTenant     string
	appendUserID     string
	appendUsername   string
	appendAction     string
	appendCategory   string
	appendSeverity   string
	appendEntityType string
	appendEntityID   string
	appendIP         string
	appendMeta       []string
	appendJSON       bool
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Record one audit entry",
	Long: `Record one entry and print it with its sequence and digest.

Examples:
  auditledger append --action USER_LOGIN --category AUTH --severity INFO --user-id u-17 --username alice --tenant plant-7
  auditledger append --action PLAN_UPDATED --category DATA --severity WARNING --entity-type plan --entity-id 42 --meta shift=night --meta line=3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := parseMeta(appendMeta)
		if err != nil {
			return err
		}
		req := audit.Request{
			TenantID:   appendTenant,
			Action:     appendAction,
			Category:   audit.Category(strings.ToUpper(appendCategory)),
			Severity:   audit.Severity(strings.ToUpper(appendSeverity)),
			EntityType: appendEntityType,
			EntityID:   appendEntityID,
			Context:    audit.RequestContext{IPAddress: appendIP},
			Metadata:   meta,
		}
		if appendUserID != "" || appendUsername != "" {
			req.Actor = &audit.Actor{UserID: appendUserID, Username: appendUsername}
		}

		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			e, err := l.writer.Append(cmd.Context(), req)
			if err != nil {
				if l.failure.FailClosed(req) {
					return fmt.Errorf("recording %s (fail-closed): %w", req.Action, err)
				}
				return fmt.Errorf("recording %s: %w", req.Action, err)
			}
			if appendJSON {
				return printJSON(e)
			}
			fmt.Printf("recorded #%d %s\n", e.Sequence, e.Digest)
			return nil
		})
	},
}

func init() {
	f := appendCmd.Flags()
	f.StringVar(&appendTenant, "tenant", "", "Tenant ID (empty for platform-level events)")
	f.StringVar(&appendUserID, "user-id", "", "Actor user ID")
	f.StringVar(&appendUsername, "username", "", "Actor username")
	f.StringVar(&appendAction, "action", "", "Action name, e.g. USER_LOGIN")
	f.StringVar(&appendCategory, "category", "", "AUTH, DATA, EXPORT, LICENSE, PERMISSION, BACKUP, SYSTEM or SECURITY")
	f.StringVar(&appendSeverity, "severity", "INFO", "INFO, WARNING, CRITICAL or SECURITY")
	f.StringVar(&appendEntityType, "entity-type", "", "Affected entity type")
	f.StringVar(&appendEntityID, "entity-id", "", "Affected entity ID")
	f.StringVar(&appendIP, "ip", "", "Client IP address")
	f.StringArrayVar(&appendMeta, "meta", nil, "Metadata key=value (repeatable)")
	f.BoolVar(&appendJSON, "json", false, "Print the recorded entry as JSON")
	appendCmd.MarkFlagRequired("action")
	appendCmd.MarkFlagRequired("category")
}

// parseMeta turns key=value pairs into metadata. Values that parse as JSON
// numbers or booleans keep that type.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--meta %q must be key=value", p)
		}
		switch {
		case v == "true" || v == "false":
			meta[k] = v == "true"
		case isNumber(v):
			meta[k] = json.Number(v)
		default:
			meta[k] = v
		}
	}
	return meta, nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil && json.Valid([]byte(s))
}

// ============================================================================
// auditledger query / show
// ============================================================================

var (
	queryFilter   filterFlags
	queryPage     int
	queryPageSize int
	querySort     string
	queryOrder    string
	queryCount    bool
	queryJSON     bool
)

// filterFlags are the filter flags shared by query and export.
type filterFlags struct {
	tenant, userID, username, category, severity string
	action, entityType, entityID, search         string
	from, to, since                              string
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&ff.tenant, "tenant", "", "Filter by tenant ID")
	f.StringVar(&ff.userID, "user-id", "", "Filter by actor user ID")
	f.StringVar(&ff.username, "username", "", "Filter by actor username")
	f.StringVar(&ff.category, "category", "", "Filter by category")
	f.StringVar(&ff.severity, "severity", "", "Filter by severity")
	f.StringVar(&ff.action, "action", "", "Filter by action")
	f.StringVar(&ff.entityType, "entity-type", "", "Filter by entity type")
	f.StringVar(&ff.entityID, "entity-id", "", "Filter by entity ID (requires --entity-type)")
	f.StringVar(&ff.search, "search", "", "Case-insensitive free text search")
	f.StringVar(&ff.from, "from", "", "Entries at or after this RFC 3339 time")
	f.StringVar(&ff.to, "to", "", "Entries at or before this RFC 3339 time")
	f.StringVar(&ff.since, "since", "", "Entries within this duration (e.g. 1h, 24h); overrides --from")
}

func (ff *filterFlags) filter() (audit.Filter, error) {
	f := audit.Filter{
		TenantID:   ff.tenant,
		UserID:     ff.userID,
		Username:   ff.username,
		Action:     ff.action,
		EntityType: ff.entityType,
		EntityID:   ff.entityID,
		Search:     ff.search,
	}
	var err error
	if ff.category != "" {
		if f.Category, err = audit.ParseCategory(ff.category); err != nil {
			return f, err
		}
	}
	if ff.severity != "" {
		if f.Severity, err = audit.ParseSeverity(ff.severity); err != nil {
			return f, err
		}
	}
	if ff.from != "" {
		if f.From, err = time.Parse(time.RFC3339Nano, ff.from); err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
	}
	if ff.to != "" {
		if f.To, err = time.Parse(time.RFC3339Nano, ff.to); err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
	}
	if ff.since != "" {
		d, err := time.ParseDuration(ff.since)
		if err != nil {
			return f, fmt.Errorf("--since: %w", err)
		}
		f.From = time.Now().Add(-d)
	}
	return f, nil
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the ledger with filters, newest first by default.

Examples:
  auditledger query --category SECURITY --since 24h
  auditledger query --tenant plant-7 --search "plan" --sort severity --page 2
  auditledger query --entity-type plan --entity-id 42 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := queryFilter.filter()
		if err != nil {
			return err
		}
		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			if queryCount {
				n, err := l.query.Count(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			}

			page, err := l.query.Query(cmd.Context(), audit.Query{
				Filter:   f,
				Page:     queryPage,
				PageSize: queryPageSize,
				Sort:     audit.SortField(querySort),
				Order:    audit.SortOrder(queryOrder),
			})
			if err != nil {
				return err
			}
			if queryJSON {
				return printJSON(page)
			}
			if len(page.Entries) == 0 {
				fmt.Println("No matching audit entries found.")
				return nil
			}
			printEntries(page.Entries)
			fmt.Printf("\npage %d of %d, %d entries total\n", page.Page, page.TotalPages, page.Total)
			return nil
		})
	},
}

func init() {
	queryFilter.register(queryCmd)
	f := queryCmd.Flags()
	f.IntVar(&queryPage, "page", 1, "Page number")
	f.IntVar(&queryPageSize, "page-size", audit.DefaultPageSize, "Entries per page (max 500)")
	f.StringVar(&querySort, "sort", "created_at", "Sort by created_at, severity or action")
	f.StringVar(&queryOrder, "order", "desc", "asc or desc")
	f.BoolVar(&queryCount, "count", false, "Print only the number of matching entries")
	f.BoolVar(&queryJSON, "json", false, "Print the page as JSON")
}

var showCmd = &cobra.Command{
	Use:   "show <seq>",
	Short: "Print one entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("sequence %q is not a number", args[0])
		}
		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			e, err := l.query.Get(cmd.Context(), seq)
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

// ============================================================================
// auditledger verify
// ============================================================================

var (
	verifyFrom        int64
	verifyTo          int64
	verifyStartDigest string
	verifyStopOnFirst bool
	verifyJSON        bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the hash chain. Every entry's digest is recomputed from its
content and the previous digest; purged ranges are bridged by their
tombstones. The whole range is scanned and every failure reported unless
--stop-on-first is set.

Exits non-zero when the chain is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			report, err := l.verifier.Verify(cmd.Context(), audit.VerifyRequest{
				From:               verifyFrom,
				To:                 verifyTo,
				StartDigest:        verifyStartDigest,
				StopOnFirstFailure: verifyStopOnFirst,
			})
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if verifyJSON {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}
			if !report.Valid {
				return errIntegrity
			}
			return nil
		})
	},
}

func init() {
	f := verifyCmd.Flags()
	f.Int64Var(&verifyFrom, "from", 0, "First sequence to verify (default: genesis)")
	f.Int64Var(&verifyTo, "to", 0, "Last sequence to verify (default: tail)")
	f.StringVar(&verifyStartDigest, "start-digest", "", "Trusted digest of entry from-1, e.g. a saved checkpoint")
	f.BoolVar(&verifyStopOnFirst, "stop-on-first", false, "Stop at the first failure")
	f.BoolVar(&verifyJSON, "json", false, "Print the report as JSON")
}

func printReport(r *audit.IntegrityReport) {
	if r.Valid {
		fmt.Printf("Hash chain VALID: #%d..#%d, %d entries verified, %d purged\n",
			r.From, r.To, r.VerifiedCount, r.PurgedCount)
		return
	}
	fmt.Printf("Hash chain BROKEN: %d failure(s) in #%d..#%d\n", r.FailureCount, r.From, r.To)
	for _, f := range r.Failures {
		fmt.Printf("  #%-8d %-16s %s\n", f.Sequence, f.Kind, f.Detail)
		if f.Expected != "" || f.Actual != "" {
			fmt.Printf("            expected %s\n            actual   %s\n", f.Expected, f.Actual)
		}
	}
	if int64(len(r.Failures)) < r.FailureCount {
		fmt.Printf("  ... %d more\n", r.FailureCount-int64(len(r.Failures)))
	}
	fmt.Printf("Last good: #%d %s\n", r.LastGood.Sequence, r.LastGood.Digest)
}

// ============================================================================
// auditledger export
// ============================================================================

var (
	exportFilter filterFlags
	exportFormat string
	exportHashes bool
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export entries for regulatory handoff",
	Long: `Export every entry matching the filters, in ascending sequence order.
Supported formats: csv, json, jsonl. Exports larger than the configured
ceiling fail rather than truncate.

Examples:
  auditledger export --format csv --from 2026-01-01T00:00:00Z --output q1.csv
  auditledger export --format json --include-hashes --tenant plant-7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := exportFilter.filter()
		if err != nil {
			return err
		}
		format, err := audit.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			res, err := l.exporter.Export(cmd.Context(), audit.ExportRequest{
				Filter:        f,
				Format:        format,
				IncludeHashes: exportHashes,
			})
			if err != nil {
				return err
			}
			return writeExport(res, exportOutput)
		})
	},
}

func init() {
	exportFilter.register(exportCmd)
	f := exportCmd.Flags()
	f.StringVar(&exportFormat, "format", "csv", "Export format: csv, json, jsonl")
	f.BoolVar(&exportHashes, "include-hashes", false, "Include digest and previous digest")
	f.StringVarP(&exportOutput, "output", "o", "", "Output file; '-' for stdout (default: generated filename)")
}

func writeExport(res *audit.ExportResult, output string) error {
	if output == "-" {
		_, err := os.Stdout.Write(res.Data)
		return err
	}
	if output == "" {
		output = res.Filename
	}
	if err := os.WriteFile(output, res.Data, 0o600); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d entries to %s (export id %s)\n", res.RecordCount, output, res.ID)
	return nil
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML prints cfg with any DSN password masked.
func printYAML(cfg *config.Config) error {
	shown := *cfg
	if u, err := url.Parse(shown.Store.DSN); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			shown.Store.DSN = u.String()
		}
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&shown)
}

func printEntries(entries []audit.Entry) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tTENANT\tACTOR\tACTION\tCATEGORY\tSEVERITY\tENTITY")
	for _, e := range entries {
		entity := e.EntityType
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.CreatedAt.Format(time.RFC3339), dash(e.TenantID), dash(e.Actor.Label()),
			e.Action, e.Category, e.Severity, dash(entity))
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
