package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Format is an export format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// ParseFormat parses a format name; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON, FormatJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q (use csv, json, or jsonl)", ErrInvalidFilter, s)
	}
}

// ContentType is the MIME type of an export in this format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatJSONL:
		return "application/x-ndjson"
	default:
		return "text/csv; charset=utf-8"
	}
}

// DefaultExportCeiling is the hard row limit for a single export.
const DefaultExportCeiling = 100_000

// CSVColumns is the tabular export layout. The hash columns are appended
// only when hashes are included.
var CSVColumns = []string{
	"id", "timestamp", "actor", "action", "category", "severity",
	"entity_type", "entity_id", "ip_address",
}

var csvHashColumns = []string{"digest", "previous_digest"}

// ExportRequest selects and formats an export.
type ExportRequest struct {
	Filter        Filter `json:"filter"`
	Format        Format `json:"format"`
	IncludeHashes bool   `json:"include_hashes"`
}

// ExportResult is a rendered export artifact.
type ExportResult struct {
	ID          string `json:"export_id"`
	Data        []byte `json:"-"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Format      Format `json:"format"`
	RecordCount int    `json:"record_count"`
}

// Document is the structured (json) export layout.
type Document struct {
	ExportID      string    `json:"export_id"`
	ExportedAt    time.Time `json:"exported_at"`
	RecordCount   int       `json:"record_count"`
	IncludeHashes bool      `json:"include_hashes"`
	Filter        Filter    `json:"filter"`
	Entries       []Entry   `json:"entries"`
}

// DecodeDocument parses a json export. Metadata numbers decode as
// json.Number, matching entries read back from a Store.
func DecodeDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding export document: %w", err)
	}
	for i := range doc.Entries {
		doc.Entries[i].CreatedAt = doc.Entries[i].CreatedAt.UTC()
	}
	return &doc, nil
}

// Exporter renders filtered result sets for regulatory handoff. Filtering
// is delegated to the QueryEngine.
type Exporter struct {
	query   *QueryEngine
	store   Store
	ceiling int
	now     func() time.Time
	obs     Observer
}

// NewExporter creates an Exporter. ceiling <= 0 means DefaultExportCeiling.
func NewExporter(store Store, query *QueryEngine, ceiling int, obs Observer) *Exporter {
	if ceiling <= 0 {
		ceiling = DefaultExportCeiling
	}
	return &Exporter{
		query:   query,
		store:   store,
		ceiling: ceiling,
		now:     time.Now,
		obs:     observerOrNop(obs),
	}
}

// Export fetches every entry matching req.Filter (in ascending sequence
// order, as of the chain tail when the export starts) and renders it.
// A result set larger than the ceiling fails with ErrExportTooLarge
// instead of producing a truncated artifact. Cancellation is checked
// between store pages and discards partial output.
func (x *Exporter) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	ctx, span := tracer.Start(ctx, "audit.Export")
	res, err := x.export(ctx, req)
	if res != nil {
		span.SetAttributes(
			attribute.String("audit.format", string(res.Format)),
			attribute.Int("audit.records", res.RecordCount),
		)
	}
	endSpan(span, err)
	return res, err
}

func (x *Exporter) export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	if err := req.Filter.validate(); err != nil {
		return nil, err
	}

	tail, err := x.store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain tail: %w", err)
	}
	f := req.Filter
	f.UpToSequence = tail.Sequence

	total, err := x.query.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	if total > int64(x.ceiling) {
		return nil, fmt.Errorf("%w: %d entries match, ceiling is %d; narrow the filter or split the date range",
			ErrExportTooLarge, total, x.ceiling)
	}

	entries := make([]Entry, 0, total)
	err = x.query.scan(ctx, f, scanPageSize, func(page []Entry) error {
		if len(entries)+len(page) > x.ceiling {
			return fmt.Errorf("%w: more than %d entries", ErrExportTooLarge, x.ceiling)
		}
		entries = append(entries, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := x.now().UTC()
	id := uuid.NewString()
	data, err := Render(format, entries, RenderOptions{
		ExportID:      id,
		ExportedAt:    now,
		IncludeHashes: req.IncludeHashes,
		Filter:        req.Filter,
	})
	if err != nil {
		return nil, err
	}

	res := &ExportResult{
		ID:          id,
		Data:        data,
		Filename:    exportFilename(req.Filter, format, now),
		ContentType: format.ContentType(),
		Format:      format,
		RecordCount: len(entries),
	}
	x.obs.ExportCompleted(format, res.RecordCount)
	slog.Info("audit export rendered",
		"export_id", id, "format", format, "records", res.RecordCount,
		"include_hashes", req.IncludeHashes)
	return res, nil
}

// RenderOptions carries the document-level fields of an export.
type RenderOptions struct {
	ExportID      string
	ExportedAt    time.Time
	IncludeHashes bool
	Filter        Filter
}

// Render serializes already-fetched entries. It has no side effects.
func Render(format Format, entries []Entry, opts RenderOptions) ([]byte, error) {
	if !opts.IncludeHashes {
		entries = stripHashes(entries)
	}

	var buf bytes.Buffer
	switch format {
	case FormatCSV:
		if err := writeCSV(&buf, entries, opts.IncludeHashes); err != nil {
			return nil, fmt.Errorf("rendering csv export: %w", err)
		}

	case FormatJSON:
		if entries == nil {
			entries = []Entry{}
		}
		doc := Document{
			ExportID:      opts.ExportID,
			ExportedAt:    opts.ExportedAt.UTC(),
			RecordCount:   len(entries),
			IncludeHashes: opts.IncludeHashes,
			Filter:        opts.Filter,
			Entries:       entries,
		}
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("rendering json export: %w", err)
		}

	case FormatJSONL:
		enc := json.NewEncoder(&buf)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return nil, fmt.Errorf("rendering jsonl export: %w", err)
			}
		}

	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidFilter, format)
	}
	return buf.Bytes(), nil
}

func writeCSV(buf *bytes.Buffer, entries []Entry, includeHashes bool) error {
	cw := csv.NewWriter(buf)

	header := CSVColumns
	if includeHashes {
		header = append(append([]string{}, CSVColumns...), csvHashColumns...)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for i := range entries {
		e := &entries[i]
		row := []string{
			strconv.FormatInt(e.Sequence, 10),
			FormatTime(e.CreatedAt),
			csvCell(e.Actor.Label()),
			csvCell(e.Action),
			string(e.Category),
			string(e.Severity),
			csvCell(e.EntityType),
			csvCell(e.EntityID),
			e.Context.IPAddress,
		}
		if includeHashes {
			row = append(row, e.Digest, e.PreviousDigest)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvCell neutralises spreadsheet formula injection in caller-supplied
// text.
func csvCell(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

func stripHashes(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Digest, e.PreviousDigest = "", ""
		out[i] = e
	}
	return out
}

func exportFilename(f Filter, format Format, now time.Time) string {
	from, to := "all", "now"
	if !f.From.IsZero() {
		from = f.From.UTC().Format("20060102")
	}
	if !f.To.IsZero() {
		to = f.To.UTC().Format("20060102")
	}
	return fmt.Sprintf("audit_export_%s_%s_%s.%s", from, to, now.UTC().Format("20060102T150405Z"), format)
}
