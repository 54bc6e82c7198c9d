package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/factoryos/auditledger/internal/audit"
)

// dialect captures the few places SQLite and PostgreSQL differ: bind
// placeholders and how created_at is stored (fixed-width TEXT vs
// TIMESTAMPTZ).
type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// entryColumns is the select list shared by both backends. scanEntry reads
// columns in this order.
const entryColumns = `sequence_id, tenant_id, actor_user_id, actor_username, action, category,
	severity, entity_type, entity_id, before_state, after_state, ip_address, user_agent,
	device, session_id, request_id, metadata, digest, previous_digest, signature, created_at`

// builder accumulates a WHERE clause and its bind arguments.
type builder struct {
	d     dialect
	where []string
	args  []any
}

func newBuilder(d dialect) *builder {
	return &builder{d: d}
}

// arg binds v and returns its placeholder.
func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	if b.d == postgresDialect {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func (b *builder) timeArg(t time.Time) string {
	if b.d == postgresDialect {
		return b.arg(t.UTC())
	}
	return b.arg(audit.FormatTime(t))
}

func (b *builder) cond(format string, args ...any) {
	b.where = append(b.where, fmt.Sprintf(format, args...))
}

func (b *builder) eq(column, value string) {
	if value != "" {
		b.cond("%s = %s", column, b.arg(value))
	}
}

// filter translates an audit.Filter into conditions.
func (b *builder) filter(f audit.Filter) {
	b.eq("tenant_id", f.TenantID)
	b.eq("actor_user_id", f.UserID)
	b.eq("actor_username", f.Username)
	b.eq("category", string(f.Category))
	b.eq("severity", string(f.Severity))
	b.eq("action", f.Action)
	b.eq("entity_type", f.EntityType)
	b.eq("entity_id", f.EntityID)

	if !f.From.IsZero() {
		b.cond("created_at >= %s", b.timeArg(f.From))
	}
	if !f.To.IsZero() {
		b.cond("created_at <= %s", b.timeArg(f.To))
	}
	if !f.OlderThan.IsZero() {
		b.cond("created_at < %s", b.timeArg(f.OlderThan))
	}
	if f.AfterSequence > 0 {
		b.cond("sequence_id > %s", b.arg(f.AfterSequence))
	}
	if f.UpToSequence > 0 {
		b.cond("sequence_id <= %s", b.arg(f.UpToSequence))
	}

	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		var ors []string
		for _, col := range []string{"action", "actor_username", "entity_type", "entity_id", "metadata"} {
			ors = append(ors, fmt.Sprintf(`LOWER(COALESCE(%s, '')) LIKE %s ESCAPE '\'`, col, b.arg(pattern)))
		}
		b.where = append(b.where, "("+strings.Join(ors, " OR ")+")")
	}
}

func (b *builder) whereClause() string {
	if len(b.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.where, " AND ")
}

// orderBy renders the ORDER BY clause for w. Ties are broken by sequence in
// the same direction.
func orderBy(w audit.Window) string {
	dir := "ASC"
	if w.Descending {
		dir = "DESC"
	}
	var col string
	switch w.Sort {
	case audit.SortSeverity:
		col = severityRankExpr
	case audit.SortAction:
		col = "action"
	case audit.SortSequence:
		return " ORDER BY sequence_id " + dir
	default:
		col = "created_at"
	}
	return fmt.Sprintf(" ORDER BY %s %s, sequence_id %s", col, dir, dir)
}

// severityRankExpr orders severities by rank rather than by name.
var severityRankExpr = func() string {
	var sb strings.Builder
	sb.WriteString("CASE severity")
	for i, s := range audit.Severities {
		fmt.Fprintf(&sb, " WHEN '%s' THEN %d", s, i)
	}
	sb.WriteString(" ELSE -1 END")
	return sb.String()
}()

func (b *builder) limit(w audit.Window) string {
	return fmt.Sprintf(" LIMIT %s OFFSET %s", b.arg(w.Limit), b.arg(w.Offset))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one row selected with entryColumns.
func scanEntry(row rowScanner) (*audit.Entry, error) {
	var e audit.Entry
	var tenant, userID, username, entityType, entityID *string
	var ip, ua, device, session, request, metadata *string
	var created any
	err := row.Scan(
		&e.Sequence, &tenant, &userID, &username, &e.Action, &e.Category,
		&e.Severity, &entityType, &entityID, &e.Before, &e.After, &ip, &ua,
		&device, &session, &request, &metadata, &e.Digest, &e.PreviousDigest,
		&e.Signature, &created,
	)
	if err != nil {
		return nil, err
	}

	e.TenantID = deref(tenant)
	if userID != nil || username != nil {
		e.Actor = &audit.Actor{UserID: deref(userID), Username: deref(username)}
	}
	e.EntityType = deref(entityType)
	e.EntityID = deref(entityID)
	e.Context = audit.RequestContext{
		IPAddress: deref(ip),
		UserAgent: deref(ua),
		Device:    deref(device),
		SessionID: deref(session),
		RequestID: deref(request),
	}
	e.Before, e.After, e.Signature = nonEmpty(e.Before), nonEmpty(e.After), nonEmpty(e.Signature)

	if metadata != nil {
		if e.Metadata, err = audit.DecodeMetadata([]byte(*metadata)); err != nil {
			return nil, fmt.Errorf("decoding metadata of entry %d: %w", e.Sequence, err)
		}
	}
	if e.CreatedAt, err = scanTime(created); err != nil {
		return nil, fmt.Errorf("entry %d: %w", e.Sequence, err)
	}
	return &e, nil
}

// scanTime accepts created_at as stored by either backend.
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return audit.ParseTime(t)
	case []byte:
		return audit.ParseTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected created_at type %T", v)
	}
}

// entryArgs returns the insert arguments in entryColumns order.
func entryArgs(d dialect, seq int64, e *audit.Entry) ([]any, error) {
	meta, err := audit.EncodeMetadata(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	var metaText *string
	if meta != nil {
		s := string(meta)
		metaText = &s
	}

	var userID, username *string
	if e.Actor != nil {
		userID, username = nullable(e.Actor.UserID), nullable(e.Actor.Username)
	}

	var created any = audit.FormatTime(e.CreatedAt)
	if d == postgresDialect {
		created = e.CreatedAt.UTC()
	}

	return []any{
		seq, nullable(e.TenantID), userID, username, e.Action, string(e.Category),
		string(e.Severity), nullable(e.EntityType), nullable(e.EntityID),
		nonEmpty(e.Before), nonEmpty(e.After), nullable(e.Context.IPAddress),
		nullable(e.Context.UserAgent), nullable(e.Context.Device),
		nullable(e.Context.SessionID), nullable(e.Context.RequestID), metaText,
		e.Digest, e.PreviousDigest, nonEmpty(e.Signature), created,
	}, nil
}

// placeholders renders n bind markers starting at position 1.
func placeholders(d dialect, n int) string {
	marks := make([]string, n)
	for i := range marks {
		if d == postgresDialect {
			marks[i] = "$" + strconv.Itoa(i+1)
		} else {
			marks[i] = "?"
		}
	}
	return strings.Join(marks, ", ")
}

// mergeLinks merges entries and tombstones (each ascending) into at most
// limit chain positions.
func mergeLinks(entries []audit.Entry, tombstones []audit.Tombstone, limit int) []audit.Link {
	links := make([]audit.Link, 0, min(limit, len(entries)+len(tombstones)))
	i, j := 0, 0
	for len(links) < limit && (i < len(entries) || j < len(tombstones)) {
		if j >= len(tombstones) || (i < len(entries) && entries[i].Sequence < tombstones[j].Sequence) {
			links = append(links, audit.Link{Sequence: entries[i].Sequence, Entry: &entries[i]})
			i++
		} else {
			links = append(links, audit.Link{Sequence: tombstones[j].Sequence, Tombstone: &tombstones[j]})
			j++
		}
	}
	return links
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
