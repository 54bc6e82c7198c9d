package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/factoryos/auditledger/internal/audit"
)

func TestBuilderPlaceholders(t *testing.T) {
	from := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := audit.Filter{TenantID: "acme", Category: audit.CategoryAuth, From: from, Search: "x"}

	pg := newBuilder(postgresDialect)
	pg.filter(f)
	assert.Equal(t,
		` WHERE tenant_id = $1 AND category = $2 AND created_at >= $3 AND (`+
			`LOWER(COALESCE(action, '')) LIKE $4 ESCAPE '\' OR `+
			`LOWER(COALESCE(actor_username, '')) LIKE $5 ESCAPE '\' OR `+
			`LOWER(COALESCE(entity_type, '')) LIKE $6 ESCAPE '\' OR `+
			`LOWER(COALESCE(entity_id, '')) LIKE $7 ESCAPE '\' OR `+
			`LOWER(COALESCE(metadata, '')) LIKE $8 ESCAPE '\')`,
		pg.whereClause())
	assert.Len(t, pg.args, 8)
	assert.Equal(t, from, pg.args[2])
	assert.Equal(t, " LIMIT $9 OFFSET $10", pg.limit(audit.Window{Limit: 5}))

	lite := newBuilder(sqliteDialect)
	lite.filter(f)
	assert.Len(t, lite.args, 8)
	assert.Equal(t, "2026-01-02T03:04:05.000000Z", lite.args[2], "sqlite compares fixed-width text timestamps")
	assert.NotContains(t, lite.whereClause(), "$")
}

func TestBuilderNoFilter(t *testing.T) {
	b := newBuilder(sqliteDialect)
	b.filter(audit.Filter{})
	assert.Empty(t, b.whereClause())
	assert.Empty(t, b.args)
}

func TestOrderBy(t *testing.T) {
	tests := []struct {
		w    audit.Window
		want string
	}{
		{audit.Window{}, " ORDER BY created_at ASC, sequence_id ASC"},
		{audit.Window{Sort: audit.SortCreatedAt, Descending: true}, " ORDER BY created_at DESC, sequence_id DESC"},
		{audit.Window{Sort: audit.SortAction}, " ORDER BY action ASC, sequence_id ASC"},
		{audit.Window{Sort: audit.SortSequence, Descending: true}, " ORDER BY sequence_id DESC"},
		{
			audit.Window{Sort: audit.SortSeverity, Descending: true},
			" ORDER BY CASE severity WHEN 'INFO' THEN 0 WHEN 'WARNING' THEN 1 WHEN 'CRITICAL' THEN 2 WHEN 'SECURITY' THEN 3 ELSE -1 END DESC, sequence_id DESC",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, orderBy(tt.w))
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\now`, escapeLike(`50%_off\now`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", placeholders(sqliteDialect, 3))
	assert.Equal(t, "$1, $2, $3", placeholders(postgresDialect, 3))
}

func TestMergeLinks(t *testing.T) {
	entries := []audit.Entry{{Sequence: 2}, {Sequence: 4}, {Sequence: 5}}
	tombstones := []audit.Tombstone{{Sequence: 1}, {Sequence: 3}}

	links := mergeLinks(entries, tombstones, 4)
	var got []int64
	for _, l := range links {
		got = append(got, l.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
	assert.NotNil(t, links[0].Tombstone)
	assert.NotNil(t, links[1].Entry)
	assert.Same(t, &entries[0], links[1].Entry)
}
