package audit

import (
	"context"
	"fmt"
	"time"
)

const (
	// MaxPageSize bounds a single query page.
	MaxPageSize = 500

	// DefaultPageSize is used when a query does not set one.
	DefaultPageSize = 50

	// scanPageSize is the page size for internal keyset scans (export,
	// retention).
	scanPageSize = 1000
)

// Filter selects entries. Zero values mean "no constraint". From and To are
// inclusive bounds on created_at.
type Filter struct {
	TenantID   string    `json:"tenant_id,omitempty" validate:"max=128"`
	UserID     string    `json:"user_id,omitempty" validate:"max=128"`
	Username   string    `json:"username,omitempty" validate:"max=256"`
	Category   Category  `json:"category,omitempty" validate:"omitempty,category"`
	Severity   Severity  `json:"severity,omitempty" validate:"omitempty,severity"`
	Action     string    `json:"action,omitempty" validate:"max=128"`
	EntityType string    `json:"entity_type,omitempty" validate:"max=128"`
	EntityID   string    `json:"entity_id,omitempty" validate:"max=256,excluded_without=EntityType"`
	Search     string    `json:"search,omitempty" validate:"max=256"`
	From       time.Time `json:"from,omitempty"`
	To         time.Time `json:"to,omitempty"`

	// OlderThan is an exclusive upper bound on created_at, used by
	// retention cutoffs.
	OlderThan time.Time `json:"-"`
	// AfterSequence and UpToSequence bound keyset scans.
	AfterSequence int64 `json:"-"`
	UpToSequence  int64 `json:"-"`
}

func (f *Filter) validate() error {
	if err := validateStruct(f, ErrInvalidFilter); err != nil {
		return err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fmt.Errorf("%w: to (%s) is before from (%s)", ErrInvalidFilter,
			FormatTime(f.To), FormatTime(f.From))
	}
	return nil
}

// SortOrder is asc or desc.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// Query is a filtered, paginated, sorted read. Either Page or Offset
// positions the window; Offset wins when set.
type Query struct {
	Filter   `json:"filter"`
	Page     int       `json:"page,omitempty" validate:"min=0"`
	PageSize int       `json:"page_size,omitempty" validate:"min=0,max=500"`
	Offset   *int      `json:"offset,omitempty" validate:"omitempty,min=0"`
	Sort     SortField `json:"sort,omitempty" validate:"omitempty,oneof=created_at severity action"`
	Order    SortOrder `json:"order,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Page is one page of query results.
type Page struct {
	Entries    []Entry `json:"entries"`
	Total      int64   `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int     `json:"total_pages"`
}

// QueryEngine serves read-only queries. It never takes the writer's lock.
type QueryEngine struct {
	store       Store
	maxPageSize int
}

// NewQueryEngine creates a query engine. maxPageSize <= 0 or above
// MaxPageSize falls back to MaxPageSize.
func NewQueryEngine(store Store, maxPageSize int) *QueryEngine {
	if maxPageSize <= 0 || maxPageSize > MaxPageSize {
		maxPageSize = MaxPageSize
	}
	return &QueryEngine{store: store, maxPageSize: maxPageSize}
}

// Query validates q and returns the requested page. Invalid input is
// rejected with ErrInvalidFilter before the store is touched.
func (qe *QueryEngine) Query(ctx context.Context, q Query) (*Page, error) {
	if err := validateStruct(&q, ErrInvalidFilter); err != nil {
		return nil, err
	}
	if err := q.Filter.validate(); err != nil {
		return nil, err
	}

	size := q.PageSize
	if size == 0 {
		size = min(DefaultPageSize, qe.maxPageSize)
	}
	if size > qe.maxPageSize {
		return nil, fmt.Errorf("%w: page_size %d exceeds maximum %d", ErrInvalidFilter, size, qe.maxPageSize)
	}

	page := q.Page
	if page == 0 {
		page = 1
	}
	offset := (page - 1) * size
	if q.Offset != nil {
		offset = *q.Offset
		page = offset/size + 1
	}

	w := Window{
		Offset:     offset,
		Limit:      size,
		Sort:       q.Sort,
		Descending: q.Order != Ascending,
	}
	if w.Sort == "" {
		w.Sort = SortCreatedAt
	}

	entries, total, err := qe.store.Find(ctx, q.Filter, w)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}

	return &Page{
		Entries:    entries,
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

// Get returns a single entry by sequence.
func (qe *QueryEngine) Get(ctx context.Context, seq int64) (*Entry, error) {
	if seq < 1 {
		return nil, fmt.Errorf("%w: sequence_id must be positive", ErrInvalidFilter)
	}
	return qe.store.Get(ctx, seq)
}

// Count returns the number of entries matching f.
func (qe *QueryEngine) Count(ctx context.Context, f Filter) (int64, error) {
	if err := f.validate(); err != nil {
		return 0, err
	}
	_, total, err := qe.store.Find(ctx, f, Window{})
	if err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return total, nil
}

// scan walks every entry matching f in ascending sequence order, pageSize
// at a time, calling fn for each page. It checks ctx between pages.
func (qe *QueryEngine) scan(ctx context.Context, f Filter, pageSize int, fn func([]Entry) error) error {
	if pageSize <= 0 {
		pageSize = scanPageSize
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, _, err := qe.store.Find(ctx, f, Window{Limit: pageSize, Sort: SortSequence})
		if err != nil {
			return fmt.Errorf("scanning entries after %d: %w", f.AfterSequence, err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := fn(entries); err != nil {
			return err
		}
		if len(entries) < pageSize {
			return nil
		}
		f.AfterSequence = entries[len(entries)-1].Sequence
	}
}
