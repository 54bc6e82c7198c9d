package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Writer appends entries to the chain.
//
// Append's read-tail, stamp, hash, commit sequence runs under a single
// mutex, so two concurrent appends can never compute their digest from the
// same tail. The store additionally refuses a commit whose previous digest
// is stale (ErrChainConflict), which protects the chain when more than one
// process writes to the same database.
//
// Readers never take this lock.
type Writer struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	obs   Observer

	subMu  sync.RWMutex
	subs   map[int]chan Entry
	nextID int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the clock used to stamp created_at.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithObserver attaches an Observer (metrics).
func WithObserver(o Observer) WriterOption {
	return func(w *Writer) { w.obs = observerOrNop(o) }
}

// NewWriter creates a Writer over store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store: store,
		now:   time.Now,
		obs:   nopObserver{},
		subs:  make(map[int]chan Entry),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append validates req, seals it into the chain and durably commits it.
// It returns the committed entry, or an error with nothing persisted.
//
// Errors are never retried here: a retry stamps a new created_at, so the
// decision belongs to the caller. ErrChainConflict and ErrStoreUnavailable
// are safe to retry; the retry reads a fresh tail.
func (w *Writer) Append(ctx context.Context, req Request) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.Append", trace.WithAttributes(
		attribute.String("audit.action", req.Action),
		attribute.String("audit.category", string(req.Category)),
	))

	e, err := w.append(ctx, req)
	endSpan(span, err)
	return e, err
}

func (w *Writer) append(ctx context.Context, req Request) (*Entry, error) {
	e, err := req.toEntry()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := w.seal(ctx, e); err != nil {
		w.obs.AppendFailed(err)
		slog.Error("audit append failed",
			"action", e.Action, "category", e.Category, "error", err)
		return nil, err
	}
	w.obs.EntryAppended(e, time.Since(start))

	slog.Debug("audit entry committed",
		"seq", e.Sequence, "action", e.Action, "category", e.Category,
		"severity", e.Severity, "digest", e.Digest)

	w.publish(e)
	return e, nil
}

// seal is the critical section. The lock is held until Commit returns,
// whether it succeeds or fails.
func (w *Writer) seal(ctx context.Context, e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tail, err := w.store.Tail(ctx)
	if err != nil {
		return fmt.Errorf("reading chain tail: %w", err)
	}

	e.CreatedAt = w.now().UTC().Truncate(time.Microsecond)
	e.PreviousDigest = tail.Digest
	e.Digest = ComputeDigest(e, tail.Digest)

	seq, err := w.store.Commit(ctx, e)
	if err != nil {
		e.Digest, e.PreviousDigest = "", ""
		return fmt.Errorf("committing entry: %w", err)
	}
	e.Sequence = seq
	return nil
}

// Subscribe returns a channel receiving a copy of every entry committed
// after the call, and a function that cancels the subscription. A
// subscriber that falls more than buffer entries behind misses entries
// rather than stalling writers.
func (w *Writer) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	w.subMu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = ch
	w.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.subMu.Lock()
			delete(w.subs, id)
			w.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (w *Writer) publish(e *Entry) {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	for id, ch := range w.subs {
		select {
		case ch <- *e:
		default:
			slog.Warn("audit subscriber lagging, entry dropped", "subscriber", id, "seq", e.Sequence)
		}
	}
}
