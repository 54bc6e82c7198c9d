package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer resolves the global provider on every span so that a provider
// installed after package init (or replaced in tests) takes effect.
var tracer = globalTracer{name: "github.com/factoryos/auditledger/internal/audit"}

type globalTracer struct{ name string }

func (g globalTracer) Start(ctx context.Context, span string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(g.name).Start(ctx, span, opts...)
}

// Observer receives notifications about ledger activity. Implementations
// must be safe for concurrent use and must not block.
type Observer interface {
	EntryAppended(e *Entry, elapsed time.Duration)
	AppendFailed(err error)
	VerificationCompleted(r *IntegrityReport)
	RetentionApplied(r *RetentionResult)
	ExportCompleted(format Format, records int)
}

type nopObserver struct{}

func (nopObserver) EntryAppended(*Entry, time.Duration) {}
func (nopObserver) AppendFailed(error) {}
func (nopObserver) VerificationCompleted(*IntegrityReport) {}
func (nopObserver) RetentionApplied(*RetentionResult) {}
func (nopObserver) ExportCompleted(Format, int) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
