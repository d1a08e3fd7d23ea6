package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global provider for
// the duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLog routes the default logger into a buffer for the duration of
// the test.
func captureLog(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestLogger_Enrichment(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name     string
		turn     string
		withSpan bool
	}{
		{name: "bare context"},
		{name: "turn only", turn: "t-1"},
		{name: "span only", withSpan: true},
		{name: "turn inside span", turn: "t-2", withSpan: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t, slog.LevelInfo)

			ctx := context.Background()
			if tt.withSpan {
				var end func()
				ctx, end = startTestSpan(ctx, "action.process")
				defer end()
			}
			if tt.turn != "" {
				ctx = WithTurn(ctx, tt.turn)
			}
			Logger(ctx).Info("turn finished")
			out := buf.String()

			cid := CorrelationID(ctx)
			if tt.withSpan {
				if cid == "" {
					t.Fatal("CorrelationID empty inside a span")
				}
				if !strings.Contains(out, "trace_id="+cid) || !strings.Contains(out, "span_id=") {
					t.Errorf("missing trace fields: %s", out)
				}
			} else if cid != "" || strings.Contains(out, "trace_id=") {
				t.Errorf("trace fields without a span (cid %q): %s", cid, out)
			}

			if tt.turn != "" && !strings.Contains(out, "turn_id="+tt.turn) {
				t.Errorf("missing turn_id=%s: %s", tt.turn, out)
			}
			if tt.turn == "" && strings.Contains(out, "turn_id=") {
				t.Errorf("unexpected turn_id: %s", out)
			}
		})
	}
}

func startTestSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := StartSpan(ctx, name)
	return ctx, func() { span.End() }
}

// A turn's classification span is a child of the turn span; both must share
// the correlation id that the HTTP layer reports.
func TestStartSpan_ChildSharesCorrelationID(t *testing.T) {
	exp := useTracer(t)

	turnCtx, endTurn := startTestSpan(context.Background(), "action.process")
	clfCtx, endClf := startTestSpan(WithTurn(turnCtx, "t-9"), "classifier.classify")
	endClf()
	endTurn()

	if CorrelationID(turnCtx) != CorrelationID(clfCtx) {
		t.Errorf("child correlation id %q != parent %q", CorrelationID(clfCtx), CorrelationID(turnCtx))
	}
	if TurnID(clfCtx) != "t-9" || TurnID(turnCtx) != "" {
		t.Errorf("turn ids = %q (child), %q (parent)", TurnID(clfCtx), TurnID(turnCtx))
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name != "classifier.classify" || parent.Name != "action.process" {
		t.Fatalf("span order = %s, %s", child.Name, parent.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("classifier span is not a child of the turn span")
	}
}
