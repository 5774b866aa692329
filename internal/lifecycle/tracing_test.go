package lifecycle

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSweepRecordsSpans(t *testing.T) {
	h := newHarness(t, nil)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h.manager.tracer = provider.Tracer("lifecycle")

	sess := h.spawnWorker(t, "INT-1")
	h.manager.Sweep(context.Background())

	var sweep tracetest.SpanStub
	evals := []tracetest.SpanStub{}
	for _, span := range recorder.Ended() {
		snapshot := tracetest.SpanStubFromReadOnlySpan(span)
		switch snapshot.Name {
		case "lifecycle.sweep":
			sweep = snapshot
		case "lifecycle.evaluate":
			evals = append(evals, snapshot)
		}
	}

	if !sweep.SpanContext.IsValid() {
		t.Fatal("no sweep span recorded")
	}
	if len(evals) != 1 {
		t.Fatalf("evaluation spans = %d, want 1", len(evals))
	}

	eval := evals[0]
	if eval.Parent.SpanID() != sweep.SpanContext.SpanID() {
		t.Error("evaluation span is not a child of the sweep span")
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range eval.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["session.id"].AsString(); got != sess.ID {
		t.Errorf("session.id attribute = %q, want %q", got, sess.ID)
	}
	if got := attrs["project.id"].AsString(); got != "my-app" {
		t.Errorf("project.id attribute = %q, want %q", got, "my-app")
	}

	for _, kv := range sweep.Attributes {
		if kv.Key == "sessions.evaluated" && kv.Value.AsInt64() != 1 {
			t.Errorf("sessions.evaluated = %d, want 1", kv.Value.AsInt64())
		}
	}
}

func TestSweepSpansAreNoopByDefault(t *testing.T) {
	h := newHarness(t, nil)

	h.spawnWorker(t, "INT-1")
	// Without an OTLP endpoint the tracer is a noop; the sweep must still
	// run to completion.
	h.manager.Sweep(context.Background())

	listed, err := h.sessions.List(context.Background(), "my-app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("sessions = %d, want 1", len(listed))
	}
}
