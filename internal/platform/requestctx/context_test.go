package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger on bare context")
	}
	logger := zap.NewExample()
	if got := Logger(WithLogger(context.Background(), logger)); got != logger {
		t.Fatalf("expected stored logger")
	}
	if got := Logger(WithLogger(context.Background(), nil)); got != NoopLogger() {
		t.Fatalf("expected nil logger to fall back to noop")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", ProjectID: "agri"})
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected trace id abc, got %q", got)
	}
	info, ok := Trace(ctx)
	if !ok || info.CloudTrace() != "projects/agri/traces/abc" {
		t.Fatalf("unexpected trace info %+v", info)
	}
	if (TraceInfo{TraceID: "abc"}).CloudTrace() != "" {
		t.Fatalf("expected empty cloud trace without project")
	}
}
