package telemetry

import (
	"context"
	"strings"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

func TestSetupTracingDisabled(t *testing.T) {
	for _, exporter := range []string{"", "none", " NONE "} {
		shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "skinsight-api", Exporter: exporter}, zap.NewNop())
		if err != nil {
			t.Fatalf("exporter %q: unexpected error %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("exporter %q: shutdown error %v", exporter, err)
		}
	}
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "jaeger"}, nil); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp", OTLPEndpoint: "  "}, nil); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
}

func TestSetupTracingStdout(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "skinsight-test", ServiceVersion: "dev", Exporter: "stdout", SampleRatio: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("setup stdout tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestResourceNamesTheBinary(t *testing.T) {
	res, err := newResource(TraceConfig{ServiceName: "skinsight-worker", ServiceVersion: "1.4.0"})
	if err != nil {
		t.Fatalf("new resource: %v", err)
	}
	name, ok := res.Set().Value(semconv.ServiceNameKey)
	if !ok || name.AsString() != "skinsight-worker" {
		t.Fatalf("unexpected service.name %v", name.AsString())
	}
	version, ok := res.Set().Value(semconv.ServiceVersionKey)
	if !ok || version.AsString() != "1.4.0" {
		t.Fatalf("unexpected service.version %v", version.AsString())
	}
}

func TestSamplerRatio(t *testing.T) {
	cases := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{0, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tc := range cases {
		desc := newSampler(tc.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, "root:"+tc.want) {
			t.Errorf("newSampler(%v) = %s, want a parent based %s root", tc.ratio, desc, tc.want)
		}
	}
}
