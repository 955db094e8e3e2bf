package recorder

import (
	"testing"

	"calltrace/event"

	otelLog "go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

func findAttr(kvs []otelLog.KeyValue, key string) (otelLog.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return otelLog.Value{}, false
}

func TestResolveOtelEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example.test/v1/logs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://fallback.example.test")

	opts := ExportOptions{Endpoint: "  https://explicit.example.test  ", FromEnv: true}
	if got := resolveOtelEndpoint(opts); got != "https://explicit.example.test" {
		t.Fatalf("expected explicit endpoint, got %q", got)
	}

	opts = ExportOptions{FromEnv: true}
	if got := resolveOtelEndpoint(opts); got != "https://logs.example.test/v1/logs" {
		t.Fatalf("expected logs env endpoint, got %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	if got := resolveOtelEndpoint(opts); got != "https://fallback.example.test" {
		t.Fatalf("expected fallback env endpoint, got %q", got)
	}

	if got := resolveOtelEndpoint(ExportOptions{}); got != "" {
		t.Fatalf("expected empty endpoint when env fallback disabled, got %q", got)
	}
}

func TestNewOtelLoggerDisabledAndInvalid(t *testing.T) {
	o, err := newOtelLogger(ExportOptions{})
	if err != nil || o != nil {
		t.Fatalf("expected disabled exporter, got %v, %v", o, err)
	}
	// nil exporter must be safe to use
	o.Emit(event.Event{Kind: event.Call})
	o.Shutdown()

	if _, err := newOtelLogger(ExportOptions{Endpoint: "collector:4318"}); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestEventAttributesStripPaths(t *testing.T) {
	e := event.New(event.Return, "handler", "/srv/app/handler.go", 42, "/srv/app/router.go", 7, 99, 10, 11)

	kvs := eventAttributes(e, false)
	if v, ok := findAttr(kvs, string(semconv.CodeFilepathKey)); !ok || v.AsString() != "handler.go" {
		t.Fatalf("expected stripped file path, got %v", v)
	}
	if v, ok := findAttr(kvs, "code.caller"); !ok || v.AsString() != "router.go:7" {
		t.Fatalf("expected stripped caller, got %v", v)
	}
	if v, ok := findAttr(kvs, "trace.phase"); !ok || v.AsString() != "E" {
		t.Fatalf("expected phase E, got %v", v)
	}
	if v, ok := findAttr(kvs, string(semconv.ThreadIDKey)); !ok || v.AsInt64() != 11 {
		t.Fatalf("expected thread id 11, got %v", v)
	}

	kvs = eventAttributes(e, true)
	if v, _ := findAttr(kvs, string(semconv.CodeFilepathKey)); v.AsString() != "/srv/app/handler.go" {
		t.Fatalf("expected full path, got %v", v)
	}
}

func TestOtelResourceAttributes(t *testing.T) {
	res := otelResource(ExportOptions{ProcessPID: 42, ProcessName: "host", Executable: "/usr/bin/host"})
	set := res.Set()
	if v, ok := set.Value(semconv.ServiceNameKey); !ok || v.AsString() != "calltrace" {
		t.Fatalf("expected default service name, got %v", v)
	}
	if v, ok := set.Value(semconv.ProcessPIDKey); !ok || v.AsInt64() != 42 {
		t.Fatalf("expected pid 42, got %v", v)
	}
	if _, ok := set.Value(semconv.ProcessExecutablePathKey); ok {
		t.Fatal("executable path exported without IncludePaths")
	}
}
