package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeExporter struct {
	mu       sync.Mutex
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func TestInitExportsWithResourceAttributes(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("DBGTEST_ENV", "CI")

	fake := &fakeExporter{}
	var gotEndpoint string
	provider, err := Init(context.Background(), Options{
		Version: "v1.2.3-test",
		Exporter: func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
			gotEndpoint = endpoint
			return fake, nil
		},
	})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if !provider.Enabled() || provider.Endpoint() != "http://collector:4318" {
		t.Fatalf("provider enabled=%v endpoint=%q", provider.Enabled(), provider.Endpoint())
	}
	if gotEndpoint != "http://collector:4318" {
		t.Fatalf("exporter endpoint = %q", gotEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "suite.run")
	span.End()

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !fake.shutdown {
		t.Fatal("exporter was not shut down")
	}
	if len(fake.exported) == 0 {
		t.Fatal("no spans exported")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "ci")
}

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	called := false
	provider, err := Init(context.Background(), Options{
		Endpoint: "   ",
		Exporter: func(context.Context, string) (sdktrace.SpanExporter, error) {
			called = true
			return &fakeExporter{}, nil
		},
	})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if provider.Enabled() || called {
		t.Fatalf("tracing should be disabled (enabled=%v exporter built=%v)", provider.Enabled(), called)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown disabled provider: %v", err)
	}

	var nilProvider *Provider
	if nilProvider.Enabled() || nilProvider.Endpoint() != "" || nilProvider.Shutdown(context.Background()) != nil {
		t.Fatal("nil provider must be inert")
	}
}

func TestConfiguredEndpointWinsOverEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")

	if got := resolveEndpoint(" http://config:4318 "); got != "http://config:4318" {
		t.Fatalf("endpoint = %q, want configured value", got)
	}
	if got := resolveEndpoint(""); got != "http://env:4318" {
		t.Fatalf("endpoint = %q, want environment value", got)
	}
}

func TestInitFallsBackToConsoleOnExporterError(t *testing.T) {
	var logs, console bytes.Buffer
	provider, err := Init(context.Background(), Options{
		Endpoint: "http://collector:4318",
		Logger:   log.New(&logs),
		Console:  &console,
		Exporter: func(context.Context, string) (sdktrace.SpanExporter, error) {
			return nil, errors.New("dial failed")
		},
	})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if !strings.Contains(logs.String(), "dial failed") {
		t.Fatalf("fallback not logged: %q", logs.String())
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "test.run")
	span.SetAttributes(attribute.String("test", "MemoryReadWrite"))
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(console.String(), "[SPAN] test.run") {
		t.Fatalf("console output = %q", console.String())
	}
}

func TestConsoleExporterWritesTaggedSpanLines(t *testing.T) {
	var out strings.Builder
	exporter := &consoleExporter{out: &out}
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("telemetry-test").Start(context.Background(), "test.run")
	span.SetAttributes(
		attribute.String("test", "Breakpoint"),
		attribute.String("target", "spike64"),
		attribute.String("log_path", "logs/ignored.log"),
	)
	span.AddEvent("session.timeout")
	span.SetStatus(codes.Error, "timeout")
	span.End()

	if err := exporter.ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("export: %v", err)
	}
	text := out.String()
	for _, want := range []string{"[SPAN] test.run", "test=Breakpoint", "target=spike64", "Error", "  [EVENT] session.timeout"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "log_path") {
		t.Fatalf("output should omit unlisted attributes:\n%s", text)
	}
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("DBGTEST_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "")

	if got := resolveEnvironment(); got != DefaultEnvironment {
		t.Fatalf("environment = %q, want %q", got, DefaultEnvironment)
	}

	t.Setenv("ENVIRONMENT", "Staging")
	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}
