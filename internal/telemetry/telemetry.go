// Package telemetry installs the global OpenTelemetry tracer provider that
// the runner, process and session spans report to.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ServiceName        = "dbgtest"
	DefaultEnvironment = "dev"
	BatchTimeout       = 5 * time.Second
	BatchSize          = 512
)

// ExporterFunc builds the span exporter for endpoint.
type ExporterFunc func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error)

// Options configures Init. The zero value reads the endpoint from
// OTEL_EXPORTER_OTLP_ENDPOINT and exports over OTLP/HTTP.
type Options struct {
	// Endpoint wins over OTEL_EXPORTER_OTLP_ENDPOINT when set.
	Endpoint string
	Version  string
	Logger   *log.Logger
	// Console receives span lines when the OTLP exporter cannot be built.
	Console  io.Writer
	Exporter ExporterFunc
}

// Provider owns the installed tracer provider. A nil or disabled Provider is
// safe to shut down.
type Provider struct {
	tp       *sdktrace.TracerProvider
	endpoint string
}

// Init installs a batching tracer provider exporting to the resolved
// endpoint. With no endpoint it installs nothing and spans stay no-ops. An
// exporter that cannot be built degrades to console output instead of
// failing the run.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	endpoint := resolveEndpoint(opts.Endpoint)
	if endpoint == "" {
		return &Provider{}, nil
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Exporter == nil {
		opts.Exporter = otlpExporter
	}

	exporter, err := opts.Exporter(ctx, endpoint)
	if err != nil {
		opts.Logger.Warn("OTLP exporter unavailable, writing spans to console", "endpoint", endpoint, "error", err)
		exporter = &consoleExporter{out: opts.Console}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", orDefault(opts.Version, "dev")),
			attribute.String("environment", resolveEnvironment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(tp)
	opts.Logger.Debug("tracing enabled", "endpoint", endpoint)
	return &Provider{tp: tp, endpoint: endpoint}, nil
}

// Enabled reports whether spans are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Endpoint returns the collector address spans go to, empty when disabled.
func (p *Provider) Endpoint() string {
	if p == nil {
		return ""
	}
	return p.endpoint
}

// Shutdown flushes pending spans, bounded by BatchTimeout.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, BatchTimeout)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("flush spans to %s: %w", p.endpoint, err)
	}
	return nil
}

func otlpExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")); certPath != "" {
		tlsConfig, err := tlsConfigFromCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func resolveEnvironment() string {
	for _, key := range []string{"DBGTEST_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func orDefault(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// consoleExporter prints one line per span, tagged with the attributes that
// identify the test, then one line per span event.
type consoleExporter struct {
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		line := fmt.Sprintf("[SPAN] %s %s %v", span.Name(), span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		for _, attr := range span.Attributes() {
			switch attr.Key {
			case "target", "test", "outcome", "session", "process.name":
				line += fmt.Sprintf(" %s=%s", attr.Key, attr.Value.Emit())
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [EVENT] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error {
	return nil
}
