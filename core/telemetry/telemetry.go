// Package telemetry wires OpenTelemetry tracing for the engine and the HTTP
// surfaces.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/davidahmann/portero"

type Settings struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
	Required    bool
	Timeout     time.Duration
}

// Init installs the global tracer provider. Without an endpoint spans are
// recorded but never exported.
func Init(ctx context.Context, settings Settings, logger *slog.Logger) (func(context.Context) error, error) {
	serviceName := strings.TrimSpace(settings.ServiceName)
	if serviceName == "" {
		serviceName = "portero"
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	endpoint := strings.TrimSpace(settings.Endpoint)
	if endpoint == "" {
		return install(sdktrace.NewTracerProvider(sdktrace.WithResource(res))), nil
	}
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if settings.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		if settings.Required {
			return nil, err
		}
		if logger != nil {
			logger.Warn("otel exporter disabled", slog.String("error", err.Error()))
		}
		return install(sdktrace.NewTracerProvider(sdktrace.WithResource(res))), nil
	}
	return install(sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)), nil
}

func install(provider *sdktrace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "portero"
	}
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps an HTTP client with the OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}
