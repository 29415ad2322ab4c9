package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"stakeportal/config"
)

const defaultCollector = "localhost:4318"

// exportTarget is where spans and metrics go once config and the
// OTEL_EXPORTER_OTLP_* environment are merged.
type exportTarget struct {
	endpoint string
	insecure bool
	headers  map[string]string
}

// resolveTarget merges cfg with the environment. The config file wins for
// the endpoint; headers only ever come from the environment so collector
// tokens stay out of the YAML.
func resolveTarget(cfg config.TelemetryConfig) exportTarget {
	target := exportTarget{endpoint: strings.TrimSpace(cfg.Endpoint), insecure: cfg.Insecure}
	if target.endpoint == "" {
		target.endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	target.endpoint = hostPort(target.endpoint)
	if target.endpoint == "" {
		target.endpoint = defaultCollector
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); raw != "" && !target.insecure {
		target.insecure, _ = strconv.ParseBool(raw)
	}
	target.headers = parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	return target
}

func hostPort(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}

// parseHeaders reads the key=value,key=value form of OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

// Telemetry holds the providers installed for the portal process.
type Telemetry struct {
	target    exportTarget
	shutdowns []func(context.Context) error
}

// Setup installs the W3C propagators and, when enabled in cfg, OTLP/HTTP
// trace and metric exporters tagged with service and env.
func Setup(ctx context.Context, service, env string, cfg config.TelemetryConfig) (*Telemetry, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, errors.New("telemetry: service name required")
	}
	t := &Telemetry{target: resolveTarget(cfg)}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Traces && !cfg.Metrics {
		return t, nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(service)}
	if env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	if cfg.Traces {
		if err := t.startTracing(ctx, res); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}
	if cfg.Metrics {
		if err := t.startMetrics(ctx, res); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}
	return t, nil
}

func (t *Telemetry) startTracing(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.target.endpoint)}
	if t.target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(t.target.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(t.target.headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
	)
	otel.SetTracerProvider(tp)
	t.shutdowns = append(t.shutdowns, tp.Shutdown)
	return nil
}

func (t *Telemetry) startMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(t.target.endpoint)}
	if t.target.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(t.target.headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(t.target.headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	t.shutdowns = append(t.shutdowns, mp.Shutdown)
	return nil
}

// Endpoint reports the collector address in use.
func (t *Telemetry) Endpoint() string {
	if t == nil {
		return ""
	}
	return t.target.endpoint
}

// Exporting reports whether any exporter was installed.
func (t *Telemetry) Exporting() bool { return t != nil && len(t.shutdowns) > 0 }

// Shutdown flushes and stops the exporters, newest first.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdowns[i](ctx))
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}
