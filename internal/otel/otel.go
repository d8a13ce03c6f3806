// Package otel wires tracing and metrics for the task runner. Every span and
// metric carries the runner's identity (service, version, default model,
// task directory, host and pid) so tasks from several runners can be told
// apart. A disabled config yields no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "github.com/basket/clawtask"
	MeterName  = "github.com/basket/clawtask"

	defaultServiceName  = "clawtask"
	defaultOTLPEndpoint = "localhost:4318"
)

// Runner identity attributes set on the resource.
var (
	AttrDefaultModel = attribute.Key("clawtask.claude.default_model")
	AttrTaskDir      = attribute.Key("clawtask.task_dir")
)

// Config is the telemetry section of config.yaml plus the identity of the
// runner reporting it.
type Config struct {
	Enabled bool
	// Exporter is "otlp-http", "stdout" or "none". "none" records spans
	// without exporting them.
	Exporter string
	// Endpoint is host:port (plain HTTP) or a full URL for otlp-http.
	Endpoint    string
	ServiceName string
	SampleRate  float64

	Version      string
	DefaultModel string
	TaskDir      string

	// Output receives spans for the stdout exporter. Defaults to os.Stderr
	// so CLI output on stdout stays clean.
	Output io.Writer
	// Readers are attached to the meter provider.
	Readers []sdkmetric.Reader
}

// Provider holds the tracer and meter handed to the rest of the runner.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Resource       *resource.Resource
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init builds the providers for cfg and installs the tracer provider
// globally. Callers must Shutdown the result to flush pending spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := runnerResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	}
	exporter, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.Readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Resource:       res,
		Tracer:         tp.Tracer(TracerName, trace.WithInstrumentationVersion(cfg.Version)),
		Meter:          mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.Version)),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func runnerResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	host, _ := os.Hostname()
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
		semconv.ServiceInstanceID(fmt.Sprintf("%s/%d", host, os.Getpid())),
	}
	if cfg.DefaultModel != "" {
		attrs = append(attrs, AttrDefaultModel.String(cfg.DefaultModel))
	}
	if cfg.TaskDir != "" {
		attrs = append(attrs, AttrTaskDir.String(cfg.TaskDir))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		if strings.Contains(endpoint, "://") {
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(out))
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}
