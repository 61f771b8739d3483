// Package telemetry exports registry metrics over OTLP/HTTP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoint  string        `mapstructure:"endpoint"`   // OTLP HTTP endpoint, e.g. "http://localhost:4318"
	AuthToken string        `mapstructure:"auth_token"` // Basic auth token (base64 encoded user:pass)
	Interval  time.Duration `mapstructure:"interval"`   // export interval, 0 uses the SDK default
}

// Provider holds the initialized meter provider.
type Provider struct {
	MeterProvider *metric.MeterProvider
}

// NewProvider installs a global meter provider exporting to cfg.Endpoint.
// When telemetry is disabled the global noop provider stays in place.
// The returned shutdown function flushes pending metrics.
func NewProvider(ctx context.Context, cfg Config, serviceName, version string) (*Provider, func(context.Context), error) {
	noop := func(context.Context) {}

	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Provider{}, noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("create resource: %w", err)
	}

	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, noop, err
	}

	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, noop, fmt.Errorf("create metric exporter: %w", err)
	}

	var readerOpts []metric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, metric.WithInterval(cfg.Interval))
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exp, readerOpts...)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) {
		_ = mp.Shutdown(ctx)
	}
	return &Provider{MeterProvider: mp}, shutdown, nil
}

// exporterOptions translates the endpoint URL into OTLP/HTTP exporter options.
func exporterOptions(cfg Config) ([]otlpmetrichttp.Option, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", cfg.Endpoint)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(u.Host)}
	if base := strings.TrimSuffix(u.Path, "/"); base != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(base+"/v1/metrics"))
	}
	if u.Scheme == "http" {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if cfg.AuthToken != "" {
		opts = append(opts, otlpmetrichttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + cfg.AuthToken,
		}))
	}
	return opts, nil
}
