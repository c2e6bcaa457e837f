package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oidc-server"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer scope
	scopePrefix = "github.com/giantswarm/oidc-server/"
)

// Metric exporter names accepted by Config.MetricsExporter
const (
	MetricsExporterNone       = "none"
	MetricsExporterPrometheus = "prometheus"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName defaults to DefaultServiceName
	ServiceName    string
	ServiceVersion string

	// Enabled selects SDK providers. When false every meter and tracer is a noop.
	Enabled bool

	// MetricsExporter is MetricsExporterNone or MetricsExporterPrometheus.
	// With "none" metrics are only visible through MetricReader.
	MetricsExporter string

	// PrometheusRegisterer receives the exporter's collector.
	// Default: prometheus.DefaultRegisterer
	PrometheusRegisterer promclient.Registerer

	// MetricReader is attached in addition to the exporter. Tests pass an
	// sdkmetric.ManualReader here.
	MetricReader sdkmetric.Reader

	// LogClientIPs allows client addresses on spans and audit metrics.
	// Off by default since an IP may be personal data.
	LogClientIPs bool

	// Resource overrides the service.name/service.version resource
	Resource *resource.Resource
}

// Instrumentation owns the meter and tracer providers for one process
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// appended only during New
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates the providers selected by config and registers every metric
// instrument. A disabled instance is still fully usable.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = MetricsExporterNone
	}

	res, err := buildResource(config)
	if err != nil {
		return nil, err
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("initializing providers: %w", err)
		}
	}

	if inst.metrics, err = newMetrics(inst); err != nil {
		_ = inst.Shutdown(context.Background())
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	return inst, nil
}

func buildResource(config Config) (*resource.Resource, error) {
	if config.Resource != nil {
		return config.Resource, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	return res, nil
}

// initializeProviders builds SDK meter and tracer providers. Spans are
// recorded so that trace and span IDs exist for log correlation; no span
// exporter is attached.
func (i *Instrumentation) initializeProviders() error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricsExporter {
	case MetricsExporterPrometheus:
		reg := i.config.PrometheusRegisterer
		if reg == nil {
			reg = promclient.DefaultRegisterer
		}
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("creating prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	case MetricsExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.MetricReader != nil {
		opts = append(opts, sdkmetric.WithReader(i.config.MetricReader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))

	i.meterProvider, i.tracerProvider = mp, tp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown, tp.Shutdown)

	return nil
}

// Shutdown flushes and stops the SDK providers. Only the first call does work.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
	})
	return errors.Join(errs...)
}

// Meter returns the meter for a layer scope such as "http", "server" or
// "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns the tracer for a layer scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks observes the storage gauges on every
// collection. Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	accessTokensCount, refreshTokensCount, codesCount, clientsCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if accessTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageAccessTokensCount, accessTokensCount())
			}
			if refreshTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokensCount, refreshTokensCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			return nil
		},
		i.metrics.StorageAccessTokensCount,
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageClientsCount,
	)

	return err
}
