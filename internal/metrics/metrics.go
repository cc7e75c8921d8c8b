// Package metrics records queue activity as OpenTelemetry instruments.
//
// Instruments are always created; they are only exported when an OTLP
// endpoint is configured. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/monitor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName   = "github.com/phrazzld/promised"
	serviceName = "promised"
)

// Metrics holds the queue instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	logger   *slog.Logger

	enqueued      metric.Int64Counter
	claimed       metric.Int64Counter
	retried       metric.Int64Counter
	finished      metric.Int64Counter
	notifications metric.Int64Counter
	execDuration  metric.Float64Histogram
	waitDuration  metric.Float64Histogram
}

// New creates the instruments. When cfg.OTLPEndpoint is set they are
// exported over OTLP/gRPC every cfg.Interval.
func New(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts []sdkmetric.Option
	if cfg.OTLPEndpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)))
		logger.InfoContext(ctx, "metric export enabled", "endpoint", cfg.OTLPEndpoint, "interval", interval)
	}

	return newWithOptions(logger, opts...)
}

// NewWithReader creates the instruments on a provider using reader. Tests use
// it with sdkmetric.NewManualReader.
func NewWithReader(reader sdkmetric.Reader, logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return newWithOptions(logger, sdkmetric.WithReader(reader))
}

func newWithOptions(logger *slog.Logger, opts ...sdkmetric.Option) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	opts = append(opts, sdkmetric.WithResource(res))

	provider := sdkmetric.NewMeterProvider(opts...)
	m := &Metrics{
		provider: provider,
		meter:    provider.Meter(meterName),
		logger:   logger.With("component", "metrics"),
	}
	if err := m.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return m, nil
}

func (m *Metrics) initInstruments() error {
	var err error
	if m.enqueued, err = m.meter.Int64Counter("promised.promises.enqueued",
		metric.WithDescription("Promises accepted by the queue"),
		metric.WithUnit("{promise}"),
	); err != nil {
		return err
	}
	if m.claimed, err = m.meter.Int64Counter("promised.promises.claimed",
		metric.WithDescription("Promises dispatched to a worker"),
		metric.WithUnit("{promise}"),
	); err != nil {
		return err
	}
	if m.retried, err = m.meter.Int64Counter("promised.promises.retried",
		metric.WithDescription("Promises returned to pending after a transient failure"),
		metric.WithUnit("{promise}"),
	); err != nil {
		return err
	}
	if m.finished, err = m.meter.Int64Counter("promised.promises.finished",
		metric.WithDescription("Promises that reached a terminal state"),
		metric.WithUnit("{promise}"),
	); err != nil {
		return err
	}
	if m.notifications, err = m.meter.Int64Counter("promised.notifications",
		metric.WithDescription("Result notification attempts by outcome"),
		metric.WithUnit("{notification}"),
	); err != nil {
		return err
	}
	if m.execDuration, err = m.meter.Float64Histogram("promised.execution.duration",
		metric.WithDescription("Executor run time per attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600),
	); err != nil {
		return err
	}
	m.waitDuration, err = m.meter.Float64Histogram("promised.queue.wait",
		metric.WithDescription("Time from creation to first claim"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 30, 60, 300, 600, 1800, 3600),
	)
	return err
}

// ObserveQueue registers gauges fed from the resource monitor's latest sample.
func (m *Metrics) ObserveQueue(snapshot func() monitor.Snapshot) error {
	if m == nil {
		return nil
	}
	depth, err := m.meter.Int64ObservableGauge("promised.queue.depth",
		metric.WithDescription("Promises per non-terminal status"),
		metric.WithUnit("{promise}"),
	)
	if err != nil {
		return err
	}
	heap, err := m.meter.Int64ObservableGauge("promised.process.heap",
		metric.WithDescription("Sampled heap in use"),
		metric.WithUnit("MiBy"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := snapshot()
		if snap.SampledAt.IsZero() {
			return nil
		}
		o.ObserveInt64(depth, int64(snap.Pending), metric.WithAttributes(statusAttr(domain.StatusPending)))
		o.ObserveInt64(depth, int64(snap.Running), metric.WithAttributes(statusAttr(domain.StatusRunning)))
		o.ObserveInt64(heap, int64(snap.HeapMB))
		return nil
	}, depth, heap)
	return err
}

func statusAttr(s domain.Status) attribute.KeyValue {
	return attribute.String("status", string(s))
}

func priorityAttr(p domain.Priority) attribute.KeyValue {
	return attribute.String("priority", string(p))
}

// Enqueued records an accepted promise.
func (m *Metrics) Enqueued(ctx context.Context, p domain.Priority) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(priorityAttr(p)))
}

// Claimed records a dispatch and, on the first attempt, how long the promise waited.
func (m *Metrics) Claimed(ctx context.Context, p *domain.Promise, now time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(priorityAttr(p.Priority))
	m.claimed.Add(ctx, 1, attrs)
	if p.RetryCount == 0 {
		m.waitDuration.Record(ctx, p.WaitTime(now).Seconds(), attrs)
	}
}

// Retried records a requeue after a transient failure.
func (m *Metrics) Retried(ctx context.Context, p domain.Priority) {
	if m == nil {
		return
	}
	m.retried.Add(ctx, 1, metric.WithAttributes(priorityAttr(p)))
}

// Finished records a terminal transition.
func (m *Metrics) Finished(ctx context.Context, status domain.Status) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(statusAttr(status)))
}

// Executed records the run time of one executor attempt.
func (m *Metrics) Executed(ctx context.Context, executorName string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.execDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("executor", executorName),
		attribute.String("outcome", outcome),
	))
}

// Notified records a notification outcome: "delivered", "dropped" or "deferred".
func (m *Metrics) Notified(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Shutdown flushes and stops export.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		m.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		return err
	}
	return nil
}
