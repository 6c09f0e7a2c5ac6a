package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

// Init installs an OTLP/gRPC meter provider. With an empty endpoint the global
// no-op provider is left in place.
func Init(ctx context.Context, endpoint, serviceName string) (Shutdown, error) {
	if endpoint == "" {
		slog.Info("metrics export disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	slog.Info("metrics export enabled", "endpoint", endpoint, "service", serviceName)
	return mp.Shutdown, nil
}

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	joins         metric.Int64Counter
	heartbeats    metric.Int64Counter
	expirations   metric.Int64Counter
	alerts        metric.Int64Counter
	notifications metric.Int64Counter
	errors        metric.Int64Counter
}

func NewMetrics(meter metric.Meter) *Metrics {
	joins, _ := meter.Int64Counter("presence_joins_total",
		metric.WithDescription("Total group joins"))
	heartbeats, _ := meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Total heartbeats received"))
	expirations, _ := meter.Int64Counter("presence_expirations_total",
		metric.WithDescription("Identities marked offline by heartbeat expiry or grace timeout"))
	alerts, _ := meter.Int64Counter("proximity_alerts_total",
		metric.WithDescription("Distance alerts emitted"))
	notifications, _ := meter.Int64Counter("notifications_created_total",
		metric.WithDescription("Persisted notifications by kind"))
	errors, _ := meter.Int64Counter("operation_errors_total",
		metric.WithDescription("Events rejected with operationError"))

	return &Metrics{
		joins:         joins,
		heartbeats:    heartbeats,
		expirations:   expirations,
		alerts:        alerts,
		notifications: notifications,
		errors:        errors,
	}
}

func (m *Metrics) Join(ctx context.Context) {
	if m != nil {
		m.joins.Add(ctx, 1)
	}
}

func (m *Metrics) Heartbeat(ctx context.Context) {
	if m != nil {
		m.heartbeats.Add(ctx, 1)
	}
}

func (m *Metrics) Expired(ctx context.Context, reason string) {
	if m != nil {
		m.expirations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) Alert(ctx context.Context) {
	if m != nil {
		m.alerts.Add(ctx, 1)
	}
}

func (m *Metrics) Notification(ctx context.Context, kind string) {
	if m != nil {
		m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Metrics) OperationError(ctx context.Context, event, code string) {
	if m != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("code", code),
		))
	}
}
