package router

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type routerMetrics struct {
	messages    metric.Int64Counter
	rateLimited metric.Int64Counter
	deliveries  metric.Int64Counter
}

func newRouterMetrics(meter metric.Meter, active func() int) (*routerMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("router")
	}
	messages, err := meter.Int64Counter("loqa.router.messages", metric.WithDescription("Client messages received"))
	if err != nil {
		return nil, err
	}
	limited, err := meter.Int64Counter("loqa.router.rate_limited", metric.WithDescription("Client messages rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}
	deliveries, err := meter.Int64Counter("loqa.router.deliveries", metric.WithDescription("Session deliveries by outcome"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("loqa.router.connections", metric.WithDescription("Live connections on this node"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(active()))
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &routerMetrics{messages: messages, rateLimited: limited, deliveries: deliveries}, nil
}

func (m *routerMetrics) message(ctx context.Context, typ string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *routerMetrics) limited(ctx context.Context) {
	m.rateLimited.Add(ctx, 1)
}

func (m *routerMetrics) delivery(ctx context.Context, outcome string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
