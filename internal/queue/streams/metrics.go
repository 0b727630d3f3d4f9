package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsConsumed    otelmetric.Int64Counter
	eventsRejected    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("errand/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"queue_events_published_total",
		otelmetric.WithDescription("Events appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_events_published_total: %v", err)
	}
	eventsConsumed, err = meter.Int64Counter(
		"queue_events_consumed_total",
		otelmetric.WithDescription("Events decoded from Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_events_consumed_total: %v", err)
	}
	eventsRejected, err = meter.Int64Counter(
		"queue_events_rejected_total",
		otelmetric.WithDescription("Stream entries dropped for envelope or schema errors"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_events_rejected_total: %v", err)
	}
}

func recordPublish(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsPublished == nil {
		return
	}
	eventsPublished.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordConsume(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsConsumed == nil {
		return
	}
	eventsConsumed.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordReject(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsRejected == nil {
		return
	}
	eventsRejected.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("reason", reason),
	))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
