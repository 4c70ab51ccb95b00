package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the service's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	IngestRuns          metric.Int64Counter
	AnswerFallbacks     metric.Int64Counter
	RetrieveHits        metric.Int64Counter
	AnswerDuration      metric.Float64Histogram
	BreakerStateChanges metric.Int64Counter
}

func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	ingestRuns, err := meter.Int64Counter(
		"mirror.ingest.runs",
		metric.WithDescription("Ingestion runs by terminal state"),
	)
	if err != nil {
		return nil, err
	}

	answerFallbacks, err := meter.Int64Counter(
		"mirror.answer.fallbacks",
		metric.WithDescription("Answers replaced by the fallback text"),
	)
	if err != nil {
		return nil, err
	}

	retrieveHits, err := meter.Int64Counter(
		"mirror.retrieve.hits",
		metric.WithDescription("Passages returned by retrieval"),
	)
	if err != nil {
		return nil, err
	}

	answerDuration, err := meter.Float64Histogram(
		"mirror.answer.duration",
		metric.WithDescription("End-to-end answer latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	breakerChanges, err := meter.Int64Counter(
		"mirror.breaker.state_changes",
		metric.WithDescription("Model circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		IngestRuns:          ingestRuns,
		AnswerFallbacks:     answerFallbacks,
		RetrieveHits:        retrieveHits,
		AnswerDuration:      answerDuration,
		BreakerStateChanges: breakerChanges,
	}, nil
}

func (m *Metrics) RecordIngest(ctx context.Context, sourceType, state string) {
	if m == nil {
		return
	}
	m.IngestRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source_type", sourceType),
		attribute.String("state", state),
	))
}

func (m *Metrics) RecordAnswer(ctx context.Context, took time.Duration, fallback bool) {
	if m == nil {
		return
	}
	m.AnswerDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.Bool("fallback", fallback)))
	if fallback {
		m.AnswerFallbacks.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRetrieve(ctx context.Context, hits int) {
	if m == nil {
		return
	}
	m.RetrieveHits.Add(ctx, int64(hits))
}

func (m *Metrics) RecordBreakerState(name, state string) {
	if m == nil {
		return
	}
	m.BreakerStateChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("state", state),
	))
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
