// Package observe records kaiwa metrics through the OpenTelemetry metrics
// API. InitProvider bridges them to a Prometheus registry served at
// /metrics; tests build Metrics over their own MeterProvider.
package observe

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/windfall/kaiwa/internal/errors"
)

const meterName = "github.com/windfall/kaiwa"

// Metrics holds the metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	// AIRequests counts AI service calls by op and outcome.
	AIRequests metric.Int64Counter

	// AIDuration tracks AI service call latency by op.
	AIDuration metric.Float64Histogram

	// SpeechCache counts speech cache lookups by tier and result.
	SpeechCache metric.Int64Counter

	// Turns counts appended turns by role.
	Turns metric.Int64Counter

	// ActiveSessions tracks live websocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request handling time by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AIRequests, err = m.Int64Counter("kaiwa.ai.requests",
		metric.WithDescription("AI service calls by operation and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AIDuration, err = m.Float64Histogram("kaiwa.ai.duration",
		metric.WithDescription("Latency of AI service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechCache, err = m.Int64Counter("kaiwa.speech.cache",
		metric.WithDescription("Speech cache lookups by tier and result."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("kaiwa.turns",
		metric.WithDescription("Conversation turns appended, by role."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("kaiwa.sessions.active",
		metric.WithDescription("Live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("kaiwa.http.request.duration",
		metric.WithDescription("HTTP request handling time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns Metrics built on the global MeterProvider.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

// Outcome names the result of a call for the outcome attribute: "ok", or
// the lower-cased error code.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(apperrors.CodeOf(err)))
}

// RecordAICall records one AI service call that started at start.
func (m *Metrics) RecordAICall(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.AIRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", Outcome(err)),
	))
	m.AIDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
	))
}

// RecordCache records a speech cache lookup.
func (m *Metrics) RecordCache(ctx context.Context, tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SpeechCache.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordTurn records an appended turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// SessionStarted and SessionEnded track live sessions.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// RecordHTTP records one handled HTTP request.
func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
