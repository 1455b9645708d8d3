// Package observe provides the relay's metrics: OpenTelemetry instruments
// bridged to a Prometheus scrape endpoint.
//
// Tests should build their own [Metrics] with [NewMetrics] and a manual
// reader rather than rely on the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glizzus/radio-relay"

// Metrics holds every instrument the relay records. All fields are safe for
// concurrent use.
type Metrics struct {
	// ActiveSessions tracks guilds currently playing the radio.
	ActiveSessions metric.Int64UpDownCounter

	// Attempts counts playback attempts. Use with attribute:
	//   attribute.String("result", ...)
	Attempts metric.Int64Counter

	// Frames counts Opus frames handed to Discord.
	Frames metric.Int64Counter

	// DroppedFrames counts frames the converter produced that never reached
	// Discord because the attempt ended first.
	DroppedFrames metric.Int64Counter

	// GaveUp counts sessions that exhausted their retry budget.
	GaveUp metric.Int64Counter

	// ConverterFailures counts converter failures by kind. Use with attribute:
	//   attribute.String("kind", ...)
	ConverterFailures metric.Int64Counter

	// AttemptDuration tracks how long each attempt kept playing.
	AttemptDuration metric.Float64Histogram
}

var attemptBuckets = []float64{
	1, 5, 30, 60, 300, 900, 3600, 4 * 3600,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("radio.active_sessions",
		metric.WithDescription("Number of guilds currently playing the radio."),
	); err != nil {
		return nil, err
	}
	if met.Attempts, err = m.Int64Counter("radio.attempts",
		metric.WithDescription("Playback attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("radio.frames",
		metric.WithDescription("Opus frames sent to voice connections."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("radio.frames.dropped",
		metric.WithDescription("Transcoded frames discarded when an attempt ended."),
	); err != nil {
		return nil, err
	}
	if met.GaveUp, err = m.Int64Counter("radio.gave_up",
		metric.WithDescription("Sessions stopped after exhausting their reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.ConverterFailures, err = m.Int64Counter("radio.converter.failures",
		metric.WithDescription("Converter failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("radio.attempt.duration",
		metric.WithDescription("How long a playback attempt lasted."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(attemptBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics, created on first call
// from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordAttempt records the end of one playback attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, result string, seconds float64) {
	m.Attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.AttemptDuration.Record(ctx, seconds)
}

// RecordConverterFailure records a classified converter failure.
func (m *Metrics) RecordConverterFailure(ctx context.Context, kind string) {
	m.ConverterFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDropped records the frames an attempt decoded but did not send.
func (m *Metrics) RecordDropped(ctx context.Context, decoded, sent uint64) {
	if decoded > sent {
		m.DroppedFrames.Add(ctx, int64(decoded-sent))
	}
}
