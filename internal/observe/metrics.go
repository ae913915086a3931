// Package observe holds the OpenTelemetry instruments recorded by the chat
// core and the HTTP layer, plus the Prometheus bridge that exposes them.
package observe

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/zhouzirui/promptdeck/backend"

// Round-trip outcomes recorded on the roundtrips counter.
const (
	OutcomeResolved      = "resolved"
	OutcomeFailed        = "failed"
	OutcomePersistFailed = "persist_failed"
	OutcomeStale         = "stale"
)

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds every instrument the service records.
type Metrics struct {
	RoundTrips          metric.Int64Counter
	GatewayDuration     metric.Float64Histogram
	Placeholders        metric.Int64Counter
	OpenConversations   metric.Int64UpDownCounter
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RoundTrips, err = m.Int64Counter("promptdeck.roundtrips",
		metric.WithDescription("Chat round-trips by outcome."),
	); err != nil {
		return nil, err
	}
	if met.GatewayDuration, err = m.Float64Histogram("promptdeck.gateway.duration",
		metric.WithDescription("Latency of completion gateway calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Placeholders, err = m.Int64Counter("promptdeck.placeholders",
		metric.WithDescription("Pending reply placeholders shown."),
	); err != nil {
		return nil, err
	}
	if met.OpenConversations, err = m.Int64UpDownCounter("promptdeck.conversations.open",
		metric.WithDescription("Conversation views currently open."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("promptdeck.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Nop returns instruments that record nothing.
func Nop() *Metrics {
	met, _ := NewMetrics(noop.NewMeterProvider())
	return met
}

// RecordRoundTrip counts one finished round-trip.
func (m *Metrics) RecordRoundTrip(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.RoundTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGateway records the latency of one gateway call.
func (m *Metrics) RecordGateway(ctx context.Context, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.GatewayDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("error", failed)))
}

// RecordPlaceholder counts a shown placeholder.
func (m *Metrics) RecordPlaceholder(ctx context.Context) {
	if m == nil {
		return
	}
	m.Placeholders.Add(ctx, 1)
}

// ConversationOpened adjusts the open conversation gauge by delta.
func (m *Metrics) ConversationOpened(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.OpenConversations.Add(ctx, delta)
}

// RecordHTTPRequest records the latency of one served request. route is the
// matched pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// Provider bundles an SDK meter provider with its scrape handler.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Handler       http.Handler
}

// NewPrometheusProvider wires an SDK meter provider to the default Prometheus
// registry and returns the /metrics handler.
func NewPrometheusProvider() (*Provider, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{MeterProvider: mp, Handler: promhttp.Handler()}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}
