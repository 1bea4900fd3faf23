package otel

import (
	"context"
	"time"

	"github.com/jilio/mvi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/jilio/mvi"
)

// Observability implements mvi.Observability using OpenTelemetry
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	intentCounter        metric.Int64Counter
	intentDropped        metric.Int64Counter
	reduceCounter        metric.Int64Counter
	reduceDuration       metric.Float64Histogram
	reduceErrors         metric.Int64Counter
	commandCounter       metric.Int64Counter
	asyncCommandDuration metric.Float64Histogram
	asyncCommandErrors   metric.Int64Counter
	subscriptionExcess   metric.Int64Counter
}

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry observability implementation
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	for _, opt := range opts {
		opt(obs)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&obs.intentCounter, "mvi.intent.count", "Number of intents accepted by a channel", "{intent}"},
		{&obs.intentDropped, "mvi.intent.dropped", "Number of intents dropped before reduction", "{intent}"},
		{&obs.reduceCounter, "mvi.reduce.count", "Number of reducer invocations", "{reduction}"},
		{&obs.reduceErrors, "mvi.reduce.errors", "Number of reducer failures", "{error}"},
		{&obs.commandCounter, "mvi.command.count", "Number of commands dispatched", "{command}"},
		{&obs.asyncCommandErrors, "mvi.command.async.errors", "Number of async command handler failures", "{error}"},
		{&obs.subscriptionExcess, "mvi.subscription.excess", "Number of subscriber counts above the limit", "{event}"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = obs.meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, err
		}
	}

	obs.reduceDuration, err = obs.meter.Float64Histogram(
		"mvi.reduce.duration",
		metric.WithDescription("Reducer execution duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.asyncCommandDuration, err = obs.meter.Float64Histogram(
		"mvi.command.async.duration",
		metric.WithDescription("Async command handler duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

// OnIntentSubmitted is called when a channel accepts an intent
func (o *Observability) OnIntentSubmitted(ctx context.Context, source mvi.IntentSource, intentType string) {
	o.intentCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent.source", string(source)),
			attribute.String("intent.type", intentType),
		),
	)
}

// OnIntentDropped is called when an intent is discarded before reduction
func (o *Observability) OnIntentDropped(ctx context.Context, source mvi.IntentSource, intentType string, reason error) {
	attrs := []attribute.KeyValue{
		attribute.String("intent.source", string(source)),
		attribute.String("intent.type", intentType),
	}
	if reason != nil {
		attrs = append(attrs, attribute.String("reason", reason.Error()))
	}
	o.intentDropped.Add(ctx, 1, metric.WithAttributes(attrs...))

	// Attach to the caller's span, if any
	span := trace.SpanFromContext(ctx)
	span.AddEvent("mvi.intent.dropped", trace.WithAttributes(attrs...))
}

// OnReduceStart starts a span covering one reduction
func (o *Observability) OnReduceStart(ctx context.Context, intentType string) context.Context {
	ctx, _ = o.tracer.Start(ctx, "mvi.reduce: "+intentType,
		trace.WithAttributes(
			attribute.String("intent.type", intentType),
		),
	)

	o.reduceCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent.type", intentType),
		),
	)

	return ctx
}

// OnReduceComplete ends the reduction span
func (o *Observability) OnReduceComplete(ctx context.Context, duration time.Duration, changed bool, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Bool("state.changed", changed))

	durationMs := float64(duration.Microseconds()) / 1000
	o.reduceDuration.Record(ctx, durationMs)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		o.reduceErrors.Add(ctx, 1)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// OnCommandDispatched is called for every command expanded from a state
func (o *Observability) OnCommandDispatched(ctx context.Context, kind mvi.CommandKind) {
	o.commandCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command.kind", kind.String()),
		),
	)
}

// OnAsyncCommandComplete is called after the async command handler returned
func (o *Observability) OnAsyncCommandComplete(ctx context.Context, duration time.Duration, err error) {
	durationMs := float64(duration.Microseconds()) / 1000
	o.asyncCommandDuration.Record(ctx, durationMs)

	if err != nil {
		o.asyncCommandErrors.Add(ctx, 1)
	}
}

// OnSubscriptionExcess is called for every subscriber count above the limit
func (o *Observability) OnSubscriptionExcess(ctx context.Context, stream string, limit, count int) {
	o.subscriptionExcess.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stream", stream),
			attribute.Int("limit", limit),
			attribute.Int("count", count),
		),
	)
}

// Ensure Observability implements mvi.Observability
var _ mvi.Observability = (*Observability)(nil)
