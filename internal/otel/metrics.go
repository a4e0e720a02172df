package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all runtime metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	ReplyDuration   metric.Float64Histogram
	ReplyFailures   metric.Int64Counter
	GateRaises      metric.Int64Counter
	EventsRecorded  metric.Int64Counter
	EventsDelivered metric.Int64Counter
	FlushFailures   metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("reflectchat.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplyDuration, err = meter.Float64Histogram("reflectchat.reply.duration",
		metric.WithDescription("Reply upstream call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplyFailures, err = meter.Int64Counter("reflectchat.reply.failures",
		metric.WithDescription("Reply calls that ended in a synthesized reply"),
	)
	if err != nil {
		return nil, err
	}

	m.GateRaises, err = meter.Int64Counter("reflectchat.gate.raises",
		metric.WithDescription("Annotation gate raise transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRecorded, err = meter.Int64Counter("reflectchat.events.recorded",
		metric.WithDescription("Entries appended to the local event queue"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDelivered, err = meter.Int64Counter("reflectchat.events.delivered",
		metric.WithDescription("Entries acknowledged by the collector"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushFailures, err = meter.Int64Counter("reflectchat.flush.failures",
		metric.WithDescription("Flush attempts stopped by a failed batch"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("reflectchat.queue.depth",
		metric.WithDescription("Locally queued entries awaiting delivery"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
