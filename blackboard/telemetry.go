package blackboard

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics holds the blackboard operation counters. They use the global
// MeterProvider; configure it via otel.SetMeterProvider (typically through
// clue.ConfigureOpenTelemetry) to export them.
type metrics struct {
	writes       metric.Int64Counter
	reads        metric.Int64Counter
	deletes      metric.Int64Counter
	events       metric.Int64Counter
	lockAcquired metric.Int64Counter
	lockTimeouts metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("goa.design/cortex/blackboard")
	return &metrics{
		writes:       counter(meter, "blackboard.writes"),
		reads:        counter(meter, "blackboard.reads"),
		deletes:      counter(meter, "blackboard.deletes"),
		events:       counter(meter, "blackboard.events.published"),
		lockAcquired: counter(meter, "blackboard.locks.acquired"),
		lockTimeouts: counter(meter, "blackboard.locks.timeouts"),
	}
}

func counter(meter metric.Meter, name string) metric.Int64Counter {
	c, err := meter.Int64Counter(name)
	if err != nil {
		nc, _ := noop.Meter{}.Int64Counter(name)
		return nc
	}
	return c
}
