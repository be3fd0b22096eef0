package hooks

import (
	"context"

	"goa.design/pipeline/telemetry"
)

// NewMetricsSubscriber returns a subscriber that counts every published event
// by type. Register it on the bus to get per-event metrics without touching
// the publishers.
func NewMetricsSubscriber(metrics telemetry.Metrics) Subscriber {
	return SubscriberFunc(func(ctx context.Context, event Event) error {
		metrics.IncCounter("pipeline.events", 1, "event:"+string(event.Type()))
		return nil
	})
}
