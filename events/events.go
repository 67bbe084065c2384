/*Package events defines the lifecycle events emitted by the registry
and the publish sinks that carry them.

Event publication is best effort: delivery failures are logged and
counted, but they never block or fail the registry operation that
produced the event. Delivery is at least once with no ordering
guarantee between events.
*/
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sensornet-io/sensornet/core/logger"
	"github.com/sensornet-io/sensornet/core/metrics"
)

// Type represents a lifecycle event type, one of created, updated,
// deleted, attached, detached.
type Type string

// all lifecycle event types
const (
	TypeCreated  Type = "created"
	TypeUpdated  Type = "updated"
	TypeDeleted  Type = "deleted"
	TypeAttached Type = "attached"
	TypeDetached Type = "detached"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = Type(s)
	switch *t {
	case TypeCreated, TypeUpdated, TypeDeleted, TypeAttached, TypeDetached:
		return nil
	default:
		return fmt.Errorf("%s is not a valid event type", s)
	}
}

// event topics
const (
	TopicNodeEvents     = "sensornet.node-events"
	TopicSensorEvents   = "sensornet.sensor-events"
	TopicSensorReadings = "sensornet.sensor-readings"
)

// NodeEvent is published to TopicNodeEvents on node lifecycle changes.
type NodeEvent struct {
	EventType       Type      `json:"event_type"`
	NodeID          uuid.UUID `json:"node_id"`
	SerialNumber    string    `json:"serial_number"`
	FirmwareVersion string    `json:"firmware_version"`
	Timestamp       time.Time `json:"timestamp"`
}

// SensorEvent is published to TopicSensorEvents on sensor lifecycle
// changes, keyed by sensor id. NodeID carries the resolved current
// attachment, if any.
type SensorEvent struct {
	EventType    Type       `json:"event_type"`
	SensorID     uuid.UUID  `json:"sensor_id"`
	SerialNumber string     `json:"serial_number"`
	Modality     string     `json:"modality"`
	NodeID       *uuid.UUID `json:"node_id"`
	Timestamp    time.Time  `json:"timestamp"`
}

// SensorReading is a measurement sample published to
// TopicSensorReadings by devices or ingest pipelines.
type SensorReading struct {
	SensorID    uuid.UUID  `json:"sensor_id"`
	NodeID      *uuid.UUID `json:"node_id"`
	ReadingType string     `json:"reading_type"`
	Value       float64    `json:"value"`
	Unit        string     `json:"unit"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Publisher is a fire-and-forget publish sink for serialized events.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Notifier fans an event out to any number of publishers on a
// non-blocking path. A nil notifier is valid and publishes nothing.
type Notifier struct {
	Publishers []Publisher
	Metrics    *metrics.Metrics
}

// NewNotifier creates a notifier for the passed publishers.
func NewNotifier(publishers ...Publisher) *Notifier {
	return &Notifier{Publishers: publishers}
}

// Notify serializes the event and hands it to all publishers in a
// separate goroutine. Failures are logged and counted, never returned.
func (n *Notifier) Notify(ctx context.Context, topic, key string, event interface{}) {
	if n == nil || len(n.Publishers) == 0 {
		return
	}
	rlog := logger.FromContext(ctx)
	payload, err := json.Marshal(event)
	if err != nil {
		rlog.WithError(err).Errorln("cannot serialize event for topic", topic)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, publisher := range n.Publishers {
			if err := publisher.Publish(ctx, topic, key, payload); err != nil {
				rlog.WithError(err).Errorln("cannot publish event to topic", topic)
				if n.Metrics != nil {
					n.Metrics.EventsFailed.WithLabelValues(topic).Inc()
				}
				continue
			}
			if n.Metrics != nil {
				n.Metrics.EventsPublished.WithLabelValues(topic).Inc()
			}
		}
	}()
}
