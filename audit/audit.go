/*Package audit records security-relevant device events.

Events carry the internally distinguished outcome of an operation (for
example which of the three unauthorized reasons applied) without any
secret material. Publishing is best effort: a failing sink is logged
and never fails the request that produced the event.
*/
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/perimeter-tech/devicegate/core/logger"
)

// Kind classifies an audit event.
type Kind string

// All audit event kinds.
const (
	KindDeviceRegistered Kind = "device.registered"
	KindDeviceRevoked    Kind = "device.revoked"
	KindAuthGranted      Kind = "auth.granted"
	KindAuthDenied       Kind = "auth.denied"
	KindAuthUpstreamErr  Kind = "auth.upstream_error"
)

// Event is one audit record. Reason carries the internal outcome
// detail that is not surfaced to callers.
type Event struct {
	EventID  uuid.UUID `json:"eventId"`
	Kind     Kind      `json:"kind"`
	DeviceID string    `json:"deviceId"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Sink receives audit events.
type Sink interface {
	Publish(ctx context.Context, kind Kind, deviceID, reason string)
}

// LogSink writes audit events to the request logger.
type LogSink struct{}

// Publish logs the event.
func (LogSink) Publish(ctx context.Context, kind Kind, deviceID, reason string) {
	logger.FromContext(ctx).
		WithField("audit", string(kind)).
		WithField("deviceId", deviceID).
		WithField("reason", reason).
		Infoln("audit event")
}

// KafkaSink publishes audit events to a kafka topic, keyed by device
// identifier so events for one device stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaSink{writer: writer}
}

// Publish sends the event. Errors are logged, never propagated.
func (s *KafkaSink) Publish(ctx context.Context, kind Kind, deviceID, reason string) {
	event := Event{
		EventID:  uuid.New(),
		Kind:     kind,
		DeviceID: deviceID,
		Reason:   reason,
		Time:     time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot encode audit event")
		return
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(deviceID),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot publish audit event")
	}
}

// Close flushes and closes the kafka writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
