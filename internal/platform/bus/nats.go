// Package bus contains the NATS adapters: a publisher used for
// cross-instance presence and a subscriber that ingests notifications
// from asynchronous producers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Subjects.
const (
	SubjectSendNotification = "notifications.send"
	PresenceSubjectPrefix   = "presence."
)

// natsConn defines the interface for the underlying nats.Conn.
// This allows us to use a fake for testing.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var tracer = otel.Tracer("realtime-service/bus")

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }
func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}

// Publisher implements realtime.Publisher. It JSON-encodes values and
// publishes them with the trace context in the message headers.
type Publisher struct {
	conn natsConn
}

// NewPublisher is the constructor for the NATS publisher.
func NewPublisher(conn natsConn) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	return &Publisher{conn: conn}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for publishing: %w", err)
	}

	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(header))
	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header}); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PresenceSubject returns the subject carrying presence changes of userID.
func PresenceSubject(userID string) string { return PresenceSubjectPrefix + userID }

// extractContext returns ctx carrying the trace context of msg.
func extractContext(ctx context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Header))
}
