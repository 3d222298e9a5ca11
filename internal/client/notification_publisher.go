package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// Publisher is the part of *nats.Conn the notification publisher uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NotificationPublisher is a service.NotificationSink that publishes workflow
// events to NATS for consumption by the be-plt-notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.approvals.escalated
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
}

var _ service.NotificationSink = (*NotificationPublisher)(nil)

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	RequestID    string                 `json:"request_id"`
	Priority     string                 `json:"priority"`
	Recipients   []string               `json:"recipients,omitempty"`
	ResourceType string                 `json:"resource_type"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity"`
	Category     string                 `json:"category"`
	Sequence     int64                  `json:"sequence"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher on the given NATS connection.
func NewNotificationPublisher(pub Publisher, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, prefix: prefix, log: log.Component("nats_publisher")}
}

// Subject returns the subject an event type is published on.
func (p *NotificationPublisher) Subject(t service.EventType) string {
	return fmt.Sprintf("%s.%s", p.prefix, t)
}

// Dispatch implements service.NotificationSink.
func (p *NotificationPublisher) Dispatch(ctx context.Context, ev service.WorkflowEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(toNotificationEvent(ev))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	subject := p.Subject(ev.Type)
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", ev.RequestID).
		Int64("sequence", ev.Sequence).
		Msg("notification: event published")
	return nil
}

func toNotificationEvent(ev service.WorkflowEvent) *NotificationEvent {
	out := &NotificationEvent{
		EventType:    string(ev.Type),
		RequestID:    ev.RequestID,
		Priority:     ev.Priority.String(),
		ResourceType: "approval_request",
		Severity:     "info",
		Category:     "approvals",
		Sequence:     ev.Sequence,
		OccurredAt:   ev.OccurredAt,
		Payload:      ev.Payload,
	}
	switch ev.Type {
	case service.EventStageAdvanced:
		out.Recipients = stringsIn(ev.Payload, "approvers")
		out.IsActionable = true
	case service.EventEscalated:
		out.Recipients = stringsIn(ev.Payload, "escalatedTo")
		out.IsActionable = true
		out.Severity = "warning"
	case service.EventDecisionRecorded:
		out.Recipients = stringsIn(ev.Payload, "delegateTo")
		out.IsActionable = len(out.Recipients) > 0
	}
	return out
}

func stringsIn(payload map[string]interface{}, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// ConnectNATS dials NATS with reconnects that never give up.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
