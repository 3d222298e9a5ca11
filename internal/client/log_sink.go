package client

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// LogSink writes every workflow event to the service log. It is registered
// when no NATS server is configured.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.Component("notifications")}
}

// Dispatch implements service.NotificationSink.
func (s *LogSink) Dispatch(_ context.Context, ev service.WorkflowEvent) error {
	s.log.Info().
		Str("event", string(ev.Type)).
		Str("request_id", ev.RequestID).
		Str("priority", ev.Priority.String()).
		Int64("sequence", ev.Sequence).
		Interface("payload", ev.Payload).
		Msg("Workflow event")
	return nil
}
