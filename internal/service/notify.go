package service

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// EventType names a workflow transition reported to sinks.
type EventType string

const (
	EventRequestCreated   EventType = "request_created"
	EventStageAdvanced    EventType = "stage_advanced"
	EventDecisionRecorded EventType = "decision_recorded"
	EventEscalated        EventType = "escalated"
	EventFinalized        EventType = "finalized"
	EventCancelled        EventType = "cancelled"
)

// WorkflowEvent is an abstract notification. The engine never delivers it
// itself; sinks decide the channel.
type WorkflowEvent struct {
	Type       EventType              `json:"type"`
	RequestID  string                 `json:"requestId"`
	Priority   repository.Priority    `json:"priority"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
	Sequence   int64                  `json:"sequence"`
}

//go:generate mockgen -destination=mocks/mock_notification_sink.go -package=mocks github.com/pesio-ai/be-plt-approvals/internal/service NotificationSink

// NotificationSink delivers workflow events to an external channel.
type NotificationSink interface {
	Dispatch(ctx context.Context, event WorkflowEvent) error
}

// TriggerConfig filters which events reach a sink.
type TriggerConfig struct {
	// Events limits delivery to these types; empty means all.
	Events []EventType
	// MinPriority drops events for requests below this priority.
	MinPriority repository.Priority
	// DedupWindow suppresses a repeat of the same event type for the same
	// request inside the window. Zero disables deduplication.
	DedupWindow time.Duration
	Disabled    bool
}

func (c TriggerConfig) accepts(ev WorkflowEvent) bool {
	if c.Disabled {
		return false
	}
	if len(c.Events) > 0 && !lo.Contains(c.Events, ev.Type) {
		return false
	}
	return ev.Priority >= c.MinPriority
}

type registeredSink struct {
	name    string
	sink    NotificationSink
	trigger TriggerConfig
}

// Dispatcher fans events out to registered sinks. Failures are logged and
// never propagate to the engine.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   []registeredSink
	ledger  *Ledger
	timeout time.Duration
	log     *logger.Logger
}

// NewDispatcher creates a Dispatcher. ledger may be nil when no sink uses a
// dedup window.
func NewDispatcher(ledger *Ledger, log *logger.Logger) *Dispatcher {
	return &Dispatcher{ledger: ledger, timeout: 10 * time.Second, log: log}
}

// Register adds a sink under name.
func (d *Dispatcher) Register(name string, sink NotificationSink, trigger TriggerConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, registeredSink{name: name, sink: sink, trigger: trigger})
}

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Map(d.sinks, func(s registeredSink, _ int) string { return s.name })
}

// Dispatch delivers events in order to every sink whose trigger accepts them.
func (d *Dispatcher) Dispatch(ctx context.Context, events ...WorkflowEvent) {
	d.mu.RLock()
	sinks := append([]registeredSink(nil), d.sinks...)
	d.mu.RUnlock()

	for _, ev := range events {
		for _, s := range sinks {
			if !s.trigger.accepts(ev) {
				continue
			}
			if s.trigger.DedupWindow > 0 && d.ledger != nil {
				fresh, err := d.ledger.RecordUnlessDuplicate(ctx, &repository.AuditEntry{
					RequestID:  ev.RequestID,
					EntityType: repository.EntityNotification,
					EntityID:   s.name,
					Action:     "notified:" + s.name + ":" + string(ev.Type),
					Actor:      "system",
					Sequence:   ev.Sequence,
				}, s.trigger.DedupWindow)
				if err != nil {
					d.log.Warn().Err(err).
						Str("sink", s.name).
						Str("request_id", ev.RequestID).
						Msg("Notification dedup check failed; delivering anyway")
				} else if !fresh {
					d.log.Debug().
						Str("sink", s.name).
						Str("request_id", ev.RequestID).
						Str("event", string(ev.Type)).
						Msg("Duplicate notification suppressed")
					continue
				}
			}
			d.deliver(ctx, s, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s registeredSink, ev WorkflowEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Str("sink", s.name).
				Str("request_id", ev.RequestID).
				Msg("Notification sink panicked")
		}
	}()

	if err := s.sink.Dispatch(ctx, ev); err != nil {
		d.log.Warn().
			Err(errors.Notification(err, s.name)).
			Str("sink", s.name).
			Str("request_id", ev.RequestID).
			Str("event", string(ev.Type)).
			Msg("Failed to deliver notification")
	}
}
