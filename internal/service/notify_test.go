package service_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pesio-ai/be-plt-approvals/internal/clock"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/service/mocks"
)

type eventMatcher struct {
	typ service.EventType
}

func ofType(typ service.EventType) gomock.Matcher { return eventMatcher{typ} }

func (m eventMatcher) Matches(x any) bool {
	ev, ok := x.(service.WorkflowEvent)
	return ok && ev.Type == m.typ
}

func (m eventMatcher) String() string { return fmt.Sprintf("is a %s event", m.typ) }

func TestEngineEmitsEventsInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockNotificationSink(ctrl)

	gomock.InOrder(
		sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventRequestCreated)).Return(nil),
		sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventStageAdvanced)).Return(nil),
		// A failing sink does not fail the decision.
		sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventDecisionRecorded)).Return(stderrors.New("smtp down")),
		sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventFinalized)).
			DoAndReturn(func(_ context.Context, ev service.WorkflowEvent) error {
				assert.Equal(t, string(repository.StatusApproved), ev.Payload["status"])
				return nil
			}),
	)

	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice")),
		service.WithSink("mock", sink, service.TriggerConfig{}))
	id := h.initiate().Request.ID

	status := h.mustDecide(id, 0, "alice", repository.OutcomeApprove)
	assert.Equal(t, repository.StatusApproved, status.Request.Status)
}

func TestEngineEmitsEscalationOnTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockNotificationSink(ctrl)

	sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventEscalated)).
		DoAndReturn(func(_ context.Context, ev service.WorkflowEvent) error {
			assert.Equal(t, 1, ev.Payload["level"])
			assert.Equal(t, string(repository.CauseTimeout), ev.Payload["cause"])
			return nil
		})

	h := newHarness(t, definition(stage("manager", repository.ModeSequential, "alice")),
		service.WithSink("escalations", sink, service.TriggerConfig{Events: []service.EventType{service.EventEscalated}}))
	h.initiate()

	h.clock.Advance(time.Hour)
}

func TestDispatcherTriggerFilters(t *testing.T) {
	ctrl := gomock.NewController(t)
	urgent := mocks.NewMockNotificationSink(ctrl)
	off := mocks.NewMockNotificationSink(ctrl)

	d := service.NewDispatcher(nil, logger.Nop())
	d.Register("urgent", urgent, service.TriggerConfig{MinPriority: repository.PriorityHigh})
	d.Register("off", off, service.TriggerConfig{Disabled: true})
	assert.Equal(t, []string{"urgent", "off"}, d.Sinks())

	urgent.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev service.WorkflowEvent) error {
			assert.Equal(t, "r-critical", ev.RequestID)
			return nil
		})

	d.Dispatch(context.Background(),
		service.WorkflowEvent{Type: service.EventEscalated, RequestID: "r-low", Priority: repository.PriorityLow},
		service.WorkflowEvent{Type: service.EventEscalated, RequestID: "r-critical", Priority: repository.PriorityCritical},
	)
}

func TestDispatcherDedupWindow(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockNotificationSink(ctrl)
	clk := clock.NewFake(epoch)
	ledger := service.NewLedger(repository.NewMemoryStore(), clk)

	d := service.NewDispatcher(ledger, logger.Nop())
	d.Register("email", sink, service.TriggerConfig{DedupWindow: 5 * time.Minute})

	sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventEscalated)).Return(nil).Times(2)
	sink.EXPECT().Dispatch(gomock.Any(), ofType(service.EventFinalized)).Return(nil).Times(1)

	ev := service.WorkflowEvent{Type: service.EventEscalated, RequestID: "r1"}
	d.Dispatch(context.Background(), ev)

	clk.Advance(3 * time.Minute)
	d.Dispatch(context.Background(), ev)
	// Other event types are tracked separately.
	d.Dispatch(context.Background(), service.WorkflowEvent{Type: service.EventFinalized, RequestID: "r1"})

	clk.Advance(3 * time.Minute)
	d.Dispatch(context.Background(), ev)
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	bad := mocks.NewMockNotificationSink(ctrl)
	good := mocks.NewMockNotificationSink(ctrl)

	d := service.NewDispatcher(nil, logger.Nop())
	d.Register("bad", bad, service.TriggerConfig{})
	d.Register("good", good, service.TriggerConfig{})

	bad.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, service.WorkflowEvent) error { panic("boom") })
	good.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(nil)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), service.WorkflowEvent{Type: service.EventCancelled, RequestID: "r1"})
	})
}

func TestDispatcherDetachesCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockNotificationSink(ctrl)

	d := service.NewDispatcher(nil, logger.Nop())
	d.Register("slow", sink, service.TriggerConfig{})

	sink.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ service.WorkflowEvent) error {
			assert.NoError(t, ctx.Err(), "delivery outlives the caller's context")
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, service.WorkflowEvent{Type: service.EventCancelled, RequestID: "r1"})
}

// gatedSink records decision approvers and holds alice's delivery until
// release is closed.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}

	mu        sync.Mutex
	approvers []string
}

func (s *gatedSink) Dispatch(_ context.Context, ev service.WorkflowEvent) error {
	approver, _ := ev.Payload["approver"].(string)
	if approver == "alice" {
		close(s.entered)
		<-s.release
	}
	s.mu.Lock()
	s.approvers = append(s.approvers, approver)
	s.mu.Unlock()
	return nil
}

func TestDeliveryFollowsCommitOrder(t *testing.T) {
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, definition(stage("review", repository.ModeParallel, "alice", "bob", "carol")),
		service.WithSink("gated", sink, service.TriggerConfig{
			Events: []service.EventType{service.EventDecisionRecorded},
		}))
	id := h.initiate().Request.ID

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := h.decide(id, 0, "alice", repository.OutcomeApprove)
		assert.NoError(t, err)
	}()
	<-sink.entered

	go func() {
		defer wg.Done()
		_, err := h.decide(id, 0, "bob", repository.OutcomeApprove)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		decisions, err := h.store.ListDecisions(h.ctx, id)
		return err == nil && len(decisions) == 2
	}, 2*time.Second, 5*time.Millisecond, "bob's decision commits while alice's delivery is in flight")

	close(sink.release)
	wg.Wait()
	assert.Equal(t, []string{"alice", "bob"}, sink.approvers)
}
