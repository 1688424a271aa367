package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func runBus(t *testing.T) (*Bus, context.CancelFunc) {
	t.Helper()
	bus := New(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return bus, cancel
}

func recv(t *testing.T, ch <-chan coreloop.Event) coreloop.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return coreloop.Event{}
	}
}

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	bus, _ := runBus(t)
	ch, unsub := bus.Subscribe(4, nil)
	defer unsub()

	bus.Publish(coreloop.Event{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "a1"}})

	ev := recv(t, ch)
	require.Equal(t, coreloop.EventAgentExit, ev.Kind)
}

func TestSubscribe_FilterExcludesNonMatchingEvents(t *testing.T) {
	bus, _ := runBus(t)
	filter := func(ev coreloop.Event) bool { return ev.Kind == coreloop.EventAgentExit }
	ch, unsub := bus.Subscribe(4, filter)
	defer unsub()

	bus.Publish(coreloop.Event{Kind: coreloop.EventAgentOutput, Payload: coreloop.AgentOutputPayload{AgentID: "a1"}})
	bus.Publish(coreloop.Event{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "a1"}})

	ev := recv(t, ch)
	require.Equal(t, coreloop.EventAgentExit, ev.Kind)
}

func TestByPlan_RoutesAgentEventsUsingLearnedMapping(t *testing.T) {
	bus, _ := runBus(t)
	ch, unsub := bus.Subscribe(4, ByPlan(bus, "plan-1"))
	defer unsub()

	bus.Publish(coreloop.Event{Kind: coreloop.EventPlanIterationStarted, Payload: coreloop.PlanIterationStartedPayload{PlanID: "plan-1", AgentID: "agent-a"}})
	first := recv(t, ch)
	require.Equal(t, coreloop.EventPlanIterationStarted, first.Kind)

	bus.Publish(coreloop.Event{Kind: coreloop.EventAgentOutput, Payload: coreloop.AgentOutputPayload{AgentID: "agent-a", Text: "hi"}})
	second := recv(t, ch)
	require.Equal(t, coreloop.EventAgentOutput, second.Kind)

	bus.Publish(coreloop.Event{Kind: coreloop.EventAgentOutput, Payload: coreloop.AgentOutputPayload{AgentID: "agent-unrelated", Text: "nope"}})
	bus.Publish(coreloop.Event{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "agent-a"}})
	third := recv(t, ch)
	require.Equal(t, coreloop.EventAgentExit, third.Kind)
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	bus, _ := runBus(t)
	ch, unsub := bus.Subscribe(4, nil)

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	unsub()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after unsubscribe")
	}
}

func TestRun_CancelClosesAllSubscriberChannels(t *testing.T) {
	bus := New(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	ch, _ := bus.Subscribe(4, nil)
	cancel()
	<-done

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed on Bus shutdown")
	}
}

func TestSubscribe_FullBufferDropsRatherThanBlocksProducer(t *testing.T) {
	bus, _ := runBus(t)
	ch, unsub := bus.Subscribe(1, nil)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(coreloop.Event{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "a1"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked despite a full subscriber buffer")
	}
	<-ch // drain at least one queued event to prove delivery still works
}
