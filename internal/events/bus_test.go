package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTopicSubscription(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicIncidentCreated)
	defer bus.Unsubscribe(ch)

	bus.Emit(TopicIncidentCreated, "acme", "inc-1", map[string]interface{}{"priority": 90})
	bus.Emit(TopicAlertIngested, "acme", "a-1", nil)

	select {
	case ev := <-ch:
		assert.Equal(t, TopicIncidentCreated, ev.Topic)
		assert.Equal(t, "acme", ev.TenantID)
		assert.Equal(t, "inc-1", ev.Subject)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("expected incident.created event")
	}

	// The alert.ingested event never reaches a topic-filtered subscriber.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Topic)
	default:
	}
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(TopicApprovalRequested, "acme", "ap-1", nil)
	bus.Emit(TopicConfigInvalidated, "acme", "", nil)

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			got = append(got, ev.Topic)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []string{TopicApprovalRequested, TopicConfigInvalidated}, got)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TopicAlertIngested)
	defer bus.Unsubscribe(ch)

	// Nobody drains; the second publish must not hang.
	done := make(chan struct{})
	go func() {
		bus.Emit(TopicAlertIngested, "acme", "a-1", nil)
		bus.Emit(TopicAlertIngested, "acme", "a-2", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.Equal(t, 1, bus.SubscriberCount())
}
