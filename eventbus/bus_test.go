package eventbus

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		name  string
		glob  string
		event string
		want  bool
	}{
		{"full wildcard matches everything", "*", "user.query", true},
		{"full wildcard matches single segment", "*", "alert", true},
		{"exact match", "user.query", "user.query", true},
		{"exact mismatch", "user.query", "group.query", false},
		{"segment wildcard", "*.query", "user.query", true},
		{"segment wildcard wrong tail", "*.query", "user.create", false},
		{"wildcard matches one segment only", "*.query", "sharing.smb.query", false},
		{"segment count mismatch", "user.query", "user.query.extra", false},
		{"trailing wildcard", "core.get_jobs.*", "core.get_jobs.progress", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchGlob(tt.glob, tt.event))
		})
	}
}

func TestValidateGlob(t *testing.T) {
	assert.NoError(t, ValidateGlob("*"))
	assert.NoError(t, ValidateGlob("user.query"))
	assert.NoError(t, ValidateGlob("*.query"))
	assert.Error(t, ValidateGlob(""))
	assert.Error(t, ValidateGlob("user..query"))
	assert.Error(t, ValidateGlob("us*er.query"))
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := New(slog.Default())

	sub, err := bus.Subscribe("user.query")
	require.NoError(t, err)
	other, err := bus.Subscribe("group.query")
	require.NoError(t, err)

	bus.Publish("user.query", map[string]any{"type": "ADDED", "id": 1})

	ev := <-sub.C()
	assert.Equal(t, "user.query", ev.Name)

	select {
	case <-other.C():
		t.Fatal("event delivered to non-matching subscription")
	default:
	}
}

func TestPublishPreservesOrderPerSubscription(t *testing.T) {
	bus := New(slog.Default())

	sub, err := bus.Subscribe("*")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		bus.Publish("seq.tick", i)
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.C()
		assert.Equal(t, i, ev.Payload)
	}
}

func TestPublishDropsOnFullQueue(t *testing.T) {
	bus := New(slog.Default(), WithQueueSize(2))

	slow, err := bus.Subscribe("*")
	require.NoError(t, err)

	bus.Publish("a", 1)
	bus.Publish("a", 2)
	bus.Publish("a", 3) // dropped, queue is full

	assert.Equal(t, 1, (<-slow.C()).Payload)
	assert.Equal(t, 2, (<-slow.C()).Payload)
	select {
	case ev := <-slow.C():
		t.Fatalf("expected drop, got %v", ev.Payload)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(slog.Default())

	sub, err := bus.Subscribe("user.query")
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub.ID())
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.C()
	assert.False(t, open)

	// idempotent
	bus.Unsubscribe(sub.ID())
}

func TestSubscribeRejectsInvalidGlob(t *testing.T) {
	bus := New(slog.Default())

	_, err := bus.Subscribe("bad..glob")
	assert.Error(t, err)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestCRUDPayloadShape(t *testing.T) {
	p := CRUDPayload(Changed, 7, map[string]any{"name": "root"})
	assert.Equal(t, "CHANGED", p["type"])
	assert.Equal(t, 7, p["id"])
	assert.Equal(t, map[string]any{"name": "root"}, p["fields"])

	removed := CRUDPayload(Removed, 7, nil)
	assert.Nil(t, removed["fields"])
}
