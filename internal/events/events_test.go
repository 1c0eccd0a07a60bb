package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()

	var got []*Event
	bus.Subscribe(EventSyncFinished, func(e *Event) error {
		got = append(got, e)
		return nil
	})

	err := bus.PublishJSON(EventSyncFinished, SyncReportPayload{Succeeded: 3, Failed: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	var report SyncReportPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &report))
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestPublishUnrelatedType(t *testing.T) {
	bus := NewEventBus()

	called := false
	bus.Subscribe(EventEntryFailed, func(e *Event) error {
		called = true
		return nil
	})

	require.NoError(t, bus.PublishJSON(EventSyncStarted, nil))
	assert.False(t, called)
}

func TestNilBusPublishJSON(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventSyncStarted, nil))
}
