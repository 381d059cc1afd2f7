package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBroadcaster(t *testing.T) {
	b := NewLocalBroadcaster()

	var got []Event
	unsubscribe := b.Subscribe(func(ev Event) { got = append(got, ev) })

	ev := Event{Kind: EventRefreshed, Key: "k1", Origin: "o1", Seq: 1}
	require.NoError(t, b.Publish(context.Background(), ev))
	require.Len(t, got, 1)
	assert.Equal(t, ev, got[0])

	unsubscribe()
	require.NoError(t, b.Publish(context.Background(), ev))
	assert.Len(t, got, 1)
}

func TestLocalBroadcasterFanOut(t *testing.T) {
	b := NewLocalBroadcaster()

	var first, second int
	b.Subscribe(func(Event) { first++ })
	b.Subscribe(func(Event) { second++ })

	require.NoError(t, b.Publish(context.Background(), Event{Kind: EventCreated}))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestLocalBroadcasterClose(t *testing.T) {
	b := NewLocalBroadcaster()

	var got int
	b.Subscribe(func(Event) { got++ })
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(context.Background(), Event{Kind: EventSignedOut}))
	assert.Zero(t, got)
}
