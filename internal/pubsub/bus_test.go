package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewardgame/ledger-engine/internal/pubsub"
)

func publish(t *testing.T, bus *pubsub.Bus, key, typ string, payload any) {
	t.Helper()
	ev, err := pubsub.NewEvent(key, typ, payload)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))
}

func TestBus_DeliversByKey(t *testing.T) {
	bus := pubsub.NewBus(8)
	alice := bus.Subscribe(pubsub.UserKey(1), pubsub.KeyGlobal)
	defer alice.Cancel()
	bob := bus.Subscribe(pubsub.UserKey(2))
	defer bob.Cancel()

	publish(t, bus, pubsub.UserKey(1), pubsub.TypeBalance, map[string]int64{"balance": 5})
	publish(t, bus, pubsub.KeyGlobal, pubsub.TypeStats, map[string]int{"total_users": 2})

	ev := <-alice.C
	assert.Equal(t, pubsub.TypeBalance, ev.Type)
	var payload map[string]int64
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, int64(5), payload["balance"])

	ev = <-alice.C
	assert.Equal(t, pubsub.TypeStats, ev.Type)

	select {
	case ev := <-bob.C:
		t.Fatalf("bob received unexpected event %+v", ev)
	default:
	}
}

func TestBus_FIFOPerKey(t *testing.T) {
	bus := pubsub.NewBus(64)
	sub := bus.Subscribe("k")
	defer sub.Cancel()

	for i := 0; i < 50; i++ {
		publish(t, bus, "k", "seq", i)
	}
	for i := 0; i < 50; i++ {
		ev := <-sub.C
		var n int
		require.NoError(t, json.Unmarshal(ev.Payload, &n))
		assert.Equal(t, i, n)
	}
}

func TestBus_EvictsSlowSubscriber(t *testing.T) {
	bus := pubsub.NewBus(2)
	slow := bus.Subscribe("k")
	fast := bus.Subscribe("k")
	defer fast.Cancel()

	publish(t, bus, "k", "a", 1)
	<-fast.C
	publish(t, bus, "k", "b", 2)
	<-fast.C
	publish(t, bus, "k", "c", 3) // slow buffer is full

	assert.Equal(t, 1, bus.Subscribers("k"))

	// The two buffered events drain, then the channel is closed.
	<-slow.C
	<-slow.C
	_, ok := <-slow.C
	assert.False(t, ok)

	ev, ok := <-fast.C
	require.True(t, ok)
	assert.Equal(t, "c", ev.Type)

	slow.Cancel() // no-op after eviction
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	bus := pubsub.NewBus(0)
	sub := bus.Subscribe("a", "b")
	assert.Equal(t, 1, bus.Subscribers("a"))

	sub.Cancel()
	sub.Cancel()
	assert.Zero(t, bus.Subscribers("a"))
	assert.Zero(t, bus.Subscribers("b"))

	_, ok := <-sub.C
	assert.False(t, ok)
	require.NoError(t, bus.Publish(context.Background(), pubsub.Event{Key: "a"}))
}
