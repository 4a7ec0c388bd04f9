package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	hub := NewHub(Options{Buffer: buffer, SendTimeout: time.Second})
	hub.SetSnapshot(func() proto.PushMessage {
		return proto.PushMessage{
			Type:     proto.MsgFullStatus,
			Subtasks: map[string]proto.Status{"snap": proto.StatusPending},
		}
	})
	return hub
}

func logFrame(line string) proto.PushMessage {
	return proto.PushMessage{Type: proto.MsgLog, LogLine: line}
}

func nextFrame(t *testing.T, sub *Subscription) proto.PushMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestAttachDeliversSnapshotFirst(t *testing.T) {
	hub := newTestHub(t, 8)
	sub := hub.Attach()
	defer hub.Detach(sub)

	msg := nextFrame(t, sub)
	assert.Equal(t, proto.MsgFullStatus, msg.Type)
	assert.Contains(t, msg.Subtasks, "snap")
}

func TestAttachReplaysFramesAfterSnapshot(t *testing.T) {
	hub := newTestHub(t, 8)
	sub := hub.Attach(logFrame("first"), logFrame("second"))
	defer hub.Detach(sub)

	assert.Equal(t, proto.MsgFullStatus, nextFrame(t, sub).Type)
	assert.Equal(t, "first", nextFrame(t, sub).LogLine)
	assert.Equal(t, "second", nextFrame(t, sub).LogLine)
}

func TestBroadcastPreservesEmissionOrder(t *testing.T) {
	hub := newTestHub(t, 16)
	sub := hub.Attach()
	defer hub.Detach(sub)
	nextFrame(t, sub) // drain the attach snapshot

	for i := 0; i < 5; i++ {
		hub.Broadcast(logFrame(fmt.Sprintf("line %d", i)))
	}
	for i := 0; i < 5; i++ {
		msg := nextFrame(t, sub)
		require.Equal(t, proto.MsgLog, msg.Type)
		assert.Equal(t, fmt.Sprintf("line %d", i), msg.LogLine)
	}
}

func TestFullStatusSubsumesBufferedDeltas(t *testing.T) {
	hub := newTestHub(t, 16)
	sub := hub.Attach()
	defer hub.Detach(sub)
	nextFrame(t, sub)

	hub.Broadcast(logFrame("stale 1"))
	hub.Broadcast(logFrame("stale 2"))
	hub.Broadcast(proto.PushMessage{
		Type:     proto.MsgFullStatus,
		Subtasks: map[string]proto.Status{"fresh": proto.StatusAccepted},
	})

	msg := nextFrame(t, sub)
	assert.Equal(t, proto.MsgFullStatus, msg.Type)
	assert.Contains(t, msg.Subtasks, "fresh")
	assert.Equal(t, 0, sub.Buffered())
}

func TestOverflowCoalescesIntoOneSnapshot(t *testing.T) {
	hub := newTestHub(t, 3)
	sub := hub.Attach()
	defer hub.Detach(sub)
	nextFrame(t, sub)

	// A paused reader accumulates more deltas than its buffer holds.
	for i := 0; i < 10; i++ {
		hub.Broadcast(logFrame(fmt.Sprintf("burst %d", i)))
	}

	require.Equal(t, 1, sub.Buffered())
	msg := nextFrame(t, sub)
	assert.Equal(t, proto.MsgFullStatus, msg.Type)
	assert.Contains(t, msg.Subtasks, "snap")
}

func TestOverflowWithoutSnapshotDropsOldest(t *testing.T) {
	hub := NewHub(Options{Buffer: 2})
	sub := hub.Attach()
	defer hub.Detach(sub)

	hub.Broadcast(logFrame("a"))
	hub.Broadcast(logFrame("b"))
	hub.Broadcast(logFrame("c"))

	require.Equal(t, 2, sub.Buffered())
	assert.Equal(t, "b", nextFrame(t, sub).LogLine)
	assert.Equal(t, "c", nextFrame(t, sub).LogLine)
}

func TestBroadcastNeverBlocksOnStuckSubscriber(t *testing.T) {
	hub := newTestHub(t, 2)
	stuck := hub.Attach()
	defer hub.Detach(stuck)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Broadcast(logFrame(fmt.Sprintf("flood %d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a subscriber that never reads")
	}
}

func TestNextWakesOnBroadcast(t *testing.T) {
	hub := newTestHub(t, 8)
	sub := hub.Attach()
	defer hub.Detach(sub)
	nextFrame(t, sub)

	got := make(chan proto.PushMessage, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		msg, err := sub.Next(ctx)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Broadcast(logFrame("wake up"))

	select {
	case msg := <-got:
		assert.Equal(t, "wake up", msg.LogLine)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on broadcast")
	}
}

func TestNextHonorsContextCancellation(t *testing.T) {
	hub := newTestHub(t, 8)
	sub := hub.Attach()
	defer hub.Detach(sub)
	nextFrame(t, sub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestDetachUnblocksNext(t *testing.T) {
	hub := newTestHub(t, 8)
	sub := hub.Attach()
	nextFrame(t, sub)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Detach(sub)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after detach")
	}
}

func TestDetachedSubscriberReceivesNothing(t *testing.T) {
	hub := newTestHub(t, 8)
	sub := hub.Attach()
	hub.Detach(sub)

	hub.Broadcast(logFrame("after detach"))
	assert.Equal(t, 0, sub.Buffered())
}

func TestCountTracksSubscribers(t *testing.T) {
	hub := newTestHub(t, 8)
	assert.Equal(t, 0, hub.Count())

	a := hub.Attach()
	b := hub.Attach()
	assert.Equal(t, 2, hub.Count())
	assert.NotEqual(t, a.ID(), b.ID())

	hub.Detach(a)
	assert.Equal(t, 1, hub.Count())
	hub.Detach(a) // double detach is harmless
	assert.Equal(t, 1, hub.Count())
	hub.Detach(b)
	assert.Equal(t, 0, hub.Count())
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	hub := newTestHub(t, 8)
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = hub.Attach()
		nextFrame(t, subs[i])
	}
	defer func() {
		for _, sub := range subs {
			hub.Detach(sub)
		}
	}()

	hub.Broadcast(logFrame("fan out"))
	for _, sub := range subs {
		assert.Equal(t, "fan out", nextFrame(t, sub).LogLine)
	}
}

func TestDefaults(t *testing.T) {
	hub := NewHub(Options{})
	assert.Equal(t, defaultSendTimeout, hub.SendTimeout())
	assert.Equal(t, defaultPingInterval, hub.PingInterval())
}
