package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overnode-org/overnode/pkg/types"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventWaveStarted, Message: "layer 0 batch 1", RunID: "r1", Wave: 1})

	ev := receive(t, sub)
	assert.Equal(t, EventWaveStarted, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, 1, ev.Wave)

	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestBroker_SubscribeFiltersByType(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	nodes := broker.Subscribe(MembershipEvents...)
	all := broker.Subscribe()

	broker.Publish(&Event{Type: EventRunStarted, Project: "shop"})
	broker.Publish(&Event{Type: EventNodeJoined, Node: 4})

	assert.Equal(t, EventRunStarted, receive(t, all).Type)
	assert.Equal(t, EventNodeJoined, receive(t, all).Type)

	ev := receive(t, nodes)
	assert.Equal(t, EventNodeJoined, ev.Type)
	assert.Equal(t, types.NodeID(4), ev.Node)
	assert.Empty(t, nodes)
}

func TestBroker_FullSubscriberDrops(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for i := 0; i < cap(sub)+10; i++ {
		broker.Publish(&Event{Type: EventOperationApplied})
	}
	require.Eventually(t, func() bool { return broker.Dropped() == 10 }, 2*time.Second, time.Millisecond)
	assert.Len(t, sub, cap(sub))
}

func TestBroker_StopUnblocksPublish(t *testing.T) {
	broker := NewBroker()
	broker.Stop()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			broker.Publish(&Event{Type: EventRunStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stopped broker")
	}
}

func TestEventLogFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	(&Event{
		Type:      EventOperationFailed,
		Message:   "image pull failed",
		Project:   "shop",
		RunID:     "r1",
		Version:   3,
		Wave:      2,
		Operation: &types.Operation{Kind: types.OpCreate, Node: 1, Service: "web"},
	}).Log(logger)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "operation.failed", line["event"])
	assert.Equal(t, "shop", line["project"])
	assert.Equal(t, "r1", line["run_id"])
	assert.Equal(t, float64(3), line["version"])
	assert.Equal(t, float64(2), line["wave"])
	assert.Equal(t, "web", line["service"])
	assert.Equal(t, float64(1), line["node"])
	assert.Equal(t, "image pull failed", line["message"])

	buf.Reset()
	(&Event{Type: EventNodeJoined, Message: "node 4 joined", Node: 4}).Log(logger)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, float64(4), line["node"])
}

func TestFollow(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	var buf bytes.Buffer
	stop := Follow(broker, zerolog.New(&buf), EventNodeUnreachable)
	// once this one has both events, the follower holds its copy
	witness := broker.Subscribe()
	broker.Publish(&Event{Type: EventNodeJoined, Node: 2})
	broker.Publish(&Event{Type: EventNodeUnreachable, Node: 2, Message: "node 2 missed heartbeats"})
	receive(t, witness)
	receive(t, witness)
	broker.Unsubscribe(witness)

	stop()
	assert.Equal(t, 0, broker.SubscriberCount())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"event":"node.unreachable"`)
	assert.Contains(t, lines[0], "missed heartbeats")
}
