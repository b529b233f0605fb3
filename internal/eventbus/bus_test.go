package eventbus

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietBus(opts ...Option) *Bus {
	return New(append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)...)
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "entity.created", true},
		{"entity.created", "entity.created", true},
		{"entity.created", "entity.updated", false},
		{"entity.*", "entity.updated", true},
		{"entity.*", "relationship.created", false},
		{"entity.*", "entity", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.pattern, tt.topic))
		})
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := quietBus()
	defer b.Close()

	_, created := b.Subscribe(TopicEntityCreated)
	_, all := b.Subscribe(TopicAll)

	require.NoError(t, b.Publish(NewEvent(TopicEntityCreated, "e1", nil)))
	require.NoError(t, b.Publish(NewEvent(TopicRelationshipCreated, "r1", nil)))

	assert.Equal(t, "e1", receive(t, created).EntityID)
	assert.Equal(t, "e1", receive(t, all).EntityID)
	assert.Equal(t, "r1", receive(t, all).EntityID)
}

func TestPerEntityOrdering(t *testing.T) {
	b := quietBus(WithBuffer(64))
	defer b.Close()

	_, ch := b.Subscribe("entity.*")
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(NewEvent(TopicEntityUpdated, "e1", i)))
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, i, receive(t, ch).Payload)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	var hooked atomic.Int64
	b := quietBus(WithBuffer(2), WithOverflowHook(func(string) { hooked.Add(1) }))
	defer b.Close()

	_, slow := b.Subscribe(TopicEntityUpdated)
	_, diag := b.Subscribe(TopicSubscriberOverflow)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(NewEvent(TopicEntityUpdated, "e1", i)))
	}

	overflow := receive(t, diag)
	assert.Equal(t, TopicSubscriberOverflow, overflow.Topic)
	info, ok := overflow.Payload.(OverflowInfo)
	require.True(t, ok)
	assert.Equal(t, TopicEntityUpdated, info.Topic)
	assert.Positive(t, hooked.Load())

	// The newest events survive and arrive in order.
	last := -1
	for {
		e := receive(t, slow)
		if e.Topic == TopicSubscriberOverflow {
			continue
		}
		n := e.Payload.(int)
		assert.Greater(t, n, last)
		last = n
		if n == 9 {
			break
		}
	}
}

func TestOverflowNotifiesDroppingSubscriber(t *testing.T) {
	b := quietBus(WithBuffer(2))
	defer b.Close()

	sub, slow := b.Subscribe(TopicEntityUpdated)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(NewEvent(TopicEntityUpdated, "e1", i)))
	}

	var notices []OverflowInfo
	for {
		e := receive(t, slow)
		if e.Topic == TopicSubscriberOverflow {
			notices = append(notices, e.Payload.(OverflowInfo))
			continue
		}
		if e.Payload.(int) == 9 {
			break
		}
	}
	notice := receive(t, slow)
	require.Equal(t, TopicSubscriberOverflow, notice.Topic, "the notice trails the newest event")
	notices = append(notices, notice.Payload.(OverflowInfo))

	for _, info := range notices {
		assert.Equal(t, sub.ID(), info.Subscriber)
		assert.Positive(t, info.Dropped)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := quietBus(WithBuffer(1))
	defer b.Close()
	b.Subscribe(TopicAll)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = b.Publish(NewEvent(TopicEntityCreated, fmt.Sprint(i), nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := quietBus()
	defer b.Close()

	sub, ch := b.Subscribe(TopicAll)
	b.Unsubscribe(sub)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, b.Subscribers())
}

func TestPublishAfterClose(t *testing.T) {
	b := quietBus()
	b.Close()
	assert.ErrorIs(t, b.Publish(NewEvent(TopicEntityCreated, "e1", nil)), ErrClosed)
}

func TestNATSBridge(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}

	conn, err := nats.Connect(url)
	require.NoError(t, err)
	defer conn.Close()

	local := quietBus()
	defer local.Close()
	bridge := NewNATSBridge(local, conn, "intel-test", nil)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	peerBus := quietBus()
	defer peerBus.Close()
	peer := NewNATSBridge(peerBus, conn, "intel-test", nil)
	require.NoError(t, peer.Start())
	defer peer.Stop()

	_, remote := peerBus.Subscribe(TopicEntityCreated)
	require.NoError(t, local.Publish(NewEvent(TopicEntityCreated, "e1", nil)))

	e := receive(t, remote)
	assert.Equal(t, "e1", e.EntityID)
	assert.NotEmpty(t, e.Origin)
}
