package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSBridge mirrors local bus events onto NATS subjects "<prefix>.<topic>"
// and injects events published by other engine instances into the local bus.
type NATSBridge struct {
	bus    *Bus
	conn   *nats.Conn
	prefix string
	origin string
	logger *slog.Logger

	mu      sync.Mutex
	local   Subscription
	remote  *nats.Subscription
	done    chan struct{}
	running bool
}

func NewNATSBridge(bus *Bus, conn *nats.Conn, prefix string, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "intel"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBridge{
		bus:    bus,
		conn:   conn,
		prefix: prefix,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Subject returns the NATS subject events of topic are published on.
func (b *NATSBridge) Subject(topic string) string {
	return b.prefix + "." + topic
}

func (b *NATSBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	remote, err := b.conn.Subscribe(b.prefix+".>", b.inject)
	if err != nil {
		return fmt.Errorf("subscribe to %s.>: %w", b.prefix, err)
	}

	sub, events := b.bus.Subscribe(TopicAll)
	b.local = sub
	b.remote = remote
	b.done = make(chan struct{})
	b.running = true

	go b.forward(events, b.done)
	return nil
}

func (b *NATSBridge) forward(events <-chan Event, done chan struct{}) {
	defer close(done)
	for e := range events {
		// Events that arrived over NATS carry an origin and are not echoed.
		if e.Origin != "" {
			continue
		}
		e.Origin = b.origin
		data, err := json.Marshal(e)
		if err != nil {
			b.logger.Error("encoding event for nats", "topic", e.Topic, "error", err)
			continue
		}
		if err := b.conn.Publish(b.Subject(e.Topic), data); err != nil {
			b.logger.Warn("publishing event to nats", "topic", e.Topic, "error", err)
		}
	}
}

func (b *NATSBridge) inject(msg *nats.Msg) {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		b.logger.Warn("discarding malformed nats event", "subject", msg.Subject, "error", err)
		return
	}
	if e.Origin == b.origin {
		return
	}
	if e.Origin == "" {
		e.Origin = "nats"
	}
	if e.Topic == "" {
		e.Topic = strings.TrimPrefix(msg.Subject, b.prefix+".")
	}
	if err := b.bus.Publish(e); err != nil {
		b.logger.Debug("dropping remote event", "topic", e.Topic, "error", err)
	}
}

func (b *NATSBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	remote, local, done := b.remote, b.local, b.done
	b.mu.Unlock()

	if err := remote.Unsubscribe(); err != nil {
		b.logger.Warn("unsubscribing from nats", "error", err)
	}
	b.bus.Unsubscribe(local)
	<-done
}
