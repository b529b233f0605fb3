package eventbus

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TopicEntityCreated         = "entity.created"
	TopicEntityUpdated         = "entity.updated"
	TopicEntityDeleted         = "entity.deleted"
	TopicRelationshipCreated   = "relationship.created"
	TopicRelationshipUpdated   = "relationship.updated"
	TopicContradictionDetected = "contradiction.detected"
	TopicContradictionResolved = "contradiction.resolved"
	TopicRecordStored          = "record.stored"
	TopicFindingCreated        = "finding.created"
	TopicIndicatorCreated      = "indicator.created"
	TopicReportPublished       = "report.published"
	TopicSubscriberOverflow    = "subscriber.overflow"

	// TopicAll subscribes to every topic.
	TopicAll = "*"
)

var ErrClosed = errors.New("event bus closed")

// Event is a notification about a change to a keyed object. EntityID is the
// ordering key: events sharing it reach each subscriber in publish order.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	EntityID  string    `json:"entity_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

func NewEvent(topic, entityID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		EntityID:  entityID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher is the write side of the bus, accepted by components that emit
// events.
type Publisher interface {
	Publish(e Event) error
}

// OverflowInfo is the payload of subscriber.overflow events.
type OverflowInfo struct {
	Subscriber uint64 `json:"subscriber"`
	Topic      string `json:"topic"`
	Dropped    uint64 `json:"dropped"`
	DroppedID  string `json:"dropped_id"`
}

type Subscription struct {
	id    uint64
	Topic string
}

func (s Subscription) ID() uint64 { return s.id }

type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	next       uint64
	buffer     int
	closed     bool
	onOverflow func(topic string)
	logger     *slog.Logger
}

type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithOverflowHook registers a callback run for every dropped event.
func WithOverflowHook(fn func(topic string)) Option {
	return func(b *Bus) {
		b.onOverflow = fn
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: 256,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in topic. Topic may be an exact name, "*" or a
// prefix pattern such as "entity.*". The returned channel is closed by
// Unsubscribe or Close.
func (b *Bus) Subscribe(topic string) (Subscription, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	s := newSubscriber(b.next, topic, b.buffer)
	if b.closed {
		s.stop()
	} else {
		b.subs[s.id] = s
	}
	go s.run()
	return Subscription{id: s.id, Topic: topic}, s.out
}

func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	s, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if ok {
		s.stop()
	}
}

// Publish enqueues e for every matching subscriber without blocking. A full
// subscriber queue drops its oldest event; a subscriber.overflow event then
// goes to that subscriber and to every subscriber of the overflow topic.
func (b *Bus) Publish(e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	var overflows []OverflowInfo
	for _, s := range b.subs {
		if !matches(s.topic, e.Topic) {
			continue
		}
		if dropped, ok := s.push(e); ok {
			overflows = append(overflows, OverflowInfo{
				Subscriber: s.id,
				Topic:      s.topic,
				Dropped:    s.droppedTotal(),
				DroppedID:  dropped.ID,
			})
			b.logger.Warn("subscriber queue overflow", "subscriber", s.id, "topic", s.topic, "dropped_event", dropped.ID)
			if b.onOverflow != nil {
				b.onOverflow(dropped.Topic)
			}
		}
	}

	// The subscriber that overflowed always gets the notice, queued behind
	// the event that caused the drop. Overflow events are not themselves
	// reported as overflow.
	for _, info := range overflows {
		diag := NewEvent(TopicSubscriberOverflow, "", info)
		for _, s := range b.subs {
			if s.id != info.Subscriber && !matches(s.topic, diag.Topic) {
				continue
			}
			if dropped, ok := s.push(diag); ok && b.onOverflow != nil {
				b.onOverflow(dropped.Topic)
			}
		}
	}
	return nil
}

// Close stops every subscriber. Publish returns ErrClosed afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func matches(pattern, topic string) bool {
	if pattern == TopicAll || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
