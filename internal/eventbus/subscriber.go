package eventbus

import "sync"

// subscriber owns a fixed-size ring of pending events and a goroutine that
// hands them to the consumer channel one at a time.
type subscriber struct {
	id    uint64
	topic string
	out   chan Event
	done  chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	ring    []Event
	head    int
	count   int
	dropped uint64
	stopped bool
}

func newSubscriber(id uint64, topic string, size int) *subscriber {
	s := &subscriber{
		id:    id,
		topic: topic,
		out:   make(chan Event),
		done:  make(chan struct{}),
		ring:  make([]Event, size),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push appends e, evicting the oldest pending event when the ring is full.
// The evicted event is returned with ok set.
func (s *subscriber) push(e Event) (evicted Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Event{}, false
	}

	if s.count == len(s.ring) {
		evicted = s.ring[s.head]
		s.ring[s.head] = Event{}
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		s.dropped++
		ok = true
	}
	s.ring[(s.head+s.count)%len(s.ring)] = e
	s.count++
	s.cond.Signal()
	return evicted, ok
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return Event{}, false
	}
	e := s.ring[s.head]
	s.ring[s.head] = Event{}
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	return e, true
}

func (s *subscriber) droppedTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		e, ok := s.pop()
		if !ok {
			return
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	s.cond.Broadcast()
}
