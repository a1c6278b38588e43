package events

import "sync"

// Stream fans events out to subscribers. Each subscriber has its own ordered
// mailbox, so a slow reader never blocks Publish and never reorders events.
// When a mailbox exceeds its limit, droppable kinds are discarded first.
type Stream struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewStream creates an empty stream
func NewStream() *Stream {
	return &Stream{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a reader for the given categories. No categories means
// every event. limit bounds how many droppable events may queue up.
func (s *Stream) Subscribe(limit int, categories ...Category) *Subscription {
	if limit <= 0 {
		limit = 256
	}
	sub := &Subscription{
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		limit:  limit,
		stream: s,
	}
	if len(categories) > 0 {
		sub.filter = make(map[Category]bool, len(categories))
		for _, c := range categories {
			sub.filter[c] = true
		}
	}

	s.mu.Lock()
	if s.closed {
		sub.stop()
	} else {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish delivers evt to every matching subscriber without blocking.
func (s *Stream) Publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for sub := range s.subs {
		sub.enqueue(evt)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (s *Stream) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is a handle on a Stream. Read from C until it is closed; call
// Close to unsubscribe.
type Subscription struct {
	mu      sync.Mutex
	pending []Event
	filter  map[Category]bool
	limit   int
	dropped int

	out  chan Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	stream *Stream
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Dropped reports how many droppable events were discarded.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	if s.stream != nil {
		s.stream.remove(s)
	}
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(evt Event) {
	if s.filter != nil && !s.filter[evt.Kind.Category()] {
		return
	}

	s.mu.Lock()
	if evt.Kind.Droppable() && len(s.pending) >= s.limit {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}
