package notify

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the number of envelopes a subscriber may fall behind before eviction.
const DefaultBuffer = 64

// Subscriber is a handle owned by the transport layer. The transport drains
// Messages and stops when Done is closed.
type Subscriber struct {
	id   string
	send chan Envelope
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	auctions map[uuid.UUID]struct{}
}

// NewSubscriber creates a subscriber with the given buffer size
func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{
		id:       id,
		send:     make(chan Envelope, buffer),
		done:     make(chan struct{}),
		auctions: make(map[uuid.UUID]struct{}),
	}
}

func (s *Subscriber) ID() string {
	return s.id
}

// Messages returns the stream of envelopes in delivery order
func (s *Subscriber) Messages() <-chan Envelope {
	return s.send
}

// Done is closed when the subscriber is closed or evicted
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Auctions returns the auctions the subscriber currently belongs to
func (s *Subscriber) Auctions() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.auctions))
	for id := range s.auctions {
		out = append(out, id)
	}
	return out
}

func (s *Subscriber) track(auctionID uuid.UUID, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if joined {
		s.auctions[auctionID] = struct{}{}
	} else {
		delete(s.auctions, auctionID)
	}
}

func (s *Subscriber) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer enqueues env without blocking and reports whether it was accepted
func (s *Subscriber) offer(env Envelope) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}
