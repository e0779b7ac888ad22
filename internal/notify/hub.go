// Package notify implements the per-auction publish/subscribe hub that keeps
// connected observers in sync with auction state.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Envelope is one event addressed to the subscribers of an auction.
type Envelope struct {
	AuctionID uuid.UUID `json:"auctionId"`
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	SentAt    time.Time `json:"sentAt"`
	Payload   any       `json:"payload"`
}

// Forwarder receives every envelope broadcast on this instance, e.g. to relay it to
// peers. Forward must not block.
type Forwarder interface {
	Forward(env Envelope)
}

type group struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Hub maps auction IDs to the subscribers currently interested in them.
// Broadcast never blocks on a subscriber: a subscriber whose buffer is full is
// evicted so that it can reconnect instead of silently missing events.
type Hub struct {
	mu         sync.RWMutex
	groups     map[uuid.UUID]*group
	forwarders []Forwarder
	seq        atomic.Uint64
	logger     *slog.Logger
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups: make(map[uuid.UUID]*group),
		logger: logger,
	}
}

// AddForwarder registers f to receive locally originated envelopes
func (h *Hub) AddForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarders = append(h.forwarders, f)
}

// Join adds sub to the auction's group. Joining twice is a no-op.
// It returns false when sub was already a member or is closed.
func (h *Hub) Join(auctionID uuid.UUID, sub *Subscriber) bool {
	if sub.isClosed() {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[auctionID]
	if !ok {
		g = &group{subs: make(map[*Subscriber]struct{})}
		h.groups[auctionID] = g
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, member := g.subs[sub]; member {
		return false
	}
	g.subs[sub] = struct{}{}
	sub.track(auctionID, true)
	return true
}

// Leave removes sub from the auction's group. Leaving twice is a no-op.
func (h *Hub) Leave(auctionID uuid.UUID, sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(auctionID, sub)
}

// LeaveAll removes sub from every group it joined
func (h *Hub) LeaveAll(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, auctionID := range sub.Auctions() {
		h.leaveLocked(auctionID, sub)
	}
}

func (h *Hub) leaveLocked(auctionID uuid.UUID, sub *Subscriber) bool {
	g, ok := h.groups[auctionID]
	if !ok {
		return false
	}

	g.mu.Lock()
	_, member := g.subs[sub]
	delete(g.subs, sub)
	empty := len(g.subs) == 0
	g.mu.Unlock()

	sub.track(auctionID, false)
	if empty {
		delete(h.groups, auctionID)
	}
	return member
}

// Broadcast delivers an event to the local subscribers of the auction and hands it
// to the registered forwarders. It returns without waiting for any subscriber.
func (h *Hub) Broadcast(auctionID uuid.UUID, eventType string, payload any) {
	env := Envelope{
		AuctionID: auctionID,
		Type:      eventType,
		Seq:       h.seq.Add(1),
		SentAt:    time.Now().UTC(),
		Payload:   payload,
	}
	h.Deliver(env)

	h.mu.RLock()
	forwarders := h.forwarders
	h.mu.RUnlock()
	for _, f := range forwarders {
		f.Forward(env)
	}
}

// Deliver sends env to local subscribers only. Used for envelopes received from peers.
func (h *Hub) Deliver(env Envelope) {
	h.mu.RLock()
	g, ok := h.groups[env.AuctionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var evicted []*Subscriber
	g.mu.Lock()
	for sub := range g.subs {
		if !sub.offer(env) {
			delete(g.subs, sub)
			evicted = append(evicted, sub)
		}
	}
	empty := len(g.subs) == 0
	g.mu.Unlock()

	for _, sub := range evicted {
		sub.track(env.AuctionID, false)
		sub.Close()
		h.logger.Warn("Evicted slow subscriber", "auction_id", env.AuctionID, "subscriber", sub.ID())
	}

	if empty {
		h.mu.Lock()
		if current, ok := h.groups[env.AuctionID]; ok && current == g {
			g.mu.Lock()
			if len(g.subs) == 0 {
				delete(h.groups, env.AuctionID)
			}
			g.mu.Unlock()
		}
		h.mu.Unlock()
	}
}

// SubscriberCount returns the number of local subscribers of an auction
func (h *Hub) SubscriberCount(auctionID uuid.UUID) int {
	h.mu.RLock()
	g, ok := h.groups[auctionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// GroupCount returns the number of auctions with at least one subscriber
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}
