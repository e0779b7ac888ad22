// Package memory provides an in-process auctions.Store used by tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/floroz/gavel-live/internal/domain/auctions"
)

// Store keeps auctions and bids in maps guarded by one mutex.
// Snapshots are copied on the way in and out.
type Store struct {
	mu       sync.RWMutex
	auctions map[uuid.UUID]*auctions.Auction
	bids     map[uuid.UUID][]*auctions.Bid
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		auctions: make(map[uuid.UUID]*auctions.Auction),
		bids:     make(map[uuid.UUID][]*auctions.Bid),
	}
}

var _ auctions.Store = (*Store)(nil)

func (s *Store) Create(_ context.Context, auction *auctions.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[auction.ID]; exists {
		return fmt.Errorf("auction %s already exists", auction.ID)
	}
	s.auctions[auction.ID] = auction.Clone()
	return nil
}

func (s *Store) Load(_ context.Context, auctionID uuid.UUID) (*auctions.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, auctions.ErrAuctionNotFound
	}
	return a.Clone(), nil
}

func (s *Store) Save(_ context.Context, snapshot *auctions.Auction, newBid *auctions.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.auctions[snapshot.ID]
	if !ok {
		return auctions.ErrAuctionNotFound
	}
	if stored.Version != snapshot.Version {
		return auctions.ErrVersionConflict
	}

	if newBid != nil {
		for _, b := range s.bids[snapshot.ID] {
			b.IsWinning = false
		}
		bid := *newBid
		bid.IsWinning = true
		s.bids[snapshot.ID] = append(s.bids[snapshot.ID], &bid)
	}

	snapshot.Version++
	s.auctions[snapshot.ID] = snapshot.Clone()
	return nil
}

func (s *Store) ListLive(_ context.Context) ([]*auctions.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var live []*auctions.Auction
	for _, a := range s.auctions {
		if a.Status == auctions.StatusScheduled || a.Status.IsLive() {
			live = append(live, a.Clone())
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].EndTime.Before(live[j].EndTime)
	})
	return live, nil
}

func (s *Store) ListBids(_ context.Context, auctionID uuid.UUID) ([]*auctions.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.bids[auctionID]
	out := make([]*auctions.Bid, len(stored))
	for i, b := range stored {
		c := *b
		out[i] = &c
	}
	return out, nil
}
