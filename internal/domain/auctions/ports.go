package auctions

import (
	"context"

	"github.com/google/uuid"
)

// Store defines the interface for auction persistence
type Store interface {
	// Create inserts a new auction
	Create(ctx context.Context, auction *Auction) error

	// Load returns the latest snapshot or ErrAuctionNotFound
	Load(ctx context.Context, auctionID uuid.UUID) (*Auction, error)

	// Save writes snapshot and, when newBid is not nil, appends it and makes it the only
	// winning bid. The write is atomic and succeeds only if the stored version still
	// equals snapshot.Version; otherwise it returns ErrVersionConflict. On success the
	// snapshot's Version is incremented.
	Save(ctx context.Context, snapshot *Auction, newBid *Bid) error

	// ListLive returns every auction that is scheduled, active or ending soon
	ListLive(ctx context.Context) ([]*Auction, error)

	// ListBids returns the bids of an auction, oldest first
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)
}

// Settlement receives the "winner decided" fact for sold auctions
type Settlement interface {
	OnAuctionSold(ctx context.Context, auctionID, winnerID uuid.UUID, amount int64) error
}

// PreApprovals answers whether a bidder may bid on an auction that requires approval
type PreApprovals interface {
	IsApproved(ctx context.Context, auctionID, bidderID uuid.UUID) (bool, error)
}

// Notifier delivers events to the observers of an auction. Broadcast must not block.
type Notifier interface {
	Broadcast(auctionID uuid.UUID, eventType string, payload any)
}

// Audience reports how many observers are connected to an auction
type Audience interface {
	SubscriberCount(auctionID uuid.UUID) int
}

// Watchlist reports how many users saved an auction
type Watchlist interface {
	WatchlistCount(ctx context.Context, auctionID uuid.UUID) (int64, error)
}
