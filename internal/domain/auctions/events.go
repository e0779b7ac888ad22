package auctions

import (
	"time"

	"github.com/google/uuid"

	"github.com/floroz/gavel-live/pkg/money"
)

// EventType names a real-time event sent to auction observers
type EventType string

const (
	EventBidUpdate       EventType = "BidUpdate"
	EventCountdownUpdate EventType = "CountdownUpdate"
	EventAuctionEnding   EventType = "AuctionEnding"
	EventAuctionEnded    EventType = "AuctionEnded"
	EventAuctionExtended EventType = "AuctionExtended"
	EventLiveUpdate      EventType = "LiveUpdate"
)

// String returns the string representation of the event type
func (e EventType) String() string {
	return string(e)
}

// IsValid checks if the event type is known
func (e EventType) IsValid() bool {
	switch e {
	case EventBidUpdate, EventCountdownUpdate, EventAuctionEnding,
		EventAuctionEnded, EventAuctionExtended, EventLiveUpdate:
		return true
	}
	return false
}

type BidUpdate struct {
	AuctionID      uuid.UUID   `json:"auctionId"`
	HighestBid     money.Cents `json:"highestBid"`
	BidCount       int         `json:"bidCount"`
	NextMinimumBid money.Cents `json:"nextMinimumBid"`
	BidderName     string      `json:"bidderName"`
	BidTime        time.Time   `json:"bidTime"`
}

type CountdownUpdate struct {
	AuctionID uuid.UUID `json:"auctionId"`
	// TimeRemaining is in whole seconds.
	TimeRemaining int64 `json:"timeRemaining"`
	IsEnding      bool  `json:"isEnding"`
}

type AuctionEnding struct {
	AuctionID uuid.UUID `json:"auctionId"`
	Message   string    `json:"message"`
}

type AuctionEnded struct {
	AuctionID  uuid.UUID    `json:"auctionId"`
	Status     Status       `json:"status"`
	WinningBid *money.Cents `json:"winningBid,omitempty"`
	WinnerName string       `json:"winnerName,omitempty"`
}

type AuctionExtended struct {
	AuctionID        uuid.UUID `json:"auctionId"`
	ExtensionMinutes int       `json:"extensionMinutes"`
	EndTime          time.Time `json:"endTime"`
}

type LiveUpdate struct {
	AuctionID      uuid.UUID `json:"auctionId"`
	ViewCount      int       `json:"viewCount"`
	WatchlistCount int64     `json:"watchlistCount"`
}

func newBidUpdate(a *Auction, bid *Bid) BidUpdate {
	return BidUpdate{
		AuctionID:      a.ID,
		HighestBid:     money.Cents(a.CurrentPrice),
		BidCount:       a.BidCount,
		NextMinimumBid: money.Cents(a.NextMinimumBid()),
		BidderName:     bid.BidderName,
		BidTime:        bid.CreatedAt,
	}
}

// NewAuctionEnded builds the closing event for a terminal auction.
func NewAuctionEnded(a *Auction) AuctionEnded {
	ev := AuctionEnded{AuctionID: a.ID, Status: a.Status}
	if a.Status == StatusSold {
		amount := money.Cents(a.CurrentPrice)
		ev.WinningBid = &amount
		ev.WinnerName = a.WinnerName
	}
	return ev
}

// NewAuctionEnding builds the ending-soon warning.
func NewAuctionEnding(a *Auction, now time.Time) AuctionEnding {
	return AuctionEnding{
		AuctionID: a.ID,
		Message:   "Auction ends in " + a.TimeRemaining(now).Round(time.Second).String(),
	}
}

// NewCountdownUpdate builds the per-tick countdown.
func NewCountdownUpdate(a *Auction, now time.Time) CountdownUpdate {
	return CountdownUpdate{
		AuctionID:     a.ID,
		TimeRemaining: int64(a.TimeRemaining(now) / time.Second),
		IsEnding:      a.Status == StatusEndingSoon,
	}
}

// newAuctionExtended reports the extension in whole minutes, rounded up so a
// sub-minute extension never reads as zero. EndTime carries the exact value.
func newAuctionExtended(a *Auction, by time.Duration) AuctionExtended {
	return AuctionExtended{
		AuctionID:        a.ID,
		ExtensionMinutes: int((by + time.Minute - 1) / time.Minute),
		EndTime:          a.EndTime,
	}
}
