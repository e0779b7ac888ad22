package auctions

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle phase of an auction
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusActive     Status = "active"
	StatusEndingSoon Status = "ending_soon"
	StatusEnded      Status = "ended"
	StatusSold       Status = "sold"
	StatusCancelled  Status = "cancelled"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is one of the known phases
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusActive, StatusEndingSoon,
		StatusEnded, StatusSold, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusSold || s == StatusCancelled
}

// IsLive reports whether the auction is open for bidding.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusEndingSoon
}

// Auction is the authoritative state of a timed sale.
// Monetary fields are minor units (cents).
type Auction struct {
	ID       uuid.UUID `db:"id"`
	SellerID uuid.UUID `db:"seller_id"`
	Title    string    `db:"title"`

	StartingPrice int64  `db:"starting_price"`
	CurrentPrice  int64  `db:"current_price"`
	BidIncrement  int64  `db:"bid_increment"`
	BuyNowPrice   *int64 `db:"buy_now_price"`
	ReservePrice  *int64 `db:"reserve_price"`

	Status    Status    `db:"status"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`

	BidCount     int        `db:"bid_count"`
	WinnerID     *uuid.UUID `db:"winner_id"`
	WinnerName   string     `db:"winner_name"`
	WinningBidID *uuid.UUID `db:"winning_bid_id"`

	AutoExtend        bool          `db:"auto_extend"`
	ExtendWindow      time.Duration `db:"extend_window"`
	MaxAutoExtensions *int          `db:"max_auto_extensions"`
	ExtensionCount    int           `db:"extension_count"`

	MaxBids             *int `db:"max_bids"`
	RequiresPreApproval bool `db:"requires_pre_approval"`

	// EndingSoonNotified is set once the ending-soon warning went out for the current end time.
	EndingSoonNotified bool `db:"ending_soon_notified"`

	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Bid is an offer against an auction. Only IsWinning changes after creation.
type Bid struct {
	ID         uuid.UUID `db:"id"`
	AuctionID  uuid.UUID `db:"auction_id"`
	BidderID   uuid.UUID `db:"bidder_id"`
	BidderName string    `db:"bidder_name"`
	Amount     int64     `db:"amount"`
	IsWinning  bool      `db:"is_winning"`
	IsBuyNow   bool      `db:"is_buy_now"`
	CreatedAt  time.Time `db:"created_at"`
}

// NextMinimumBid returns the lowest amount the validator would accept as a regular bid.
func (a *Auction) NextMinimumBid() int64 {
	return a.CurrentPrice + a.BidIncrement
}

// IsOwnedBy checks if the given user is the seller
func (a *Auction) IsOwnedBy(userID uuid.UUID) bool {
	return a.SellerID == userID
}

// HasWinner reports whether at least one bid was accepted.
func (a *Auction) HasWinner() bool {
	return a.WinnerID != nil
}

// TimeRemaining is the time until EndTime, floored at zero.
func (a *Auction) TimeRemaining(now time.Time) time.Duration {
	if d := a.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a deep copy so that mutations can be discarded on failure.
func (a *Auction) Clone() *Auction {
	c := *a
	c.BuyNowPrice = clonePtr(a.BuyNowPrice)
	c.ReservePrice = clonePtr(a.ReservePrice)
	c.WinnerID = clonePtr(a.WinnerID)
	c.WinningBidID = clonePtr(a.WinningBidID)
	c.MaxAutoExtensions = clonePtr(a.MaxAutoExtensions)
	c.MaxBids = clonePtr(a.MaxBids)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Policy holds the engine-wide lifecycle settings.
type Policy struct {
	// EndingSoonThreshold is the remaining time at which an auction enters ending_soon.
	EndingSoonThreshold time.Duration
	// ExtensionDuration is added to EndTime on every auto-extension.
	ExtensionDuration time.Duration
	// MaxAutoExtensions caps extensions for auctions that do not set their own cap. Zero means unlimited.
	MaxAutoExtensions int
}

// DefaultPolicy returns the settings used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		EndingSoonThreshold: 5 * time.Minute,
		ExtensionDuration:   5 * time.Minute,
		MaxAutoExtensions:   10,
	}
}

// allowsExtension reports whether a may be extended once more. A per-auction cap
// takes precedence; the engine-wide cap of zero means unlimited.
func (p Policy) allowsExtension(a *Auction) bool {
	if a.MaxAutoExtensions != nil {
		return a.ExtensionCount < *a.MaxAutoExtensions
	}
	return p.MaxAutoExtensions == 0 || a.ExtensionCount < p.MaxAutoExtensions
}
