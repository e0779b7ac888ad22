package auctions

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// transitions lists the allowed status changes. Extension (ending_soon -> active) is the
// only edge that returns to an earlier phase and is reachable only through ApplyBid.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusActive, StatusCancelled},
	StatusActive:     {StatusEndingSoon, StatusEnded, StatusSold, StatusCancelled},
	StatusEndingSoon: {StatusActive, StatusEnded, StatusSold, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (a *Auction) moveTo(to Status, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

// Schedule publishes a draft auction.
func (a *Auction) Schedule(now time.Time) error {
	return a.moveTo(StatusScheduled, now)
}

// Activate opens a scheduled auction once its start time is reached.
func (a *Auction) Activate(now time.Time) error {
	if now.Before(a.StartTime) {
		return fmt.Errorf("%w: auction starts at %s", ErrInvalidTransition, a.StartTime.Format(time.RFC3339))
	}
	return a.moveTo(StatusActive, now)
}

// MarkEndingSoon enters ending_soon when the remaining time is within threshold.
// It returns true only the first time for a given end time.
func (a *Auction) MarkEndingSoon(now time.Time, threshold time.Duration) bool {
	if a.Status != StatusActive || a.EndingSoonNotified {
		return false
	}
	if a.EndTime.Sub(now) > threshold || !now.Before(a.EndTime) {
		return false
	}
	a.Status = StatusEndingSoon
	a.EndingSoonNotified = true
	a.UpdatedAt = now
	return true
}

// BidTransition is the outcome of ApplyBid.
type BidTransition struct {
	Bid               *Bid
	PreviousWinningID *uuid.UUID
	Extended          bool
	ExtendedBy        time.Duration
	Sold              bool
}

// ApplyBid records an accepted bid. Price, winning bid, bid count and winner change
// together; callers apply it to a Clone and discard the clone if persisting fails.
func (a *Auction) ApplyBid(bid *Bid, decision Decision, now time.Time, policy Policy) BidTransition {
	tr := BidTransition{
		Bid:               bid,
		PreviousWinningID: clonePtr(a.WinningBidID),
	}

	bid.AuctionID = a.ID
	bid.IsWinning = true
	bid.IsBuyNow = decision.BuyNow

	winnerID := bid.BidderID
	bidID := bid.ID
	a.CurrentPrice = bid.Amount
	a.WinningBidID = &bidID
	a.BidCount++
	a.WinnerID = &winnerID
	a.WinnerName = bid.BidderName
	a.UpdatedAt = now

	if decision.BuyNow {
		a.Status = StatusSold
		tr.Sold = true
		return tr
	}

	if a.AutoExtend && a.EndTime.Sub(now) <= a.ExtendWindow && policy.allowsExtension(a) {
		a.EndTime = a.EndTime.Add(policy.ExtensionDuration)
		a.ExtensionCount++
		a.Status = StatusActive
		a.EndingSoonNotified = false
		tr.Extended = true
		tr.ExtendedBy = policy.ExtensionDuration
	}

	return tr
}

// Finalize closes a live auction whose end time has passed. The result is sold when a
// winning bid meets the reserve, ended otherwise.
func (a *Auction) Finalize(now time.Time) (Status, error) {
	if !a.Status.IsLive() {
		return a.Status, fmt.Errorf("%w: cannot finalize %s auction", ErrInvalidTransition, a.Status)
	}
	if now.Before(a.EndTime) {
		return a.Status, fmt.Errorf("%w: auction ends at %s", ErrInvalidTransition, a.EndTime.Format(time.RFC3339))
	}

	to := StatusEnded
	if a.HasWinner() && (a.ReservePrice == nil || a.CurrentPrice >= *a.ReservePrice) {
		to = StatusSold
	}
	if err := a.moveTo(to, now); err != nil {
		return a.Status, err
	}
	return to, nil
}

// Cancel terminates a pre-terminal auction.
func (a *Auction) Cancel(now time.Time) error {
	return a.moveTo(StatusCancelled, now)
}
