package auctions

import (
	"time"

	"github.com/google/uuid"
)

// Candidate is a bid under consideration.
type Candidate struct {
	BidderID    uuid.UUID
	Amount      int64
	SubmittedAt time.Time
	// PreApproved is the pre-approval lookup result. Ignored unless the auction requires it.
	PreApproved bool
}

// Decision describes an accepted candidate.
type Decision struct {
	// BuyNow is true when the amount reached the buy-now price and the auction sells immediately.
	BuyNow bool
}

// Validate checks c against the snapshot a. The checks run in a fixed order and the
// first failure wins. Validate has no side effects.
func Validate(a *Auction, c Candidate) (Decision, error) {
	if err := validateState(a, c.SubmittedAt); err != nil {
		return Decision{}, err
	}

	if a.IsOwnedBy(c.BidderID) {
		return Decision{}, RejectSelfBid
	}

	decision, err := validateAmount(a, c.Amount)
	if err != nil {
		return Decision{}, err
	}

	if a.MaxBids != nil && a.BidCount >= *a.MaxBids {
		return Decision{}, RejectBidLimitReached
	}

	if a.RequiresPreApproval && !c.PreApproved {
		return Decision{}, RejectNotPreApproved
	}

	return decision, nil
}

// validateState checks the auction is live and at falls within [StartTime, EndTime)
func validateState(a *Auction, at time.Time) error {
	if !a.Status.IsLive() {
		return RejectInvalidState
	}
	if at.Before(a.StartTime) || !at.Before(a.EndTime) {
		return RejectInvalidState
	}
	return nil
}

// validateAmount checks amount against the increment rule and the buy-now price
func validateAmount(a *Auction, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{}, RejectAmountTooLow
	}
	if a.BuyNowPrice != nil && amount >= *a.BuyNowPrice {
		return Decision{BuyNow: true}, nil
	}
	if amount < a.NextMinimumBid() {
		return Decision{}, RejectAmountTooLow
	}
	return Decision{}, nil
}
