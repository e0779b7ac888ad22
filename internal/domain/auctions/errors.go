package auctions

import (
	"errors"
	"fmt"
)

// Rejection is the reason a bid was refused by the validator.
// Rejections are expected outcomes and are never retried.
type Rejection string

const (
	RejectInvalidState    Rejection = "invalid_state"
	RejectSelfBid         Rejection = "self_bid"
	RejectAmountTooLow    Rejection = "amount_too_low"
	RejectBidLimitReached Rejection = "bid_limit_reached"
	RejectNotPreApproved  Rejection = "not_pre_approved"
)

func (r Rejection) Error() string {
	switch r {
	case RejectInvalidState:
		return "auction is not accepting bids"
	case RejectSelfBid:
		return "seller cannot bid on their own auction"
	case RejectAmountTooLow:
		return "bid amount is below the next minimum bid"
	case RejectBidLimitReached:
		return "auction has reached its bid limit"
	case RejectNotPreApproved:
		return "bidder is not pre-approved for this auction"
	}
	return string(r)
}

// AsRejection extracts the rejection reason from err, if any.
func AsRejection(err error) (Rejection, bool) {
	var r Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return "", false
}

// Service errors
var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrVersionConflict   = errors.New("auction was modified concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("unauthorized: only the seller can perform this action")

	// ErrContention means exclusive access could not be obtained within the retry budget.
	ErrContention = errors.New("auction is busy, try again")
	// ErrPersistence means the store rejected the write; nothing was applied.
	ErrPersistence = errors.New("failed to persist auction")

	ErrInvalidStartingPrice = fmt.Errorf("starting price must be greater than 0")
	ErrInvalidIncrement     = fmt.Errorf("bid increment must be greater than 0")
	ErrInvalidSchedule      = fmt.Errorf("end time must be after start time")
	ErrInvalidBuyNow        = fmt.Errorf("buy-now price must exceed the starting price")
)

// IsTransient reports whether err is a retryable failure rather than a rejection.
func IsTransient(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrPersistence)
}
