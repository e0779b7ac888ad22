package api

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/go-playground/validator/v10"

	"github.com/floroz/gavel-live/internal/domain/auctions"
)

// RejectionHeader carries the machine-readable reason of a rejected bid
const RejectionHeader = "Gavel-Rejection"

// toConnectError maps domain errors to Connect codes
func toConnectError(err error) error {
	if reason, ok := auctions.AsRejection(err); ok {
		code := connect.CodeFailedPrecondition
		if reason == auctions.RejectSelfBid || reason == auctions.RejectNotPreApproved {
			code = connect.CodePermissionDenied
		}
		cerr := connect.NewError(code, err)
		cerr.Meta().Set(RejectionHeader, string(reason))
		return cerr
	}

	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, auctions.ErrAuctionNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, auctions.ErrUnauthorized):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, auctions.ErrInvalidTransition):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, auctions.ErrContention):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, auctions.ErrPersistence):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, auctions.ErrInvalidStartingPrice),
		errors.Is(err, auctions.ErrInvalidIncrement),
		errors.Is(err, auctions.ErrInvalidSchedule),
		errors.Is(err, auctions.ErrInvalidBuyNow),
		errors.As(err, &validationErrs):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func invalidArgument(err error) error {
	return connect.NewError(connect.CodeInvalidArgument, err)
}
