// Package api exposes the bidding engine over ConnectRPC.
// Messages are google.protobuf.Struct values so clients can speak JSON or binary protobuf.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/floroz/gavel-live/internal/domain/auctions"
	"github.com/floroz/gavel-live/pkg/auth"
	"github.com/floroz/gavel-live/pkg/money"
)

// ServiceName is the fully-qualified Connect service name
const ServiceName = "gavel.live.v1.BiddingService"

// Procedure paths
const (
	CreateAuctionProcedure     = "/" + ServiceName + "/CreateAuction"
	ScheduleAuctionProcedure   = "/" + ServiceName + "/ScheduleAuction"
	GetAuctionProcedure        = "/" + ServiceName + "/GetAuction"
	CancelAuctionProcedure     = "/" + ServiceName + "/CancelAuction"
	PlaceBidProcedure          = "/" + ServiceName + "/PlaceBid"
	GetNextMinimumBidProcedure = "/" + ServiceName + "/GetNextMinimumBid"
	ValidateBidProcedure       = "/" + ServiceName + "/ValidateBid"
	ListBidsProcedure          = "/" + ServiceName + "/ListBids"
	ApproveBiddersProcedure    = "/" + ServiceName + "/ApproveBidders"
	WatchAuctionProcedure      = "/" + ServiceName + "/WatchAuction"
	UnwatchAuctionProcedure    = "/" + ServiceName + "/UnwatchAuction"
)

type (
	Request  = connect.Request[structpb.Struct]
	Response = connect.Response[structpb.Struct]
)

// AudienceAdmin manages pre-approval lists and watchlists
type AudienceAdmin interface {
	Approve(ctx context.Context, auctionID uuid.UUID, bidderIDs ...uuid.UUID) error
	Watch(ctx context.Context, auctionID, userID uuid.UUID) (int64, error)
	Unwatch(ctx context.Context, auctionID, userID uuid.UUID) (int64, error)
}

// BiddingHandler implements the BiddingService procedures
type BiddingHandler struct {
	service  *auctions.Service
	audience AudienceAdmin
	logger   *slog.Logger
}

// NewBiddingHandler creates a handler. audience may be nil, which disables the
// approval and watchlist procedures.
func NewBiddingHandler(service *auctions.Service, audience AudienceAdmin, logger *slog.Logger) *BiddingHandler {
	return &BiddingHandler{service: service, audience: audience, logger: logger}
}

// Routes returns the service path prefix and its handler
func (h *BiddingHandler) Routes(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(CreateAuctionProcedure, connect.NewUnaryHandler(CreateAuctionProcedure, h.CreateAuction, opts...))
	mux.Handle(ScheduleAuctionProcedure, connect.NewUnaryHandler(ScheduleAuctionProcedure, h.ScheduleAuction, opts...))
	mux.Handle(GetAuctionProcedure, connect.NewUnaryHandler(GetAuctionProcedure, h.GetAuction, opts...))
	mux.Handle(CancelAuctionProcedure, connect.NewUnaryHandler(CancelAuctionProcedure, h.CancelAuction, opts...))
	mux.Handle(PlaceBidProcedure, connect.NewUnaryHandler(PlaceBidProcedure, h.PlaceBid, opts...))
	mux.Handle(GetNextMinimumBidProcedure, connect.NewUnaryHandler(GetNextMinimumBidProcedure, h.GetNextMinimumBid, opts...))
	mux.Handle(ValidateBidProcedure, connect.NewUnaryHandler(ValidateBidProcedure, h.ValidateBid, opts...))
	mux.Handle(ListBidsProcedure, connect.NewUnaryHandler(ListBidsProcedure, h.ListBids, opts...))
	mux.Handle(ApproveBiddersProcedure, connect.NewUnaryHandler(ApproveBiddersProcedure, h.ApproveBidders, opts...))
	mux.Handle(WatchAuctionProcedure, connect.NewUnaryHandler(WatchAuctionProcedure, h.WatchAuction, opts...))
	mux.Handle(UnwatchAuctionProcedure, connect.NewUnaryHandler(UnwatchAuctionProcedure, h.UnwatchAuction, opts...))
	return "/" + ServiceName + "/", mux
}

func respond(m map[string]any) (*Response, error) {
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func callerID(ctx context.Context) (uuid.UUID, error) {
	id, ok := auth.GetUserID(ctx)
	if !ok {
		return uuid.Nil, connect.NewError(connect.CodeUnauthenticated, errors.New("missing user in context"))
	}
	return id, nil
}

// CreateAuction creates a draft auction owned by the caller
func (h *BiddingHandler) CreateAuction(ctx context.Context, req *Request) (*Response, error) {
	sellerID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	cmd := auctions.CreateAuctionCommand{
		SellerID:            sellerID,
		AutoExtend:          boolField(req.Msg, "autoExtend"),
		RequiresPreApproval: boolField(req.Msg, "requiresPreApproval"),
	}
	if cmd.Title, err = stringField(req.Msg, "title"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.StartingPrice, err = amountField(req.Msg, "startingPrice"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.BidIncrement, err = amountField(req.Msg, "bidIncrement"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.BuyNowPrice, err = optionalAmount(req.Msg, "buyNowPrice"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.ReservePrice, err = optionalAmount(req.Msg, "reservePrice"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.StartTime, err = timeField(req.Msg, "startTime"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.EndTime, err = timeField(req.Msg, "endTime"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.ExtendWindow, err = durationField(req.Msg, "extendWindow"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.MaxAutoExtensions, err = optionalInt(req.Msg, "maxAutoExtensions"); err != nil {
		return nil, invalidArgument(err)
	}
	if cmd.MaxBids, err = optionalInt(req.Msg, "maxBids"); err != nil {
		return nil, invalidArgument(err)
	}

	a, err := h.service.CreateAuction(ctx, cmd)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": mapAuction(a)})
}

// ScheduleAuction publishes a draft auction
func (h *BiddingHandler) ScheduleAuction(ctx context.Context, req *Request) (*Response, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}

	a, err := h.service.ScheduleAuction(ctx, auctionID, userID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": mapAuction(a)})
}

// GetAuction returns the latest snapshot of an auction
func (h *BiddingHandler) GetAuction(ctx context.Context, req *Request) (*Response, error) {
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}

	a, err := h.service.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": mapAuction(a)})
}

// CancelAuction cancels an auction on behalf of its seller
func (h *BiddingHandler) CancelAuction(ctx context.Context, req *Request) (*Response, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}

	a, err := h.service.CancelAuction(ctx, auctionID, userID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": mapAuction(a)})
}

// PlaceBid submits a bid as the caller
func (h *BiddingHandler) PlaceBid(ctx context.Context, req *Request) (*Response, error) {
	bidderID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	amount, err := amountField(req.Msg, "amount")
	if err != nil {
		return nil, invalidArgument(err)
	}

	var bidderName string
	if claims, ok := auth.GetUserClaims(ctx); ok {
		bidderName = claims.Name
	}

	result, err := h.service.PlaceBid(ctx, auctions.PlaceBidCommand{
		AuctionID:  auctionID,
		BidderID:   bidderID,
		BidderName: bidderName,
		Amount:     amount,
	})
	if err != nil {
		if auctions.IsTransient(err) {
			h.logger.Warn("Bid failed transiently", "auction_id", auctionID, "error", err)
		}
		return nil, toConnectError(err)
	}

	return respond(map[string]any{
		"bid":      mapBid(result.Bid),
		"auction":  mapAuction(result.Auction),
		"extended": result.Extended,
		"sold":     result.Sold,
	})
}

// GetNextMinimumBid returns the lowest acceptable regular bid
func (h *BiddingHandler) GetNextMinimumBid(ctx context.Context, req *Request) (*Response, error) {
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}

	next, err := h.service.GetNextMinimumBid(ctx, auctionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{
		"auctionId":      auctionID.String(),
		"nextMinimumBid": money.Cents(next).String(),
	})
}

// ValidateBid reports whether the caller's bid would currently be accepted
func (h *BiddingHandler) ValidateBid(ctx context.Context, req *Request) (*Response, error) {
	bidderID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	amount, err := amountField(req.Msg, "amount")
	if err != nil {
		return nil, invalidArgument(err)
	}

	err = h.service.CheckBid(ctx, auctionID, bidderID, amount)
	if err == nil {
		return respond(map[string]any{"valid": true})
	}
	if reason, ok := auctions.AsRejection(err); ok {
		return respond(map[string]any{"valid": false, "reason": string(reason), "message": reason.Error()})
	}
	return nil, toConnectError(err)
}

// ListBids returns an auction's bid history, oldest first
func (h *BiddingHandler) ListBids(ctx context.Context, req *Request) (*Response, error) {
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}

	bids, err := h.service.ListBids(ctx, auctionID)
	if err != nil {
		return nil, toConnectError(err)
	}

	items := make([]any, len(bids))
	for i, b := range bids {
		items[i] = mapBid(b)
	}
	return respond(map[string]any{"bids": items})
}

// ApproveBidders adds bidders to the pre-approval list of the caller's auction
func (h *BiddingHandler) ApproveBidders(ctx context.Context, req *Request) (*Response, error) {
	if h.audience == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("approvals are not configured"))
	}
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	bidderIDs, err := uuidListField(req.Msg, "bidderIds")
	if err != nil {
		return nil, invalidArgument(err)
	}

	a, err := h.service.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if !a.IsOwnedBy(userID) {
		return nil, toConnectError(auctions.ErrUnauthorized)
	}

	if err := h.audience.Approve(ctx, auctionID, bidderIDs...); err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return respond(map[string]any{"approved": len(bidderIDs)})
}

// WatchAuction adds the auction to the caller's watchlist
func (h *BiddingHandler) WatchAuction(ctx context.Context, req *Request) (*Response, error) {
	return h.updateWatchlist(ctx, req, true)
}

// UnwatchAuction removes the auction from the caller's watchlist
func (h *BiddingHandler) UnwatchAuction(ctx context.Context, req *Request) (*Response, error) {
	return h.updateWatchlist(ctx, req, false)
}

func (h *BiddingHandler) updateWatchlist(ctx context.Context, req *Request, watch bool) (*Response, error) {
	if h.audience == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("watchlists are not configured"))
	}
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auctionId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	if _, err := h.service.GetAuction(ctx, auctionID); err != nil {
		return nil, toConnectError(err)
	}

	var count int64
	if watch {
		count, err = h.audience.Watch(ctx, auctionID, userID)
	} else {
		count, err = h.audience.Unwatch(ctx, auctionID, userID)
	}
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}

	h.service.PublishLiveUpdate(ctx, auctionID)
	return respond(map[string]any{"watchlistCount": count})
}
